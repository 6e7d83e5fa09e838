package snapshot

import (
	"encoding/binary"
	"fmt"
	"io"
)

// X86 register slots, matching glibc's gregset_t layout on i386 (NGREG=19).
const (
	X86RegGS = iota
	X86RegFS
	X86RegES
	X86RegDS
	X86RegEDI
	X86RegESI
	X86RegEBP
	X86RegESP
	X86RegEBX
	X86RegEDX
	X86RegECX
	X86RegEAX
	X86RegTRAPNO
	X86RegERR
	X86RegEIP
	X86RegCS
	X86RegEFL
	X86RegUESP
	X86RegSS

	x86NGReg
)

var x86RegNames = [x86NGReg]string{
	X86RegGS: "GS", X86RegFS: "FS", X86RegES: "ES", X86RegDS: "DS",
	X86RegEDI: "EDI", X86RegESI: "ESI", X86RegEBP: "EBP", X86RegESP: "ESP",
	X86RegEBX: "EBX", X86RegEDX: "EDX", X86RegECX: "ECX", X86RegEAX: "EAX",
	X86RegTRAPNO: "TRAPNO", X86RegERR: "ERR", X86RegEIP: "EIP",
	X86RegCS: "CS", X86RegEFL: "EFL", X86RegUESP: "UESP", X86RegSS: "SS",
}

// x86IgnoredSentinel is written in place of registers two implementations
// routinely disagree on (the GS/FS/ES/DS segment registers, EFLAGS, both
// stack-pointer slots ESP and UESP, the trap number) instead of comparing
// them. CS and SS are compared.
const x86IgnoredSentinel = 0xDEADBEEF

var x86Ignored = map[int]bool{
	X86RegESP: true, X86RegUESP: true, X86RegGS: true, X86RegFS: true,
	X86RegES: true, X86RegDS: true, X86RegTRAPNO: true, X86RegEFL: true,
}

// X86Snapshot is the canonicalized register state for one trapped
// instruction on an x86 target, following risu_i386.c's reginfo exactly,
// including which registers it deliberately does not compare.
type X86Snapshot struct {
	Insn  uint32
	GRegs [x86NGReg]uint32
}

const x86WireSize = 4 + x86NGReg*4

// NewX86Snapshot canonicalizes a live x86 register capture. gregs holds
// the raw glibc gregset_t contents; imageBase is the address the test
// image was mapped at.
func NewX86Snapshot(gregs [x86NGReg]uint32, insn uint32, imageBase uint32) *X86Snapshot {
	out := gregs
	for i := range out {
		switch {
		case i == X86RegEIP:
			out[i] = gregs[i] - imageBase
		case x86Ignored[i]:
			out[i] = x86IgnoredSentinel
		}
	}
	return &X86Snapshot{Insn: insn, GRegs: out}
}

// IsUD2 reports whether insn is the UD2 marker, which ends the test on a
// successful compare (risu_i386.c's insn_is_ud2 / engine.MasterStep).
func IsUD2(insn uint32) bool {
	return insn&0xffff == 0x0b0f
}

func (s *X86Snapshot) FaultingInsn() (uint32, int) { return s.Insn, 4 }

// Reg0 is unused on x86: DecodeX86 never produces OP_SETMEMBLOCK/
// OP_GETMEMBLOCK, matching risu_i386.c, which never implements them.
func (s *X86Snapshot) Reg0() uint64 { return 0 }

// UnmarshalBinary implements Snapshot.
func (s *X86Snapshot) UnmarshalBinary(buf []byte) (Snapshot, error) {
	return UnmarshalX86Snapshot(buf)
}

func (s *X86Snapshot) MarshalBinary() []byte {
	buf := make([]byte, x86WireSize)
	binary.LittleEndian.PutUint32(buf, s.Insn)
	i := 4
	for _, r := range s.GRegs {
		binary.LittleEndian.PutUint32(buf[i:], r)
		i += 4
	}
	return buf
}

// UnmarshalX86Snapshot decodes a wire payload produced by MarshalBinary.
func UnmarshalX86Snapshot(buf []byte) (*X86Snapshot, error) {
	if len(buf) != x86WireSize {
		return nil, fmt.Errorf("snapshot: x86 payload is %d bytes, want %d", len(buf), x86WireSize)
	}
	s := &X86Snapshot{Insn: binary.LittleEndian.Uint32(buf)}
	i := 4
	for n := range s.GRegs {
		s.GRegs[n] = binary.LittleEndian.Uint32(buf[i:])
		i += 4
	}
	return s, nil
}

func (s *X86Snapshot) Equal(other Snapshot) bool {
	o, ok := other.(*X86Snapshot)
	if !ok {
		return false
	}
	a, b := s.MarshalBinary(), o.MarshalBinary()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *X86Snapshot) Dump(w io.Writer) error {
	fmt.Fprintf(w, "  faulting insn %x\n", s.Insn)
	for i, r := range s.GRegs {
		fmt.Fprintf(w, "  %s: %x\n", x86RegNames[i], r)
	}
	return nil
}

func (s *X86Snapshot) DumpMismatch(w io.Writer, other Snapshot) error {
	o, ok := other.(*X86Snapshot)
	if !ok {
		return fmt.Errorf("snapshot: cannot diff X86Snapshot against %T", other)
	}
	fmt.Fprintf(w, "mismatch detail (master : apprentice):\n")
	if s.Insn != o.Insn {
		fmt.Fprintf(w, "  faulting insn mismatch %x vs %x\n", s.Insn, o.Insn)
	}
	for i := range s.GRegs {
		if s.GRegs[i] != o.GRegs[i] {
			fmt.Fprintf(w, "  %s: %x vs %x\n", x86RegNames[i], s.GRegs[i], o.GRegs[i])
		}
	}
	return nil
}
