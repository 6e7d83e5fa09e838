package snapshot

import (
	"encoding/binary"
	"fmt"
	"io"
)

// aarch64SPSentinel replaces the live SP value, which is treated as
// implementation-defined stack layout, not part of the comparable
// architectural state, so both peers write the same fixed sentinel instead
// of comparing stack pointers that will legitimately differ.
const aarch64SPSentinel = 0xdeadbeefdeadbeef

// aarch64FlagsMask keeps only the NZCV condition flags (the top nibble of
// PSTATE); everything else is execution-mode bookkeeping two different
// implementations are allowed to disagree on.
const aarch64FlagsMask = 0xf0000000

// Uint128 is a little-endian 128-bit value: Lo holds bits [0:64), Hi holds
// bits [64:128). Used for AArch64 V-register contents.
type Uint128 struct {
	Lo, Hi uint64
}

// AArch64Snapshot is the canonicalized register state for one trapped
// instruction on an AArch64 target. Field order and semantics follow
// risu_reginfo_aarch64.{h,c} exactly.
type AArch64Snapshot struct {
	Insn         uint32
	Regs         [31]uint64
	SP           uint64
	PC           uint64
	Flags        uint32
	FaultAddress uint64
	FPSR         uint32
	FPCR         uint32
	VRegs        [32]Uint128
}

const aarch64WireSize = 4 + 31*8 + 8 + 8 + 4 + 8 + 4 + 4 + 32*16

// NewAArch64Snapshot canonicalizes a live register capture. regs holds
// X0-X30 in order; pc and faultAddr are absolute addresses as reported by
// the platform; pstate is the raw PSTATE register; imageBase is the
// address the test image was mapped at (internal/trapframe.ImageContext).
func NewAArch64Snapshot(regs [31]uint64, pc, faultAddr uint64, pstate uint32, faultingInsn, fpsr, fpcr uint32, vregs [32]Uint128, imageBase uint64) *AArch64Snapshot {
	return &AArch64Snapshot{
		Insn:         faultingInsn,
		Regs:         regs,
		SP:           aarch64SPSentinel,
		PC:           pc - imageBase,
		Flags:        pstate & aarch64FlagsMask,
		FaultAddress: faultAddr,
		FPSR:         fpsr,
		FPCR:         fpcr,
		VRegs:        vregs,
	}
}

// FaultingInsn implements Snapshot.
func (s *AArch64Snapshot) FaultingInsn() (uint32, int) { return s.Insn, 4 }

// Reg0 returns X0.
func (s *AArch64Snapshot) Reg0() uint64 { return s.Regs[0] }

// UnmarshalBinary implements Snapshot.
func (s *AArch64Snapshot) UnmarshalBinary(buf []byte) (Snapshot, error) {
	return UnmarshalAArch64Snapshot(buf)
}

func (s *AArch64Snapshot) MarshalBinary() []byte {
	buf := make([]byte, aarch64WireSize)
	i := 0
	binary.LittleEndian.PutUint32(buf[i:], s.Insn)
	i += 4
	for _, r := range s.Regs {
		binary.LittleEndian.PutUint64(buf[i:], r)
		i += 8
	}
	binary.LittleEndian.PutUint64(buf[i:], s.SP)
	i += 8
	binary.LittleEndian.PutUint64(buf[i:], s.PC)
	i += 8
	binary.LittleEndian.PutUint32(buf[i:], s.Flags)
	i += 4
	binary.LittleEndian.PutUint64(buf[i:], s.FaultAddress)
	i += 8
	binary.LittleEndian.PutUint32(buf[i:], s.FPSR)
	i += 4
	binary.LittleEndian.PutUint32(buf[i:], s.FPCR)
	i += 4
	for _, v := range s.VRegs {
		binary.LittleEndian.PutUint64(buf[i:], v.Lo)
		i += 8
		binary.LittleEndian.PutUint64(buf[i:], v.Hi)
		i += 8
	}
	return buf
}

// UnmarshalAArch64Snapshot decodes a wire payload produced by
// MarshalBinary. It is used on the receiving side of a data-packet
// exchange, where the peer's snapshot arrives only as bytes.
func UnmarshalAArch64Snapshot(buf []byte) (*AArch64Snapshot, error) {
	if len(buf) != aarch64WireSize {
		return nil, fmt.Errorf("snapshot: aarch64 payload is %d bytes, want %d", len(buf), aarch64WireSize)
	}
	s := &AArch64Snapshot{}
	i := 0
	s.Insn = binary.LittleEndian.Uint32(buf[i:])
	i += 4
	for n := range s.Regs {
		s.Regs[n] = binary.LittleEndian.Uint64(buf[i:])
		i += 8
	}
	s.SP = binary.LittleEndian.Uint64(buf[i:])
	i += 8
	s.PC = binary.LittleEndian.Uint64(buf[i:])
	i += 8
	s.Flags = binary.LittleEndian.Uint32(buf[i:])
	i += 4
	s.FaultAddress = binary.LittleEndian.Uint64(buf[i:])
	i += 8
	s.FPSR = binary.LittleEndian.Uint32(buf[i:])
	i += 4
	s.FPCR = binary.LittleEndian.Uint32(buf[i:])
	i += 4
	for n := range s.VRegs {
		s.VRegs[n].Lo = binary.LittleEndian.Uint64(buf[i:])
		i += 8
		s.VRegs[n].Hi = binary.LittleEndian.Uint64(buf[i:])
		i += 8
	}
	return s, nil
}

func (s *AArch64Snapshot) Equal(other Snapshot) bool {
	o, ok := other.(*AArch64Snapshot)
	if !ok {
		return false
	}
	a, b := s.MarshalBinary(), o.MarshalBinary()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *AArch64Snapshot) Dump(w io.Writer) error {
	fmt.Fprintf(w, "  faulting insn %08x\n", s.Insn)
	for i, r := range s.Regs {
		fmt.Fprintf(w, "  X%2d   : %016x\n", i, r)
	}
	fmt.Fprintf(w, "  sp    : %016x\n", s.SP)
	fmt.Fprintf(w, "  pc    : %016x\n", s.PC)
	fmt.Fprintf(w, "  flags : %08x\n", s.Flags)
	fmt.Fprintf(w, "  fault : %016x\n", s.FaultAddress)
	fmt.Fprintf(w, "  fpsr  : %08x\n", s.FPSR)
	fmt.Fprintf(w, "  fpcr  : %08x\n", s.FPCR)
	for i, v := range s.VRegs {
		fmt.Fprintf(w, "  Q%2d   : %016x%016x\n", i, v.Hi, v.Lo)
	}
	return nil
}

func (s *AArch64Snapshot) DumpMismatch(w io.Writer, other Snapshot) error {
	o, ok := other.(*AArch64Snapshot)
	if !ok {
		return fmt.Errorf("snapshot: cannot diff AArch64Snapshot against %T", other)
	}
	fmt.Fprintf(w, "mismatch detail (master : apprentice):\n")
	if s.Insn != o.Insn {
		fmt.Fprintf(w, "  faulting insn mismatch %08x vs %08x\n", s.Insn, o.Insn)
	}
	for i := range s.Regs {
		if s.Regs[i] != o.Regs[i] {
			fmt.Fprintf(w, "  X%2d   : %016x vs %016x\n", i, s.Regs[i], o.Regs[i])
		}
	}
	if s.SP != o.SP {
		fmt.Fprintf(w, "  sp    : %016x vs %016x\n", s.SP, o.SP)
	}
	if s.PC != o.PC {
		fmt.Fprintf(w, "  pc    : %016x vs %016x\n", s.PC, o.PC)
	}
	if s.Flags != o.Flags {
		fmt.Fprintf(w, "  flags : %08x vs %08x\n", s.Flags, o.Flags)
	}
	if s.FaultAddress != o.FaultAddress {
		fmt.Fprintf(w, "  fault : %016x vs %016x\n", s.FaultAddress, o.FaultAddress)
	}
	if s.FPSR != o.FPSR {
		fmt.Fprintf(w, "  fpsr  : %08x vs %08x\n", s.FPSR, o.FPSR)
	}
	if s.FPCR != o.FPCR {
		fmt.Fprintf(w, "  fpcr  : %08x vs %08x\n", s.FPCR, o.FPCR)
	}
	for i := range s.VRegs {
		if s.VRegs[i] != o.VRegs[i] {
			fmt.Fprintf(w, "  Q%2d   : %016x%016x vs %016x%016x\n", i,
				s.VRegs[i].Hi, s.VRegs[i].Lo, o.VRegs[i].Hi, o.VRegs[i].Lo)
		}
	}
	return nil
}
