package snapshot

import (
	"encoding/binary"
	"fmt"
	"io"
)

// armSPIndex/armPCIndex are the GP register slots holding SP and PC. ARM
// has no dedicated SP/PC fields in reginfo; they live inside GPReg like any
// other register, per risu_reginfo_arm.h.
const (
	armSPIndex = 13
	armPCIndex = 15
)

// armSPSentinel replaces the live SP the same way aarch64SPSentinel does.
const armSPSentinel = 0xdeadbeef

// armCPSRMask keeps NZCVQ and GE[3:0], the only condition bits treated as
// architectural; everything else is mode/interrupt bookkeeping real
// implementations (e.g. valgrind, per the original comment) disagree on
// filling in.
const armCPSRMask = 0xF80F0000

// armFPSCRMask keeps the rounding/vector-length fields and the cumulative
// exception flags; armFPSCRExcBits is the cumulative-exception sub-mask
// that only participates in comparison under --test-fp-exc.
const (
	armFPSCRMask    = 0xffff9f9f
	armFPSCRExcBits = 0x9f
)

// ARMSnapshot is the canonicalized register state for one trapped
// instruction on an ARM target, covering both ARM- and Thumb-mode capture
// (they differ only in faulting_insn_size). Field order follows
// risu_reginfo_arm.h.
type ARMSnapshot struct {
	FPRegs   [32]uint64
	Insn     uint32
	InsnSize uint32
	GPReg    [16]uint32
	CPSR     uint32
	FPSCR    uint32
}

const armWireSize = 32*8 + 4 + 4 + 16*4 + 4 + 4

// NewARMSnapshot canonicalizes a live ARM/Thumb register capture. gpreg
// holds r0-r12,r14 at their natural indices; sp/pc are supplied separately
// and written into gpreg[13]/gpreg[15] with the sentinel/offset rules.
// fpscr is the raw FPSCR value before masking; testFPExc selects whether
// the cumulative exception bits participate in comparison.
func NewARMSnapshot(gpreg [16]uint32, pc uint32, cpsr uint32, insn, insnSize uint32, fpregs [32]uint64, fpscr uint32, testFPExc bool, imageBase uint32) *ARMSnapshot {
	gpreg[armSPIndex] = armSPSentinel
	gpreg[armPCIndex] = pc - imageBase

	masked := fpscr & armFPSCRMask
	if !testFPExc {
		masked &^= armFPSCRExcBits
	}

	return &ARMSnapshot{
		FPRegs:   fpregs,
		Insn:     insn,
		InsnSize: insnSize,
		GPReg:    gpreg,
		CPSR:     cpsr & armCPSRMask,
		FPSCR:    masked,
	}
}

// ClearedFPSCRExcBits reports the cumulative-exception bits that must be
// cleared in the *live* trap frame after capture, mirroring
// reginfo_init_vfp's `(*rs) &= ~0x9f` on the tracee's own FPSCR so the test
// doesn't saturate those bits on the first exception and become useless.
// internal/trapframe's ARM adapter calls this.
func ClearedFPSCRExcBits() uint32 { return armFPSCRExcBits }

// Reg0 returns r0.
func (s *ARMSnapshot) Reg0() uint64 { return uint64(s.GPReg[0]) }

// UnmarshalBinary implements Snapshot.
func (s *ARMSnapshot) UnmarshalBinary(buf []byte) (Snapshot, error) {
	return UnmarshalARMSnapshot(buf)
}

func (s *ARMSnapshot) FaultingInsn() (uint32, int) {
	if s.InsnSize == 2 {
		return s.Insn, 2
	}
	return s.Insn, 4
}

func (s *ARMSnapshot) MarshalBinary() []byte {
	buf := make([]byte, armWireSize)
	i := 0
	for _, r := range s.FPRegs {
		binary.LittleEndian.PutUint64(buf[i:], r)
		i += 8
	}
	binary.LittleEndian.PutUint32(buf[i:], s.Insn)
	i += 4
	binary.LittleEndian.PutUint32(buf[i:], s.InsnSize)
	i += 4
	for _, r := range s.GPReg {
		binary.LittleEndian.PutUint32(buf[i:], r)
		i += 4
	}
	binary.LittleEndian.PutUint32(buf[i:], s.CPSR)
	i += 4
	binary.LittleEndian.PutUint32(buf[i:], s.FPSCR)
	i += 4
	return buf
}

// UnmarshalARMSnapshot decodes a wire payload produced by MarshalBinary.
func UnmarshalARMSnapshot(buf []byte) (*ARMSnapshot, error) {
	if len(buf) != armWireSize {
		return nil, fmt.Errorf("snapshot: arm payload is %d bytes, want %d", len(buf), armWireSize)
	}
	s := &ARMSnapshot{}
	i := 0
	for n := range s.FPRegs {
		s.FPRegs[n] = binary.LittleEndian.Uint64(buf[i:])
		i += 8
	}
	s.Insn = binary.LittleEndian.Uint32(buf[i:])
	i += 4
	s.InsnSize = binary.LittleEndian.Uint32(buf[i:])
	i += 4
	for n := range s.GPReg {
		s.GPReg[n] = binary.LittleEndian.Uint32(buf[i:])
		i += 4
	}
	s.CPSR = binary.LittleEndian.Uint32(buf[i:])
	i += 4
	s.FPSCR = binary.LittleEndian.Uint32(buf[i:])
	i += 4
	return s, nil
}

func (s *ARMSnapshot) Equal(other Snapshot) bool {
	o, ok := other.(*ARMSnapshot)
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

func (s *ARMSnapshot) Dump(w io.Writer) error {
	if s.InsnSize == 2 {
		fmt.Fprintf(w, "  faulting insn %04x\n", s.Insn)
	} else {
		fmt.Fprintf(w, "  faulting insn %08x\n", s.Insn)
	}
	for i, r := range s.GPReg {
		fmt.Fprintf(w, "  r%d: %08x\n", i, r)
	}
	fmt.Fprintf(w, "  cpsr: %08x\n", s.CPSR)
	for i, r := range s.FPRegs {
		fmt.Fprintf(w, "  d%d: %016x\n", i, r)
	}
	fmt.Fprintf(w, "  fpscr: %08x\n", s.FPSCR)
	return nil
}

func (s *ARMSnapshot) DumpMismatch(w io.Writer, other Snapshot) error {
	o, ok := other.(*ARMSnapshot)
	if !ok {
		return fmt.Errorf("snapshot: cannot diff ARMSnapshot against %T", other)
	}
	fmt.Fprintf(w, "mismatch detail (master : apprentice):\n")
	switch {
	case s.InsnSize != o.InsnSize:
		fmt.Fprintf(w, "  faulting insn size mismatch %d vs %d\n", s.InsnSize, o.InsnSize)
	case s.Insn != o.Insn:
		if s.InsnSize == 2 {
			fmt.Fprintf(w, "  faulting insn mismatch %04x vs %04x\n", s.Insn, o.Insn)
		} else {
			fmt.Fprintf(w, "  faulting insn mismatch %08x vs %08x\n", s.Insn, o.Insn)
		}
	}
	for i := range s.GPReg {
		if s.GPReg[i] != o.GPReg[i] {
			fmt.Fprintf(w, "  r%d: %08x vs %08x\n", i, s.GPReg[i], o.GPReg[i])
		}
	}
	if s.CPSR != o.CPSR {
		fmt.Fprintf(w, "  cpsr: %08x vs %08x\n", s.CPSR, o.CPSR)
	}
	for i := range s.FPRegs {
		if s.FPRegs[i] != o.FPRegs[i] {
			fmt.Fprintf(w, "  d%d: %016x vs %016x\n", i, s.FPRegs[i], o.FPRegs[i])
		}
	}
	if s.FPSCR != o.FPSCR {
		fmt.Fprintf(w, "  fpscr: %08x vs %08x\n", s.FPSCR, o.FPSCR)
	}
	return nil
}
