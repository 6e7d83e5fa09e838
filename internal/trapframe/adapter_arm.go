//go:build linux && arm

package trapframe

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"go.risu.dev/risu/internal/opcode"
	"go.risu.dev/risu/internal/snapshot"
)

// armUregs indices into PtraceRegsArm.Uregs, matching <asm/ptrace.h>'s
// struct pt_regs layout for ARM (r0..r15, then cpsr at 16, orig_r0 at 17).
const (
	armUregR0   = 0
	armUregPC   = 15
	armUregCPSR = 16
)

func init() {
	register(armAdapter{})
}

type armFrame struct {
	gprs      unix.PtraceRegsArm
	vfpRegs   [32]uint64
	vfpSCR    uint32
	insn      uint32
	insnSize  uint32
	testFPExc bool
	tracee    *Tracee
}

func (*armFrame) isFrame() {}

// CaptureFrame reads GPRs via PTRACE_GETREGS and VFP state from the
// NT_ARM_VFP regset (32 D registers followed by FPSCR, with no TLV
// header; the FPSCR handling mirrors risu_reginfo_arm.c's reginfo_init_vfp)
// and decodes whether the trapped instruction was ARM- or Thumb-mode from
// CPSR's Thumb bit (bit 5).
func CaptureFrame(t *Tracee, ctx ImageContext) (Frame, error) {
	testFPExc := ctx.TestFPExc
	f := &armFrame{tracee: t, testFPExc: testFPExc}
	if err := unix.PtraceGetRegsArm(t.Pid, &f.gprs); err != nil {
		return nil, fmt.Errorf("trapframe: get arm gprs: %w", err)
	}

	thumb := f.gprs.Uregs[armUregCPSR]&(1<<5) != 0
	pc := uintptr(f.gprs.Uregs[armUregPC])
	if thumb {
		lo, err := t.PeekHalf(pc)
		if err != nil {
			return nil, fmt.Errorf("trapframe: peek thumb halfword: %w", err)
		}
		switch lo & 0xf800 {
		case 0xe800, 0xf000, 0xf800:
			// 32-bit Thumb2 instruction: the second halfword holds the
			// high 16 bits, and the combined word decodes against the
			// ARM-mode key, not the 16-bit Thumb key.
			hi, err := t.PeekHalf(pc + 2)
			if err != nil {
				return nil, fmt.Errorf("trapframe: peek thumb2 halfword: %w", err)
			}
			f.insn, f.insnSize = uint32(lo)|uint32(hi)<<16, 4
		default:
			f.insn, f.insnSize = uint32(lo), 2
		}
	} else {
		word, err := t.PeekWord(pc)
		if err != nil {
			return nil, fmt.Errorf("trapframe: peek arm word: %w", err)
		}
		f.insn, f.insnSize = word, 4
	}

	const ntARMVFP = 0x400
	var raw [8 + 32*8 + 4 + 4]byte // 32 regs, fpscr, then spare bytes past the regset
	if err := ptraceGetRegSetGeneric(t.Pid, ntARMVFP, unsafe.Pointer(&raw[0]), uintptr(len(raw))); err == nil {
		for i := 0; i < 32; i++ {
			f.vfpRegs[i] = binary.LittleEndian.Uint64(raw[i*8:])
		}
		f.vfpSCR = binary.LittleEndian.Uint32(raw[32*8:])

		// Clear the cumulative FP-exception bits in the *live* tracee the
		// same way reginfo_init_vfp does, so the next trap doesn't compare
		// against bits this test already saturated.
		if !testFPExc {
			cleared := f.vfpSCR &^ snapshot.ClearedFPSCRExcBits()
			binary.LittleEndian.PutUint32(raw[32*8:], cleared)
			_ = ptraceSetRegSetGeneric(t.Pid, ntARMVFP, unsafe.Pointer(&raw[0]), uintptr(len(raw)))
		}
	}
	return f, nil
}

type armAdapter struct{}

func (armAdapter) Arch() string { return "arm" }

func (armAdapter) Capture(fr Frame, ctx ImageContext) snapshot.Snapshot {
	f := fr.(*armFrame)

	var gpreg [16]uint32
	for i := 0; i < 13; i++ {
		gpreg[i] = f.gprs.Uregs[i]
	}
	gpreg[14] = f.gprs.Uregs[14]

	return snapshot.NewARMSnapshot(
		gpreg, f.gprs.Uregs[armUregPC], f.gprs.Uregs[armUregCPSR],
		f.insn, f.insnSize, f.vfpRegs, f.vfpSCR, f.testFPExc, uint32(ctx.Base),
	)
}

func (armAdapter) DecodeOp(s snapshot.Snapshot) opcode.Op {
	word, size := s.FaultingInsn()
	if size == 2 {
		return opcode.Decode(opcode.Thumb, word, 2)
	}
	return opcode.Decode(opcode.ARMMode, word, 4)
}

func (armAdapter) AdvancePC(fr Frame) {
	f := fr.(*armFrame)
	f.gprs.Uregs[armUregPC] += uint32(f.insnSize)
	_ = unix.PtraceSetRegsArm(f.tracee.Pid, &f.gprs)
}

func (armAdapter) SetResultReg(fr Frame, v uint64) {
	f := fr.(*armFrame)
	f.gprs.Uregs[armUregR0] = uint32(v)
	_ = unix.PtraceSetRegsArm(f.tracee.Pid, &f.gprs)
}

func ptraceGetRegSetGeneric(pid int, nt int, data unsafe.Pointer, size uintptr) error {
	iov := unix.Iovec{Base: (*byte)(data), Len: uint64(size)}
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETREGSET,
		uintptr(pid), uintptr(nt), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func ptraceSetRegSetGeneric(pid int, nt int, data unsafe.Pointer, size uintptr) error {
	iov := unix.Iovec{Base: (*byte)(data), Len: uint64(size)}
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SETREGSET,
		uintptr(pid), uintptr(nt), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
