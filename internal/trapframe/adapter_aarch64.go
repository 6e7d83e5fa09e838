//go:build linux && arm64

package trapframe

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"go.risu.dev/risu/internal/opcode"
	"go.risu.dev/risu/internal/snapshot"
)

// NT_PRSTATUS/NT_PRFPREG are the regset types PTRACE_GETREGSET/SETREGSET
// select, per the kernel's <linux/elf.h>. x/sys/unix only wraps
// NT_PRSTATUS directly (as PtraceGetRegSetArm64); NT_PRFPREG has no
// wrapper, so this adapter goes straight to PTRACE_GETREGSET for it, the
// same way the generated helpers do internally.
const (
	ntPRSTATUS = 1
	ntPRFPREG  = 2
)

// userFPSIMDState mirrors struct user_fpsimd_state from
// <asm/ptrace.h> (arm64): 32 128-bit V registers, then FPSR, then FPCR.
type userFPSIMDState struct {
	VRegs [32][2]uint64 // [i][0]=lo, [i][1]=hi
	FPSR  uint32
	FPCR  uint32
	_     [2]uint32 // kernel pads the struct to a multiple of 8 bytes
}

func init() {
	register(aarch64Adapter{})
}

// aarch64Frame is a live AArch64 trap frame: the GPR/PSTATE set, the
// FP/SIMD set, and the faulting address, all read once per trap.
type aarch64Frame struct {
	gprs      unix.PtraceRegsArm64
	fpsimd    userFPSIMDState
	faultAddr uint64
	tracee    *Tracee
}

func (*aarch64Frame) isFrame() {}

// CaptureFrame reads the full GPR/FP/SIMD register set and the faulting
// address (via siginfo_t.si_addr, PTRACE_GETSIGINFO) for a stopped tracee.
func CaptureFrame(t *Tracee, _ ImageContext) (Frame, error) {
	f := &aarch64Frame{tracee: t}
	if err := unix.PtraceGetRegSetArm64(t.Pid, ntPRSTATUS, &f.gprs); err != nil {
		return nil, fmt.Errorf("trapframe: get aarch64 gprs: %w", err)
	}
	if err := ptraceGetRegSet(t.Pid, ntPRFPREG, unsafe.Pointer(&f.fpsimd), unsafe.Sizeof(f.fpsimd)); err != nil {
		return nil, fmt.Errorf("trapframe: get aarch64 fpsimd: %w", err)
	}
	if addr, err := t.FaultAddr(); err == nil {
		f.faultAddr = addr
	}
	return f, nil
}

type aarch64Adapter struct{}

func (aarch64Adapter) Arch() string { return "aarch64" }

func (aarch64Adapter) Capture(fr Frame, ctx ImageContext) snapshot.Snapshot {
	f := fr.(*aarch64Frame)

	insn, err := f.tracee.PeekWord(uintptr(f.gprs.Pc))
	if err != nil {
		insn = 0
	}

	var regs [31]uint64
	copy(regs[:], f.gprs.Regs[:])

	var vregs [32]snapshot.Uint128
	for i, v := range f.fpsimd.VRegs {
		vregs[i] = snapshot.Uint128{Lo: v[0], Hi: v[1]}
	}

	return snapshot.NewAArch64Snapshot(
		regs, f.gprs.Pc, f.faultAddr, uint32(f.gprs.Pstate),
		insn, f.fpsimd.FPSR, f.fpsimd.FPCR, vregs, ctx.Base,
	)
}

func (aarch64Adapter) DecodeOp(s snapshot.Snapshot) opcode.Op {
	word, _ := s.FaultingInsn()
	return opcode.Decode(opcode.AArch64, word, 4)
}

func (aarch64Adapter) AdvancePC(fr Frame) {
	f := fr.(*aarch64Frame)
	f.gprs.Pc += 4
	_ = unix.PtraceSetRegSetArm64(f.tracee.Pid, ntPRSTATUS, &f.gprs)
}

func (aarch64Adapter) SetResultReg(fr Frame, v uint64) {
	f := fr.(*aarch64Frame)
	f.gprs.Regs[0] = v
	_ = unix.PtraceSetRegSetArm64(f.tracee.Pid, ntPRSTATUS, &f.gprs)
}

// ptraceGetRegSet is the manual PTRACE_GETREGSET call for regset types
// x/sys/unix doesn't provide a typed wrapper for.
func ptraceGetRegSet(pid int, nt int, data unsafe.Pointer, size uintptr) error {
	iov := unix.Iovec{Base: (*byte)(data), Len: uint64(size)}
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETREGSET,
		uintptr(pid), uintptr(nt), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
