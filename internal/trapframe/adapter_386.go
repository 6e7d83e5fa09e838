//go:build linux && 386

package trapframe

import (
	"fmt"

	"golang.org/x/sys/unix"

	"go.risu.dev/risu/internal/opcode"
	"go.risu.dev/risu/internal/snapshot"
)

func init() {
	register(x86Adapter{})
}

type x86Frame struct {
	regs   unix.PtraceRegs
	insn   uint32
	tracee *Tracee
}

func (*x86Frame) isFrame() {}

// CaptureFrame reads GPRs via PTRACE_GETREGS and the two bytes at EIP,
// which is all a trapped UD2 ever needs (risu_i386.c never decodes an
// operand nibble the way AArch64/ARM markers do).
func CaptureFrame(t *Tracee, _ ImageContext) (Frame, error) {
	f := &x86Frame{tracee: t}
	if err := unix.PtraceGetRegs(t.Pid, &f.regs); err != nil {
		return nil, fmt.Errorf("trapframe: get x86 gprs: %w", err)
	}
	word, err := t.PeekHalf(uintptr(f.regs.Eip))
	if err != nil {
		return nil, fmt.Errorf("trapframe: peek x86 insn: %w", err)
	}
	f.insn = uint32(word)
	return f, nil
}

type x86Adapter struct{}

func (x86Adapter) Arch() string { return "i386" }

func (x86Adapter) Capture(fr Frame, ctx ImageContext) snapshot.Snapshot {
	f := fr.(*x86Frame)
	var gregs [19]uint32
	gregs[snapshot.X86RegGS] = f.regs.Gs
	gregs[snapshot.X86RegFS] = f.regs.Fs
	gregs[snapshot.X86RegES] = f.regs.Es
	gregs[snapshot.X86RegDS] = f.regs.Ds
	gregs[snapshot.X86RegEDI] = f.regs.Edi
	gregs[snapshot.X86RegESI] = f.regs.Esi
	gregs[snapshot.X86RegEBP] = f.regs.Ebp
	gregs[snapshot.X86RegESP] = f.regs.Esp
	gregs[snapshot.X86RegEBX] = f.regs.Ebx
	gregs[snapshot.X86RegEDX] = f.regs.Edx
	gregs[snapshot.X86RegECX] = f.regs.Ecx
	gregs[snapshot.X86RegEAX] = f.regs.Eax
	gregs[snapshot.X86RegTRAPNO] = 0
	gregs[snapshot.X86RegERR] = 0
	gregs[snapshot.X86RegEIP] = f.regs.Eip
	gregs[snapshot.X86RegCS] = f.regs.Cs
	gregs[snapshot.X86RegEFL] = f.regs.Eflags
	gregs[snapshot.X86RegUESP] = f.regs.Esp
	gregs[snapshot.X86RegSS] = f.regs.Ss

	return snapshot.NewX86Snapshot(gregs, f.insn, uint32(ctx.Base))
}

func (x86Adapter) DecodeOp(s snapshot.Snapshot) opcode.Op {
	word, _ := s.FaultingInsn()
	return opcode.DecodeX86(word)
}

// AdvancePC steps over the 2-byte UD2 opcode, matching risu_i386.c's
// advance_pc.
func (x86Adapter) AdvancePC(fr Frame) {
	f := fr.(*x86Frame)
	f.regs.Eip += 2
	_ = unix.PtraceSetRegs(f.tracee.Pid, &f.regs)
}

// SetResultReg is unreachable: x86 never emits OP_SETMEMBLOCK/
// OP_GETMEMBLOCK (see snapshot.X86Snapshot.Reg0).
func (x86Adapter) SetResultReg(fr Frame, v uint64) {
	f := fr.(*x86Frame)
	f.regs.Eax = uint32(v)
	_ = unix.PtraceSetRegs(f.tracee.Pid, &f.regs)
}
