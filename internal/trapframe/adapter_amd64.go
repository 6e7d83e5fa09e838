//go:build linux && amd64

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

// CaptureFrame reads GPRs via PTRACE_GETREGS and the two bytes at RIP.
// RISU's x86 wire format is the 32-bit gregset_t inherited from the i386
// reference; running the 64-bit ABI narrows each GPR into that shape
// rather than widening the protocol, so two amd64 peers still compare
// the low 32 bits of each register.
func CaptureFrame(t *Tracee, _ ImageContext) (Frame, error) {
	f := &x86Frame{tracee: t}
	if err := unix.PtraceGetRegs(t.Pid, &f.regs); err != nil {
		return nil, fmt.Errorf("trapframe: get x86 gprs: %w", err)
	}
	word, err := t.PeekHalf(uintptr(f.regs.Rip))
	if err != nil {
		return nil, fmt.Errorf("trapframe: peek x86 insn: %w", err)
	}
	f.insn = uint32(word)
	return f, nil
}

type x86Adapter struct{}

func (x86Adapter) Arch() string { return "x86_64" }

func (x86Adapter) Capture(fr Frame, ctx ImageContext) snapshot.Snapshot {
	f := fr.(*x86Frame)
	var gregs [19]uint32
	gregs[snapshot.X86RegGS] = uint32(f.regs.Gs)
	gregs[snapshot.X86RegFS] = uint32(f.regs.Fs)
	gregs[snapshot.X86RegES] = uint32(f.regs.Es)
	gregs[snapshot.X86RegDS] = uint32(f.regs.Ds)
	gregs[snapshot.X86RegEDI] = uint32(f.regs.Rdi)
	gregs[snapshot.X86RegESI] = uint32(f.regs.Rsi)
	gregs[snapshot.X86RegEBP] = uint32(f.regs.Rbp)
	gregs[snapshot.X86RegESP] = uint32(f.regs.Rsp)
	gregs[snapshot.X86RegEBX] = uint32(f.regs.Rbx)
	gregs[snapshot.X86RegEDX] = uint32(f.regs.Rdx)
	gregs[snapshot.X86RegECX] = uint32(f.regs.Rcx)
	gregs[snapshot.X86RegEAX] = uint32(f.regs.Rax)
	gregs[snapshot.X86RegTRAPNO] = 0
	gregs[snapshot.X86RegERR] = 0
	gregs[snapshot.X86RegEIP] = uint32(f.regs.Rip)
	gregs[snapshot.X86RegCS] = uint32(f.regs.Cs)
	gregs[snapshot.X86RegEFL] = uint32(f.regs.Eflags)
	gregs[snapshot.X86RegUESP] = uint32(f.regs.Rsp)
	gregs[snapshot.X86RegSS] = uint32(f.regs.Ss)

	return snapshot.NewX86Snapshot(gregs, f.insn, uint32(ctx.Base))
}

func (x86Adapter) DecodeOp(s snapshot.Snapshot) opcode.Op {
	word, _ := s.FaultingInsn()
	return opcode.DecodeX86(word)
}

func (x86Adapter) AdvancePC(fr Frame) {
	f := fr.(*x86Frame)
	f.regs.Rip += 2
	_ = unix.PtraceSetRegs(f.tracee.Pid, &f.regs)
}

func (x86Adapter) SetResultReg(fr Frame, v uint64) {
	f := fr.(*x86Frame)
	f.regs.Rax = v
	_ = unix.PtraceSetRegs(f.tracee.Pid, &f.regs)
}
