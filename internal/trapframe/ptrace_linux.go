//go:build linux

package trapframe

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Tracee is a ptrace-traced stub child running a test image. It is the
// concrete, OS-level thing a per-arch Adapter's Frame wraps a snapshot of.
type Tracee struct {
	Pid int
}

// Attach waits for the just-forked stub child's initial SIGSTOP (raised
// right after its own PTRACE_TRACEME call), synchronizing the supervisor
// with the traced process before any image code runs.
func Attach(pid int) (*Tracee, error) {
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return nil, fmt.Errorf("trapframe: wait4 for initial stop: %w", err)
	}
	if !ws.Stopped() {
		return nil, fmt.Errorf("trapframe: stub child did not stop as expected (status %v)", ws)
	}
	return &Tracee{Pid: pid}, nil
}

// WaitTrap blocks until the tracee next stops, which (because it is
// ptrace-traced) happens *before* ordinary SIGILL delivery whenever the
// marker instruction trips an illegal-instruction trap. It
// returns trapped=false if the tracee exited instead of trapping.
func (t *Tracee) WaitTrap() (trapped bool, exitCode int, err error) {
	var ws unix.WaitStatus
	if _, err := unix.Wait4(t.Pid, &ws, 0, nil); err != nil {
		return false, 0, fmt.Errorf("trapframe: wait4: %w", err)
	}
	if ws.Exited() {
		return false, ws.ExitStatus(), nil
	}
	if ws.Signaled() {
		return false, 128 + int(ws.Signal()), nil
	}
	if !ws.Stopped() {
		return false, 0, fmt.Errorf("trapframe: unexpected wait status %v", ws)
	}
	return true, 0, nil
}

// Cont resumes the tracee with no signal injected: the marker trap is
// consumed entirely by the supervisor, never re-delivered to the tracee.
func (t *Tracee) Cont() error {
	if err := unix.PtraceCont(t.Pid, 0); err != nil {
		return fmt.Errorf("trapframe: ptrace cont: %w", err)
	}
	return nil
}

// PeekWord reads one 32-bit word from the tracee's address space, for the
// faulting instruction fetch (PTRACE_PEEKTEXT).
func (t *Tracee) PeekWord(addr uintptr) (uint32, error) {
	var buf [4]byte
	n, err := unix.PtracePeekText(t.Pid, addr, buf[:])
	if err != nil {
		return 0, fmt.Errorf("trapframe: ptrace peektext: %w", err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("trapframe: short peektext read (%d bytes)", n)
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

// PeekHalf reads one 16-bit halfword, for Thumb marker decode.
func (t *Tracee) PeekHalf(addr uintptr) (uint16, error) {
	var buf [2]byte
	n, err := unix.PtracePeekText(t.Pid, addr, buf[:])
	if err != nil {
		return 0, fmt.Errorf("trapframe: ptrace peektext: %w", err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("trapframe: short peektext read (%d bytes)", n)
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// FaultAddr reads siginfo_t.si_addr for the tracee's current stop, via
// PTRACE_GETSIGINFO. x/sys/unix has no typed wrapper for this request, so
// this goes straight to the raw ptrace syscall; si_addr sits at the same
// 16-byte offset on every 64-bit Linux arch (three ints plus padding, then
// the sigfault union's leading pointer field).
func (t *Tracee) FaultAddr() (uint64, error) {
	var raw [128]byte
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETSIGINFO,
		uintptr(t.Pid), 0, uintptr(unsafe.Pointer(&raw[0])), 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("trapframe: ptrace getsiginfo: %w", errno)
	}
	return binary.LittleEndian.Uint64(raw[16:]), nil
}

// PeekBlock reads a run of bytes, for OP_COMPAREMEM's memory-block read.
func (t *Tracee) PeekBlock(addr uintptr, buf []byte) error {
	n, err := unix.PtracePeekText(t.Pid, addr, buf)
	if err != nil {
		return fmt.Errorf("trapframe: ptrace peektext: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("trapframe: short peektext read (%d of %d bytes)", n, len(buf))
	}
	return nil
}
