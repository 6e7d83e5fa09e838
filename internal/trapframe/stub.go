//go:build linux

package trapframe

import (
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// jumpTo is implemented in per-arch assembly (trampoline_*.s). It never
// returns: it branches directly into the mapped image's first instruction.
func jumpTo(addr uintptr)

// RunStub is the entrypoint for the hidden stub child a supervisor execs
// itself into (the `--risu-stub` mode). It
// must be called before any other goroutine starts, from the runtime's
// initial OS thread: ptrace state is per-thread, and the process this
// function turns into never returns to its caller.
func RunStub(imagePath string) error {
	runtime.LockOSThread()

	if err := unix.PtraceTraceme(); err != nil {
		return fmt.Errorf("trapframe: stub ptrace_traceme: %w", err)
	}
	if err := unix.Kill(unix.Getpid(), unix.SIGSTOP); err != nil {
		return fmt.Errorf("trapframe: stub sigstop: %w", err)
	}

	f, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("trapframe: stub open image: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("trapframe: stub stat image: %w", err)
	}

	addr, err := mmapFixed(int(f.Fd()), uintptr(fi.Size()))
	if err != nil {
		return fmt.Errorf("trapframe: stub mmap image: %w", err)
	}

	jumpTo(addr)
	// Unreachable: jumpTo branches into the image and never returns.
	return nil
}

// mmapFixed maps fd PROT_READ|PROT_WRITE|PROT_EXEC, MAP_PRIVATE|MAP_FIXED
// at ImageBase. The unix package's Mmap helper doesn't expose a caller-
// chosen address, so this goes straight to the syscall, the same way
// gVisor's systrap subprocess code reaches past x/sys/unix for anything
// ptrace/mmap doesn't wrap directly.
func mmapFixed(fd int, length uintptr) (uintptr, error) {
	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		ImageBase,
		length,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_FIXED,
		uintptr(fd),
		0,
	)
	if errno != 0 {
		return 0, errno
	}
	if addr != ImageBase {
		return 0, fmt.Errorf("mmap returned %#x, wanted fixed base %#x", addr, uintptr(ImageBase))
	}
	return addr, nil
}
