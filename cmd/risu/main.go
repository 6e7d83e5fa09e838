// Command risu drives one half (master or apprentice) of a lockstep
// differential instruction test against a test image built for one target
// architecture.
package main

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"go.risu.dev/risu/internal/config"
	"go.risu.dev/risu/internal/diag"
	"go.risu.dev/risu/internal/engine"
	"go.risu.dev/risu/internal/log"
	"go.risu.dev/risu/internal/memblock"
	"go.risu.dev/risu/internal/session"
	"go.risu.dev/risu/internal/trapframe"
)

// stubFlag is the hidden re-exec mode a supervisor launches itself into:
// It is checked before cobra ever parses argv, because
// this process never returns from RunStub and must still be on the Go
// runtime's initial OS thread when it calls ptrace/mmap.
const stubFlag = "--risu-stub"

func main() {
	if len(os.Args) >= 3 && os.Args[1] == stubFlag {
		if err := trapframe.RunStub(os.Args[2]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return // unreachable: RunStub's jumpTo never returns
	}

	rootCmd := &cobra.Command{
		Use:   "risu <image-file>",
		Short: "Differential CPU instruction testing between a master and an apprentice",
		Long: `risu runs the same marker-instruction test image in two processes, a
reference "master" and a candidate "apprentice", trapping on each marker
instruction, exchanging canonicalized register snapshots over TCP, and
reporting the first place the two disagree.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Parse(cmd, args, cfgFile)
			if err != nil {
				return err
			}
			log.Init(cfg.Verbose)
			code, err := run(cfg)
			if err != nil {
				log.L.Error("run failed", zap.Error(err))
				os.Exit(1)
			}
			os.Exit(code)
			return nil
		},
	}
	config.RegisterFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// run spawns this peer's traced stub child, establishes the TCP connection
// to (or from) the other peer, and drives the lockstep loop until the image
// terminates. The returned int is the process exit code: 0 on a clean
// end-of-test match, 1 on any mismatch or I/O fault.
func run(cfg *config.Config) (int, error) {
	sessionID := log.NewSessionID()
	role := session.Apprentice
	if cfg.Master {
		role = session.Master
	}
	logger := log.L.WithSession(sessionID).WithRole(role.String())

	conn, err := dial(cfg, role)
	if err != nil {
		return 1, fmt.Errorf("risu: establish connection: %w", err)
	}
	defer conn.Close()

	stub := exec.Command(os.Args[0], stubFlag, cfg.ImagePath)
	stub.Stdout, stub.Stderr = os.Stdout, os.Stderr
	if err := stub.Start(); err != nil {
		return 1, fmt.Errorf("risu: start stub child: %w", err)
	}

	tracee, err := trapframe.Attach(stub.Process.Pid)
	if err != nil {
		return 1, fmt.Errorf("risu: attach to stub child: %w", err)
	}
	if err := tracee.Cont(); err != nil {
		return 1, fmt.Errorf("risu: resume stub child past initial stop: %w", err)
	}

	adapter, err := trapframe.Current()
	if err != nil {
		return 1, fmt.Errorf("risu: %w", err)
	}
	logger.Info("ready", zap.String("arch", adapter.Arch()), zap.String("image", cfg.ImagePath))

	ctx := trapframe.ImageContext{Base: trapframe.ImageBase, TestFPExc: cfg.TestFPExc}
	res := &resultWriter{adapter: adapter}
	mem := &tracedMemory{tracee: tracee}
	sess := session.New(role, conn, adapter, mem, res, logger)

	for {
		trapped, exitCode, err := tracee.WaitTrap()
		if err != nil {
			return 1, fmt.Errorf("risu: wait for trap: %w", err)
		}
		if !trapped {
			logger.Info("image exited without a terminal marker", zap.Int("code", exitCode))
			if exitCode == 0 {
				return 0, nil
			}
			return 1, nil
		}

		frame, err := trapframe.CaptureFrame(tracee, ctx)
		if err != nil {
			return 1, fmt.Errorf("risu: capture trap frame: %w", err)
		}
		res.frame = frame

		step, err := sess.HandleTrap(frame, ctx)
		if err != nil {
			return 1, fmt.Errorf("risu: handle trap: %w", err)
		}

		switch st := step.(type) {
		case engine.ContinueStep:
			adapter.AdvancePC(frame)
			if err := tracee.Cont(); err != nil {
				return 1, fmt.Errorf("risu: resume tracee: %w", err)
			}
		case engine.TerminateStep:
			logger.Verdict(0, verdictString(st.OK), st.Reason)
			if role == session.Master {
				report := sess.Report()
				if !st.OK {
					logger.Mismatch(0, st.Reason)
				}
				if cfg.Verbose {
					fmt.Fprint(os.Stderr, diag.Render(report.Lines))
				} else {
					_ = report.Write(os.Stderr)
				}
			}
			if st.OK {
				return 0, nil
			}
			return 1, nil
		}
	}
}

func verdictString(ok bool) string {
	if ok {
		return "match"
	}
	return "mismatch"
}

// dial establishes the session's single TCP connection: the master
// listens and accepts exactly one peer; the apprentice connects to it,
// retrying the dial up to 20 times at 100ms intervals while the master
// comes up. Once connected, a dropped connection is never re-established.
func dial(cfg *config.Config, role session.Role) (net.Conn, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port)))
	if role == session.Master {
		ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(int(cfg.Port))))
		if err != nil {
			return nil, fmt.Errorf("listen on %d: %w", cfg.Port, err)
		}
		defer ln.Close()
		return ln.Accept()
	}

	var lastErr error
	for attempt := 0; attempt < 20; attempt++ {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("dial %s: %w", addr, lastErr)
}

// tracedMemory satisfies engine.MemoryAccess by reading the tracee's own
// address space, for OP_COMPAREMEM.
type tracedMemory struct {
	tracee *trapframe.Tracee
}

func (m *tracedMemory) ReadBlock(base uint64) (memblock.Block, error) {
	var blk memblock.Block
	if err := m.tracee.PeekBlock(uintptr(base), blk[:]); err != nil {
		return blk, err
	}
	return blk, nil
}

// resultWriter satisfies engine.ResultWriter by writing OP_GETMEMBLOCK's
// computed pointer into the current trap frame's result register. frame is
// updated by the driver loop before each HandleTrap call.
type resultWriter struct {
	adapter trapframe.Adapter
	frame   trapframe.Frame
}

func (r *resultWriter) SetResultReg(v uint64) error {
	r.adapter.SetResultReg(r.frame, v)
	return nil
}
