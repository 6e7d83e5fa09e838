// Package session drives one peer's half of a lockstep test run: it holds
// the role, connection, memory-block base, and last-comparison state that
// survive across however many trapped instructions the image generates,
// and produces the final match report once the run terminates.
package session

import (
	"bytes"
	"fmt"
	"io"
	"net"

	"go.risu.dev/risu/internal/engine"
	"go.risu.dev/risu/internal/log"
	"go.risu.dev/risu/internal/memblock"
	"go.risu.dev/risu/internal/opcode"
	"go.risu.dev/risu/internal/snapshot"
	"go.risu.dev/risu/internal/trapframe"
)

// Role identifies which half of the lockstep protocol this peer plays.
type Role int

const (
	// Master drives the reference side: it receives the apprentice's
	// packet, compares, and owns the verdict byte.
	Master Role = iota
	// Apprentice drives the candidate side: it sends its snapshot and
	// waits for the master's verdict.
	Apprentice
)

func (r Role) String() string {
	if r == Master {
		return "master"
	}
	return "apprentice"
}

// Session is the long-lived state one peer's driver carries across the
// whole test run: only the most recent comparison's snapshots and flags
// matter, because the driver stops calling HandleTrap the instant a
// terminal Step comes back, exactly as the original's globals only ever
// held the last reginfo captured before a siglongjmp.
type Session struct {
	Role Role
	Conn net.Conn

	Adapter trapframe.Adapter
	Mem     engine.MemoryAccess
	Res     engine.ResultWriter
	Base    memblock.Base
	Logger  *log.Logger

	master         snapshot.Snapshot
	apprentice     snapshot.Snapshot
	memUsed        bool
	memMismatch    bool
	packetMismatch bool
}

// New builds a Session for one peer. logger may be nil, in which case
// HandleTrap skips per-trap logging (the default NewNop behavior is left to
// the caller rather than duplicated here).
func New(role Role, conn net.Conn, adapter trapframe.Adapter, mem engine.MemoryAccess, res engine.ResultWriter, logger *log.Logger) *Session {
	return &Session{Role: role, Conn: conn, Adapter: adapter, Mem: mem, Res: res, Logger: logger}
}

// HandleTrap processes one trapped instruction: it captures and
// canonicalizes the frame, decodes the op, and runs this peer's half of
// the engine step. The caller (the ptrace-driven loop in cmd/risu or its
// test doubles) is responsible for advancing PC and resuming the
// tracee when the returned Step is a ContinueStep.
func (s *Session) HandleTrap(f trapframe.Frame, ctx trapframe.ImageContext) (engine.Step, error) {
	snap := s.Adapter.Capture(f, ctx)
	op := s.Adapter.DecodeOp(snap)
	if s.Logger != nil {
		word, _ := snap.FaultingInsn()
		s.Logger.Trap(uint64(word), op.String())
	}

	if s.Role == Master {
		result, err := engine.MasterStep(s.Conn, snap, op, &s.Base, s.Mem, s.Res)
		if err != nil {
			return nil, fmt.Errorf("session: master step: %w", err)
		}
		s.master = snap
		s.apprentice = result.Apprentice
		s.packetMismatch = result.PacketMismatch
		if op == opcode.CompareMem {
			s.memUsed = true
			s.memMismatch = result.MemMismatch
		}
		return result.Step, nil
	}

	step, err := engine.ApprenticeStep(s.Conn, snap, op, &s.Base, s.Mem, s.Res)
	if err != nil {
		return nil, fmt.Errorf("session: apprentice step: %w", err)
	}
	return step, nil
}

// Report is the human-readable outcome of a terminated master session.
// Apprentice sessions have nothing to report: their exit status alone
// (0 = clean, 1 = mismatch) is the whole story, per apprentice_sigill.
type Report struct {
	// OK is true only for a clean end-of-test with no mismatch of any
	// kind; it is the inverse of report_match_status's exit code.
	OK    bool
	Lines []string
}

// Write renders the report the way report_match_status writes to stderr,
// one line at a time.
func (rep Report) Write(w io.Writer) error {
	for _, line := range rep.Lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// Report produces the match-status report for a master Session that has
// just terminated. Message wording matches report_match_status exactly so
// tooling built around risu's stderr output keeps working.
func (s *Session) Report() Report {
	lines := []string{"match status..."}

	if s.packetMismatch {
		lines = append(lines, "packet mismatch (probably disagreement about UNDEF on load/store)")
		lines = append(lines, "master reginfo:")
		lines = append(lines, dumpLines(s.master)...)
		return Report{OK: false, Lines: lines}
	}

	regMismatch := s.master != nil && s.apprentice != nil && !s.master.Equal(s.apprentice)
	mismatch := regMismatch
	if regMismatch {
		lines = append(lines, "mismatch on regs!")
	}
	if s.memUsed && s.memMismatch {
		lines = append(lines, "mismatch on memory!")
		mismatch = true
	}
	if !mismatch {
		lines = append(lines, "match!")
		return Report{OK: true, Lines: lines}
	}

	lines = append(lines, "master reginfo:")
	lines = append(lines, dumpLines(s.master)...)
	lines = append(lines, "apprentice reginfo:")
	lines = append(lines, dumpLines(s.apprentice)...)
	if regMismatch {
		lines = append(lines, mismatchLines(s.master, s.apprentice)...)
	}
	return Report{OK: false, Lines: lines}
}

func dumpLines(snap snapshot.Snapshot) []string {
	if snap == nil {
		return nil
	}
	var buf bytes.Buffer
	_ = snap.Dump(&buf)
	return splitLines(buf.String())
}

func mismatchLines(master, apprentice snapshot.Snapshot) []string {
	var buf bytes.Buffer
	_ = master.DumpMismatch(&buf, apprentice)
	return splitLines(buf.String())
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
