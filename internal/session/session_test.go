package session

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.risu.dev/risu/internal/engine"
	"go.risu.dev/risu/internal/memblock"
	"go.risu.dev/risu/internal/opcode"
	"go.risu.dev/risu/internal/snapshot"
	"go.risu.dev/risu/internal/trapframe"
)

// fakeFrame satisfies trapframe.Frame by embedding it: the interface's
// isFrame method is unexported, so only the embedded value can supply it.
type fakeFrame struct{ trapframe.Frame }

type fakeAdapter struct {
	insn uint32
	x0   uint64
}

func (a fakeAdapter) Arch() string { return "fake" }

func (a fakeAdapter) Capture(f trapframe.Frame, ctx trapframe.ImageContext) snapshot.Snapshot {
	var regs [31]uint64
	regs[0] = a.x0
	var vregs [32]snapshot.Uint128
	return snapshot.NewAArch64Snapshot(regs, 0x1000, 0, 0, a.insn, 0, 0, vregs, ctx.Base)
}

func (a fakeAdapter) DecodeOp(s snapshot.Snapshot) opcode.Op {
	word, _ := s.FaultingInsn()
	return opcode.Decode(opcode.AArch64, word, 4)
}

func (a fakeAdapter) AdvancePC(f trapframe.Frame)            {}
func (a fakeAdapter) SetResultReg(f trapframe.Frame, v uint64) {}

type noMem struct{}

func (noMem) ReadBlock(base uint64) (memblock.Block, error) {
	var b memblock.Block
	return b, nil
}

type noResult struct{}

func (noResult) SetResultReg(v uint64) error { return nil }

func TestSession_MatchReport_CleanMatch(t *testing.T) {
	masterConn, apprenticeConn := net.Pipe()
	defer masterConn.Close()
	defer apprenticeConn.Close()

	insn := opcode.KeyAArch64 | uint32(opcode.TestEnd)
	master := New(Master, masterConn, fakeAdapter{insn: insn, x0: 5}, noMem{}, noResult{}, nil)
	apprentice := New(Apprentice, apprenticeConn, fakeAdapter{insn: insn, x0: 5}, noMem{}, noResult{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := apprentice.HandleTrap(fakeFrame{}, trapframe.ImageContext{})
		done <- err
	}()

	step, err := master.HandleTrap(fakeFrame{}, trapframe.ImageContext{})
	require.NoError(t, err)
	require.NoError(t, <-done)

	term, ok := step.(engine.TerminateStep)
	require.True(t, ok)
	assert.True(t, term.OK)

	report := master.Report()
	assert.True(t, report.OK)
	assert.Contains(t, report.Lines, "match!")
}

func TestSession_MatchReport_RegisterMismatch(t *testing.T) {
	masterConn, apprenticeConn := net.Pipe()
	defer masterConn.Close()
	defer apprenticeConn.Close()

	insn := opcode.KeyAArch64 | uint32(opcode.Compare)
	master := New(Master, masterConn, fakeAdapter{insn: insn, x0: 1}, noMem{}, noResult{}, nil)
	apprentice := New(Apprentice, apprenticeConn, fakeAdapter{insn: insn, x0: 2}, noMem{}, noResult{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := apprentice.HandleTrap(fakeFrame{}, trapframe.ImageContext{})
		done <- err
	}()

	_, err := master.HandleTrap(fakeFrame{}, trapframe.ImageContext{})
	require.NoError(t, err)
	require.NoError(t, <-done)

	report := master.Report()
	assert.False(t, report.OK)
	assert.Contains(t, report.Lines, "mismatch on regs!")
	assert.Contains(t, report.Lines, "master reginfo:")
	assert.Contains(t, report.Lines, "apprentice reginfo:")
}

func TestSession_MatchReport_PacketMismatch(t *testing.T) {
	masterConn, apprenticeConn := net.Pipe()
	defer masterConn.Close()
	defer apprenticeConn.Close()

	insn := opcode.KeyAArch64 | uint32(opcode.Compare)
	master := New(Master, masterConn, fakeAdapter{insn: insn}, noMem{}, noResult{}, nil)

	done := make(chan error, 1)
	go func() {
		if _, err := apprenticeConn.Write([]byte{0, 0, 0, 1, 0xff}); err != nil {
			done <- err
			return
		}
		var resp [1]byte
		_, err := apprenticeConn.Read(resp[:])
		done <- err
	}()

	_, err := master.HandleTrap(fakeFrame{}, trapframe.ImageContext{})
	require.NoError(t, err)
	require.NoError(t, <-done)

	report := master.Report()
	assert.False(t, report.OK)
	assert.Contains(t, report.Lines, "packet mismatch (probably disagreement about UNDEF on load/store)")
}
