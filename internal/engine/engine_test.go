package engine

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.risu.dev/risu/internal/memblock"
	"go.risu.dev/risu/internal/opcode"
	"go.risu.dev/risu/internal/snapshot"
)

type noMemAccess struct{}

func (noMemAccess) ReadBlock(base uint64) (memblock.Block, error) {
	var b memblock.Block
	return b, nil
}

type noResultWriter struct{ got uint64 }

func (w *noResultWriter) SetResultReg(v uint64) error {
	w.got = v
	return nil
}

func aarch64(insn uint32, x0 uint64) snapshot.Snapshot {
	var regs [31]uint64
	regs[0] = x0
	var vregs [32]snapshot.Uint128
	return snapshot.NewAArch64Snapshot(regs, 0x1000, 0, 0, insn, 0, 0, vregs, 0)
}

func runLockstep(t *testing.T, masterSnap, apprenticeSnap snapshot.Snapshot, op opcode.Op) (Step, MasterResult) {
	t.Helper()
	masterConn, apprenticeConn := net.Pipe()
	defer masterConn.Close()
	defer apprenticeConn.Close()

	masterBase := &memblock.Base{}
	apprenticeBase := &memblock.Base{}

	var aStep Step
	var aErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		aStep, aErr = ApprenticeStep(apprenticeConn, apprenticeSnap, op, apprenticeBase, noMemAccess{}, &noResultWriter{})
	}()

	mResult, mErr := MasterStep(masterConn, masterSnap, op, masterBase, noMemAccess{}, &noResultWriter{})
	require.NoError(t, mErr)
	<-done
	require.NoError(t, aErr)

	return aStep, mResult
}

// Matching snapshots on OP_COMPARE keep the lockstep alive on both peers:
// both sides must see ContinueStep, and the loop never wedges waiting on a
// byte the other side never sends.
func TestLockstep_MatchingComparesContinueOnBothPeers(t *testing.T) {
	master := aarch64(opcode.KeyAArch64|uint32(opcode.Compare), 42)
	apprentice := aarch64(opcode.KeyAArch64|uint32(opcode.Compare), 42)

	aStep, mResult := runLockstep(t, master, apprentice, opcode.Compare)

	assert.IsType(t, ContinueStep{}, aStep)
	assert.IsType(t, ContinueStep{}, mResult.Step)
	assert.False(t, mResult.PacketMismatch)
}

// A register mismatch must terminate both peers: the apprentice exits on
// its own send verdict, the master on recv-and-compare, with neither
// blocked on further I/O the other side will never perform.
func TestLockstep_RegisterMismatchTerminatesBothPeers(t *testing.T) {
	master := aarch64(opcode.KeyAArch64|uint32(opcode.Compare), 42)
	apprentice := aarch64(opcode.KeyAArch64|uint32(opcode.Compare), 99)

	aStep, mResult := runLockstep(t, master, apprentice, opcode.Compare)

	aTerm, ok := aStep.(TerminateStep)
	require.True(t, ok)
	assert.False(t, aTerm.OK)

	mTerm, ok := mResult.Step.(TerminateStep)
	require.True(t, ok)
	assert.False(t, mTerm.OK)
	assert.Equal(t, "mismatch on regs!", mTerm.Reason)
}

// OP_TESTEND on a match is the only path that terminates cleanly (OK=true)
// on both sides.
func TestLockstep_TestEndMatchTerminatesCleanly(t *testing.T) {
	master := aarch64(opcode.KeyAArch64|uint32(opcode.TestEnd), 7)
	apprentice := aarch64(opcode.KeyAArch64|uint32(opcode.TestEnd), 7)

	aStep, mResult := runLockstep(t, master, apprentice, opcode.TestEnd)

	aTerm, ok := aStep.(TerminateStep)
	require.True(t, ok)
	assert.True(t, aTerm.OK)

	mTerm, ok := mResult.Step.(TerminateStep)
	require.True(t, ok)
	assert.True(t, mTerm.OK)
}

// SETMEMBLOCK/GETMEMBLOCK never touch the wire: running one on only the
// master side, with no corresponding apprentice traffic in flight, must
// not block.
func TestSetGetMemBlock_NeverExchangesOverWire(t *testing.T) {
	master := aarch64(opcode.KeyAArch64|uint32(opcode.SetMemBlock), 0x4000)
	base := &memblock.Base{}
	_, conn := net.Pipe() // the engine must never read/write conn for this op
	defer conn.Close()

	result, err := MasterStep(conn, master, opcode.SetMemBlock, base, noMemAccess{}, &noResultWriter{})
	require.NoError(t, err)
	assert.IsType(t, ContinueStep{}, result.Step)

	addr, set := base.Addr()
	assert.True(t, set)
	assert.Equal(t, uint64(0x4000), addr)

	get := aarch64(opcode.KeyAArch64|uint32(opcode.GetMemBlock), 0x10)
	w := &noResultWriter{}
	result, err = MasterStep(conn, get, opcode.GetMemBlock, base, noMemAccess{}, w)
	require.NoError(t, err)
	assert.IsType(t, ContinueStep{}, result.Step)
	assert.Equal(t, uint64(0x4010), w.got)
}

// A declared-length mismatch on the register packet must surface as a
// reportable packet mismatch, not a panic or an indefinite hang; framing
// robustness.
func TestLockstep_FramingMismatchIsReportedNotFatal(t *testing.T) {
	masterConn, apprenticeConn := net.Pipe()
	defer masterConn.Close()
	defer apprenticeConn.Close()

	master := aarch64(opcode.KeyAArch64|uint32(opcode.Compare), 1)

	done := make(chan error, 1)
	go func() {
		// Apprentice disagrees about the frame size entirely.
		if _, err := apprenticeConn.Write([]byte{0, 0, 0, 4, 1, 2, 3, 4}); err != nil {
			done <- err
			return
		}
		var resp [1]byte
		_, err := apprenticeConn.Read(resp[:])
		done <- err
	}()

	result, err := MasterStep(masterConn, master, opcode.Compare, &memblock.Base{}, noMemAccess{}, &noResultWriter{})
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.True(t, result.PacketMismatch)
	term, ok := result.Step.(TerminateStep)
	require.True(t, ok)
	assert.False(t, term.OK)
	assert.Equal(t, "packet mismatch", term.Reason)
}
