// Package engine drives one trapped instruction's worth of lockstep
// protocol: given the op a marker instruction requested and the
// canonicalized snapshot captured for it, decide what goes over the wire
// (if anything) and what the peer does next.
//
// The driver is written once against Step, MemoryAccess and ResultWriter
// and is architecture-agnostic: internal/trapframe's per-arch adapter
// supplies the Snapshot and the two small side-effecting interfaces: the
// instruction-set differences have already been resolved by the time a
// Step function runs.
package engine

import (
	"fmt"
	"net"

	"go.risu.dev/risu/internal/memblock"
	"go.risu.dev/risu/internal/opcode"
	"go.risu.dev/risu/internal/snapshot"
	"go.risu.dev/risu/internal/wire"
)

// Step is the driver's explicit result for one trapped instruction. It
// replaces the original engine's sigjmp/siglongjmp control flow (the
// signal handler either returns, having advanced PC, or escapes via
// siglongjmp) with values the caller pattern-matches on.
type Step interface {
	isStep()
}

// ContinueStep reports that the image should resume execution: either the
// comparison matched, or the op (SETMEMBLOCK/GETMEMBLOCK) required no
// comparison at all.
type ContinueStep struct{}

func (ContinueStep) isStep() {}

// TerminateStep ends the lockstep loop for this peer. OK is true only for
// a clean end-of-test: an OP_TESTEND marker whose comparison matched.
// Reason is a short, human-readable cause, used by internal/session's
// match report.
type TerminateStep struct {
	OK     bool
	Reason string
}

func (TerminateStep) isStep() {}

// MemoryAccess reads the Len bytes of a peer's registered memory block, for
// OP_COMPAREMEM. Production code backs this with a ptrace memory read at
// the recorded base address inside internal/trapframe; tests can back it
// with a plain in-memory buffer.
type MemoryAccess interface {
	ReadBlock(base uint64) (memblock.Block, error)
}

// ResultWriter writes OP_GETMEMBLOCK's computed pointer back into the
// trapped process's nominated result register (x0/r0).
type ResultWriter interface {
	SetResultReg(v uint64) error
}

// ApprenticeStep implements send_register_info: it either sends a data
// packet and returns the peer's verdict, or performs a purely local
// SETMEMBLOCK/GETMEMBLOCK edit with no wire traffic at all.
func ApprenticeStep(conn net.Conn, snap snapshot.Snapshot, op opcode.Op, base *memblock.Base, mem MemoryAccess, res ResultWriter) (Step, error) {
	switch op {
	case opcode.SetMemBlock:
		base.Set(snap.Reg0())
		return ContinueStep{}, nil

	case opcode.GetMemBlock:
		addr, _ := base.Addr()
		if err := res.SetResultReg(snap.Reg0() + addr); err != nil {
			return nil, fmt.Errorf("engine: apprentice GETMEMBLOCK: %w", err)
		}
		return ContinueStep{}, nil

	case opcode.CompareMem:
		addr, _ := base.Addr()
		block, err := mem.ReadBlock(addr)
		if err != nil {
			return nil, fmt.Errorf("engine: apprentice read memory block: %w", err)
		}
		verdict, err := wire.SendDataPkt(conn, block[:])
		if err != nil {
			return nil, fmt.Errorf("engine: apprentice send memory packet: %w", err)
		}
		return stepFromVerdict(verdict, "memory mismatch"), nil

	default:
		// OP_COMPARE, OP_TESTEND, and a non-marker illegal instruction
		// (opcode.None) all do a plain register compare.
		verdict, err := wire.SendDataPkt(conn, snap.MarshalBinary())
		if err != nil {
			return nil, fmt.Errorf("engine: apprentice send register packet: %w", err)
		}
		return stepFromVerdict(verdict, "register mismatch"), nil
	}
}

func stepFromVerdict(v wire.Verdict, mismatchReason string) Step {
	switch v {
	case wire.VerdictMatch:
		return ContinueStep{}
	case wire.VerdictEndOfTest:
		return TerminateStep{OK: true, Reason: "end of test"}
	default:
		return TerminateStep{OK: false, Reason: mismatchReason}
	}
}

// MasterResult carries everything internal/session needs to produce a
// match report after MasterStep terminates or the image finishes: the Step
// matching the verdict byte sent back to the apprentice, which kind of
// mismatch (if any) occurred, and the apprentice's decoded snapshot.
type MasterResult struct {
	Step           Step
	PacketMismatch bool
	MemMismatch    bool
	Apprentice     snapshot.Snapshot // nil unless a register compare happened
}

// MasterStep implements recv_and_compare_register_info: receive the
// apprentice's packet, compare it against the already-captured master
// snapshot, send the verdict byte, and report what happened. Unlike the
// apprentice side, the master always owns sending the final verdict byte,
// exactly as comms.c's asymmetric recv_data_pkt/send_response_byte pairing
// requires.
func MasterStep(conn net.Conn, master snapshot.Snapshot, op opcode.Op, base *memblock.Base, mem MemoryAccess, res ResultWriter) (MasterResult, error) {
	switch op {
	case opcode.SetMemBlock:
		base.Set(master.Reg0())
		return MasterResult{Step: ContinueStep{}}, nil

	case opcode.GetMemBlock:
		addr, _ := base.Addr()
		if err := res.SetResultReg(master.Reg0() + addr); err != nil {
			return MasterResult{}, fmt.Errorf("engine: master GETMEMBLOCK: %w", err)
		}
		return MasterResult{Step: ContinueStep{}}, nil

	case opcode.CompareMem:
		addr, _ := base.Addr()
		ownBlock, err := mem.ReadBlock(addr)
		if err != nil {
			return MasterResult{}, fmt.Errorf("engine: master read memory block: %w", err)
		}
		var peerBlock memblock.Block
		verdict := wire.VerdictMatch
		if err := wire.RecvDataPkt(conn, peerBlock[:]); err != nil {
			verdict = wire.VerdictMismatch
			if err := wire.SendResponseByte(conn, verdict); err != nil {
				return MasterResult{}, fmt.Errorf("engine: master send verdict: %w", err)
			}
			return MasterResult{Step: TerminateStep{OK: false, Reason: "packet mismatch"}, PacketMismatch: true}, nil
		}
		memMismatch := ownBlock != peerBlock
		if memMismatch {
			verdict = wire.VerdictMismatch
		}
		if err := wire.SendResponseByte(conn, verdict); err != nil {
			return MasterResult{}, fmt.Errorf("engine: master send verdict: %w", err)
		}
		return MasterResult{
			Step:        terminateIfMismatch(memMismatch, "mismatch on memory!"),
			MemMismatch: memMismatch,
		}, nil

	default:
		payload := make([]byte, len(master.MarshalBinary()))
		if err := wire.RecvDataPkt(conn, payload); err != nil {
			if sendErr := wire.SendResponseByte(conn, wire.VerdictMismatch); sendErr != nil {
				return MasterResult{}, fmt.Errorf("engine: master send verdict: %w", sendErr)
			}
			return MasterResult{Step: TerminateStep{OK: false, Reason: "packet mismatch"}, PacketMismatch: true}, nil
		}

		apprenticeSnap, err := master.UnmarshalBinary(payload)
		if err != nil {
			return MasterResult{}, fmt.Errorf("engine: master decode apprentice snapshot: %w", err)
		}

		regMismatch := !master.Equal(apprenticeSnap)
		verdict := wire.VerdictMatch
		switch {
		case regMismatch:
			verdict = wire.VerdictMismatch
		case op == opcode.TestEnd:
			verdict = wire.VerdictEndOfTest
		}
		if err := wire.SendResponseByte(conn, verdict); err != nil {
			return MasterResult{}, fmt.Errorf("engine: master send verdict: %w", err)
		}

		step := terminateIfMismatch(regMismatch, "mismatch on regs!")
		if !regMismatch && op == opcode.TestEnd {
			step = TerminateStep{OK: true, Reason: "end of test"}
		}
		return MasterResult{Step: step, Apprentice: apprenticeSnap}, nil
	}
}

func terminateIfMismatch(mismatch bool, reason string) Step {
	if mismatch {
		return TerminateStep{OK: false, Reason: reason}
	}
	return ContinueStep{}
}
