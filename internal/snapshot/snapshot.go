// Package snapshot canonicalizes a trapped CPU state into a comparable,
// wire-transmissible value. Each target architecture gets its own type
// (AArch64Snapshot, ARMSnapshot, X86Snapshot); the lockstep engine in
// internal/engine never depends on which one is linked in, only on the
// Snapshot interface below.
package snapshot

import "io"

// Snapshot is a canonicalized register capture for one trapped instruction.
// Canonicalization means: reserved/don't-care fields are zeroed, PC is
// stored as an offset from the image base rather than an absolute address,
// and condition/status registers are masked to the bits that participate
// in comparison. Two snapshots from different peers running the same test
// image are expected to be bytewise identical at the point of a match.
type Snapshot interface {
	// MarshalBinary renders the snapshot as the exact byte sequence sent
	// over the wire as a data packet's payload. The
	// encoding is internal to this module: master and apprentice must
	// be built from the same source, not a
	// stable cross-version wire format.
	MarshalBinary() []byte

	// Equal reports whether two snapshots are bytewise identical. other
	// must be the same concrete type; Equal returns false (never panics)
	// if it isn't, since a type mismatch can only mean master and
	// apprentice were built for different architectures, itself a
	// reportable mismatch rather than a program error.
	Equal(other Snapshot) bool

	// Dump writes a human-readable rendering of every field, in the
	// teacher's "NAME : value" column style, for a standalone or
	// verbose trace.
	Dump(w io.Writer) error

	// DumpMismatch writes a two-column rendering of only the fields
	// that differ from other ("master : apprentice"), matching
	// report_match_status's mismatch-detail format. It returns an error
	// if other is not the same concrete type.
	DumpMismatch(w io.Writer, other Snapshot) error

	// FaultingInsn returns the raw instruction word that trapped, and
	// its size in bytes (4, or 2 for Thumb), so internal/opcode can
	// decode it without the caller needing to know the concrete type.
	FaultingInsn() (word uint32, size int)

	// Reg0 returns the first general-purpose register's value. It is
	// the only register OP_SETMEMBLOCK/OP_GETMEMBLOCK ever touch, so the
	// engine only needs this one generic accessor rather than a full
	// indexed register view (x86 builds never produce those ops and may
	// return 0).
	Reg0() uint64

	// UnmarshalBinary decodes buf into a new Snapshot of the same
	// concrete type as the receiver. It lets internal/engine decode a
	// peer's wire payload without knowing which architecture is linked
	// in: it only ever needs a Snapshot it already has one of.
	UnmarshalBinary(buf []byte) (Snapshot, error)
}
