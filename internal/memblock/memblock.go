// Package memblock holds the fixed-size shared buffer used by COMPAREMEM
// tests and the base pointer the image registers for it via SETMEMBLOCK.
package memblock

// Len is the size of the shared memory block, in bytes. It is a build-time
// constant shared by both peers and by the image that generated the test.
const Len = 8192

// Block is a fixed-size buffer owned by convention by the test image. The
// core never allocates or resizes it; it only reads it for comparison.
type Block [Len]byte

// Base tracks the memory block's base address as reported by the image.
// It is set exactly once per test by an OP_SETMEMBLOCK marker and read
// thereafter by OP_GETMEMBLOCK and OP_COMPAREMEM.
type Base struct {
	addr uint64
	set  bool
}

// Set records the base address. Safe to call from the handler-safe engine
// step; it performs no allocation.
func (b *Base) Set(addr uint64) {
	b.addr = addr
	b.set = true
}

// Addr returns the recorded base address and whether one has been set yet.
func (b *Base) Addr() (uint64, bool) {
	return b.addr, b.set
}
