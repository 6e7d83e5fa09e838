package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func genARMSnapshot(t *rapid.T) *ARMSnapshot {
	var gpreg [16]uint32
	for i := range gpreg {
		gpreg[i] = rapid.Uint32().Draw(t, "gpr")
	}
	var fpregs [32]uint64
	for i := range fpregs {
		fpregs[i] = rapid.Uint64().Draw(t, "fpr")
	}
	insnSize := uint32(4)
	if rapid.Bool().Draw(t, "thumb") {
		insnSize = 2
	}
	return NewARMSnapshot(
		gpreg,
		rapid.Uint32().Draw(t, "pc"),
		rapid.Uint32().Draw(t, "cpsr"),
		rapid.Uint32().Draw(t, "insn"),
		insnSize,
		fpregs,
		rapid.Uint32().Draw(t, "fpscr"),
		rapid.Bool().Draw(t, "testFPExc"),
		0,
	)
}

func TestARMSnapshot_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := genARMSnapshot(t)
		got, err := UnmarshalARMSnapshot(s.MarshalBinary())
		require.NoError(t, err)
		assert.True(t, s.Equal(got))
	})
}

func TestARMSnapshot_SPAndPCUseGPRegSlots(t *testing.T) {
	var gpreg [16]uint32
	var fpregs [32]uint64
	s := NewARMSnapshot(gpreg, 0x00101000, 0, 0, 4, fpregs, 0, true, 0x00100000)
	assert.Equal(t, uint32(armSPSentinel), s.GPReg[armSPIndex])
	assert.Equal(t, uint32(0x1000), s.GPReg[armPCIndex])
}

func TestARMSnapshot_FPSCRExcBitsStrippedUnlessTestFPExc(t *testing.T) {
	var gpreg [16]uint32
	var fpregs [32]uint64
	withExc := NewARMSnapshot(gpreg, 0, 0, 0, 4, fpregs, 0xffffffff, true, 0)
	withoutExc := NewARMSnapshot(gpreg, 0, 0, 0, 4, fpregs, 0xffffffff, false, 0)

	assert.Equal(t, uint32(0xffff9f9f), withExc.FPSCR)
	assert.Equal(t, uint32(0xffff9f9f&^0x9f), withoutExc.FPSCR)
}

func TestARMSnapshot_CPSRMaskedToNZCVQGE(t *testing.T) {
	var gpreg [16]uint32
	var fpregs [32]uint64
	s := NewARMSnapshot(gpreg, 0, 0xffffffff, 0, 4, fpregs, 0, true, 0)
	assert.Equal(t, uint32(armCPSRMask), s.CPSR)
}

func TestARMSnapshot_FaultingInsnSizeDistinguishesThumb(t *testing.T) {
	var gpreg [16]uint32
	var fpregs [32]uint64
	thumb := NewARMSnapshot(gpreg, 0, 0, 0xdee1, 2, fpregs, 0, true, 0)
	word, size := thumb.FaultingInsn()
	assert.Equal(t, uint32(0xdee1), word)
	assert.Equal(t, 2, size)
}
