package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func genX86Snapshot(t *rapid.T) *X86Snapshot {
	var gregs [x86NGReg]uint32
	for i := range gregs {
		gregs[i] = rapid.Uint32().Draw(t, "greg")
	}
	return NewX86Snapshot(gregs, rapid.Uint32().Draw(t, "insn"), 0)
}

func TestX86Snapshot_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := genX86Snapshot(t)
		got, err := UnmarshalX86Snapshot(s.MarshalBinary())
		require.NoError(t, err)
		assert.True(t, s.Equal(got))
	})
}

func TestX86Snapshot_IgnoredRegistersBecomeSentinel(t *testing.T) {
	var gregs [x86NGReg]uint32
	for i := range gregs {
		gregs[i] = 0x11111111
	}
	s := NewX86Snapshot(gregs, 0, 0)

	for reg := range x86Ignored {
		assert.Equal(t, uint32(x86IgnoredSentinel), s.GRegs[reg])
	}
	assert.Equal(t, uint32(0x11111111), s.GRegs[X86RegEAX])
}

func TestX86Snapshot_EIPIsOffsetFromImageBase(t *testing.T) {
	var gregs [x86NGReg]uint32
	gregs[X86RegEIP] = 0x401010
	s := NewX86Snapshot(gregs, 0, 0x400000)
	assert.Equal(t, uint32(0x1010), s.GRegs[X86RegEIP])
}

func TestIsUD2(t *testing.T) {
	assert.True(t, IsUD2(0x0b0f))
	assert.False(t, IsUD2(0x12340b0e))
}
