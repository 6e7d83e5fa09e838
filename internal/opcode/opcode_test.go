package opcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestDecodeAArch64_KeyMatch(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		op := rapid.IntRange(0, 0xf).Draw(t, "op")
		insn := KeyAArch64 | uint32(op)

		got := Decode(AArch64, insn, 4)

		assert.Equal(t, Op(op), got)
	})
}

func TestDecodeAArch64_NonKey(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		insn := rapid.Uint32().Draw(t, "insn")
		if insn&^uint32(opMask) == KeyAArch64 {
			t.Skip("drew a real marker word")
		}

		assert.Equal(t, None, Decode(AArch64, insn, 4))
	})
}

func TestDecodeARM_KeyMatch(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		op := rapid.IntRange(0, 0xf).Draw(t, "op")
		insn := KeyARM | uint32(op)

		assert.Equal(t, Op(op), Decode(ARMMode, insn, 4))
	})
}

func TestDecodeThumb_KeyMatch(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		op := rapid.IntRange(0, 0xf).Draw(t, "op")
		insn := KeyThumb | uint32(op)

		assert.Equal(t, Op(op), Decode(Thumb, insn, 2))
	})
}

func TestDecodeX86_UD2IsTestEnd(t *testing.T) {
	assert.Equal(t, TestEnd, DecodeX86(0x0b0f))
}

func TestDecodeX86_OtherIllegalInsnIsCompare(t *testing.T) {
	assert.Equal(t, Compare, DecodeX86(0xb90f)) // UD1
	assert.Equal(t, Compare, DecodeX86(0x12345678))
}

func TestNoneExchangesAsCompare(t *testing.T) {
	assert.True(t, None.Exchanges())
	assert.Equal(t, Compare.Exchanges(), None.Exchanges())
}

func TestExchangesTable(t *testing.T) {
	assert.True(t, Compare.Exchanges())
	assert.True(t, TestEnd.Exchanges())
	assert.True(t, CompareMem.Exchanges())
	assert.False(t, SetMemBlock.Exchanges())
	assert.False(t, GetMemBlock.Exchanges())
}
