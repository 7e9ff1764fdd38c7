package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocationDescriptorPacking(t *testing.T) {
	d := NewLocationDescriptor(0xDEADBEEF, true, false, 0x03F0_0000)
	assert.Equal(t, uint32(0xDEADBEEF), d.PC())
	assert.True(t, d.TFlag())
	assert.False(t, d.EFlag())
	assert.False(t, d.SingleStepping())
	assert.Equal(t, uint32(0x03F0_0000), d.FPCR())

	// only the control bits of FPCR survive the round trip
	d = NewLocationDescriptor(0, false, true, 0xFFFF_FFFF)
	assert.Equal(t, uint32(0x07F7_0000), d.FPCR())
	assert.True(t, d.EFlag())
}

func TestLocationDescriptorOrdering(t *testing.T) {
	// same PC under different mode bits must be distinct keys
	arm := NewLocationDescriptor(0x100, false, false, 0)
	thumb := NewLocationDescriptor(0x100, true, false, 0)
	bigEndian := NewLocationDescriptor(0x100, false, true, 0)
	require.NotEqual(t, arm.Value(), thumb.Value())
	require.NotEqual(t, arm.Value(), bigEndian.Value())
	require.NotEqual(t, thumb.Value(), bigEndian.Value())
}

func TestSetPCKeepsModeBits(t *testing.T) {
	d := NewLocationDescriptor(0x100, true, true, 0x0010_0000)
	d2 := d.SetPC(0x2000)
	assert.Equal(t, uint32(0x2000), d2.PC())
	assert.Equal(t, d.UpperHalf(), d2.UpperHalf())
}

func TestAdvancePCWraps(t *testing.T) {
	d := NewLocationDescriptor(0xFFFFFFFC, false, false, 0)
	assert.Equal(t, uint32(0), d.AdvancePC(4).PC())
	assert.Equal(t, uint32(0xFFFFFFF8), d.AdvancePC(-4).PC())
}

func TestSetSingleStepping(t *testing.T) {
	d := NewLocationDescriptor(0x100, false, false, 0)
	stepped := d.SetSingleStepping(true)
	assert.True(t, stepped.SingleStepping())
	assert.False(t, d.SingleStepping(), "receiver must be unchanged")
	assert.Equal(t, d, stepped.SetSingleStepping(false))
	// the step bit lives in the upper half handed to generated code
	assert.NotEqual(t, d.UpperHalf(), stepped.UpperHalf())
}

func TestLocationDescriptorString(t *testing.T) {
	d := NewLocationDescriptor(0x1234, true, false, 0)
	assert.Equal(t, "{00001234,T,!E,00000000}", d.String())
	assert.Equal(t, "{00001234,T,!E,00000000,step}", d.SetSingleStepping(true).String())
}

func TestCondPassed(t *testing.T) {
	const (
		n = uint32(1) << 31
		z = uint32(1) << 30
		c = uint32(1) << 29
		v = uint32(1) << 28
	)
	cases := []struct {
		cond Cond
		nzcv uint32
		want bool
	}{
		{CondEQ, z, true},
		{CondEQ, 0, false},
		{CondNE, 0, true},
		{CondCS, c, true},
		{CondCC, c, false},
		{CondMI, n, true},
		{CondPL, n, false},
		{CondVS, v, true},
		{CondVC, v, false},
		{CondHI, c, true},
		{CondHI, c | z, false},
		{CondLS, c | z, true},
		{CondLS, c, false},
		{CondGE, n | v, true},
		{CondGE, n, false},
		{CondLT, n, true},
		{CondLT, n | v, false},
		{CondGT, 0, true},
		{CondGT, z, false},
		{CondLE, z, true},
		{CondLE, 0, false},
		{CondAL, 0, true},
		{CondNV, 0, true},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, tc.cond.Passed(tc.nzcv), "%s with nzcv %#x", tc.cond, tc.nzcv)
	}
}
