package vm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueRoundTrip(t *testing.T) {
	cases := []Value{
		Null(),
		Bool(true),
		Bool(false),
		Int32(0),
		Int32(-1),
		Int32(math.MaxInt32),
		Int32(math.MinInt32),
		Ptr(1),
		Ptr(1 << 40),
		Float64(0),
		Float64(-0.0),
		Float64(3.5),
		Float64(math.Inf(1)),
		Float64(math.Inf(-1)),
	}
	for _, v := range cases {
		got := FromBits(v.Bits())
		assert.Equal(t, v, got, "round trip through Bits/FromBits")
	}
}

func TestValueKinds(t *testing.T) {
	require.Equal(t, KindNull, Null().Kind())
	require.Equal(t, KindBool, Bool(true).Kind())
	require.Equal(t, KindInt32, Int32(42).Kind())
	require.Equal(t, KindPtr, Ptr(7).Kind())
	require.Equal(t, KindFloat64, Float64(1.25).Kind())
}

func TestFloat64CanonicalizesCollidingNaN(t *testing.T) {
	// A bit pattern that happens to satisfy the boxed-value mask but
	// isn't one of our tags should come back out as some float64 NaN,
	// not be misread as a boxed Ptr/Bool/Int32.
	collidingBits := boxedMask | (uint64(tagPtr) << tagShift) | 123
	v := Float64(math.Float64frombits(collidingBits))
	assert.Equal(t, KindFloat64, v.Kind())
	assert.True(t, math.IsNaN(v.AsFloat64()))
}

func TestAccessors(t *testing.T) {
	assert.Equal(t, int32(-7), Int32(-7).AsInt32())
	assert.Equal(t, uint64(99), Ptr(99).AsPtr())
	assert.True(t, Bool(true).AsBool())
	assert.False(t, Bool(false).AsBool())
	assert.InDelta(t, 2.5, Float64(2.5).AsFloat64(), 0)
}

func TestIdentityEqual(t *testing.T) {
	assert.True(t, IdentityEqual(Int32(5), Int32(5)))
	assert.False(t, IdentityEqual(Int32(5), Int32(6)))
	assert.False(t, IdentityEqual(Ptr(1), Ptr(2)))
	assert.True(t, IdentityEqual(Ptr(1), Ptr(1)))
}

func TestCompareOrdered(t *testing.T) {
	assert.Equal(t, -1, compareOrdered(int32(1), int32(2)))
	assert.Equal(t, 1, compareOrdered(int32(2), int32(1)))
	assert.Equal(t, 0, compareOrdered(float32(1.5), float32(1.5)))
}
