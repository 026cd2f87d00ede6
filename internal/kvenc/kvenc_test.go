package kvenc

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeIntOrder(t *testing.T) {
	pairs := [][2]int64{{-5, 5}, {-1, 0}, {0, 1}, {100, math.MaxInt32}}
	for _, p := range pairs {
		a, b := EncodeInt(p[0], 0), EncodeInt(p[1], 0)
		require.True(t, bytes.Compare(a[:], b[:]) < 0, "%d should encode before %d", p[0], p[1])
	}
}

func TestEncodeIntEqualValueOrderedByOffset(t *testing.T) {
	a := EncodeInt(42, 1)
	b := EncodeInt(42, 2)
	require.True(t, bytes.Compare(a[:], b[:]) < 0)
}

func TestEncodeIntRoundTrip(t *testing.T) {
	key := EncodeInt(-12345, 99)
	v, off := DecodeInt(key)
	require.Equal(t, int64(-12345), v)
	require.Equal(t, uint32(99), off)
}

func TestEncodeFloatOrder(t *testing.T) {
	values := []float64{-100.5, -1.0, -0.001, 0, 0.001, 1.0, 100.5}
	for i := 0; i < len(values)-1; i++ {
		a := EncodeFloat(values[i], 0)
		b := EncodeFloat(values[i+1], 0)
		require.True(t, bytes.Compare(a[:], b[:]) < 0, "%v should encode before %v", values[i], values[i+1])
	}
}

func TestEncodeFloatEqualValueOrderedByOffset(t *testing.T) {
	a := EncodeFloat(2.6, 1)
	b := EncodeFloat(2.6, 2)
	require.True(t, bytes.Compare(a[:], b[:]) < 0)
}

func TestEncodeFloatRoundTrip(t *testing.T) {
	for _, v := range []float64{-3.14, 0, 2.71828} {
		key := EncodeFloat(v, 7)
		got, off := DecodeFloat(key)
		require.Equal(t, v, got)
		require.Equal(t, uint32(7), off)
	}
}

func TestMapKeyRoundTrip(t *testing.T) {
	key := EncodeMapKey("blue/green", 3)
	value, offset, err := DecodeMapKey(key)
	require.NoError(t, err)
	require.Equal(t, "blue/green", value)
	require.Equal(t, uint32(3), offset)
}

func TestMapKeyDecodeErrors(t *testing.T) {
	_, _, err := DecodeMapKey("novalueseparator")
	require.Error(t, err)

	_, _, err = DecodeMapKey("value/")
	require.Error(t, err)

	_, _, err = DecodeMapKey("value/notanumber")
	require.Error(t, err)
}
