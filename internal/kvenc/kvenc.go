// Package kvenc implements the order-preserving byte encodings of spec.md
// §4.4/§4.5/§6: numeric (value, offset) keys for the numeric index, and the
// "{value}/{offset}" string keys for the map index.
package kvenc

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/arborix/segmentdb/internal/segtypes"
)

// IntKeyLen is the width of an encoded integer key: 8 bytes of sign-flipped
// big-endian value plus 4 bytes of big-endian offset (spec.md §6).
const IntKeyLen = 12

// EncodeInt encodes an integer value and offset so that
// EncodeInt(a, _) < EncodeInt(b, _) iff a < b, and for equal values the
// offset orders the keys (spec.md §4.5, §6).
func EncodeInt(v int64, offset uint32) [IntKeyLen]byte {
	var out [IntKeyLen]byte
	u := uint64(v) ^ (uint64(1) << 63) // flip sign bit: orders signed ints as unsigned
	binary.BigEndian.PutUint64(out[0:8], u)
	binary.BigEndian.PutUint32(out[8:12], offset)
	return out
}

// DecodeInt reverses EncodeInt.
func DecodeInt(key [IntKeyLen]byte) (int64, uint32) {
	u := binary.BigEndian.Uint64(key[0:8])
	v := int64(u ^ (uint64(1) << 63))
	offset := binary.BigEndian.Uint32(key[8:12])
	return v, offset
}

// EncodeFloat encodes an IEEE-754 float64 value and offset. If the value is
// negative, all bits of the pattern are flipped; otherwise only the sign
// bit is flipped. Both transforms make the unsigned big-endian byte order
// of the result match float ordering (spec.md §4.5, §6).
func EncodeFloat(v float64, offset uint32) [IntKeyLen]byte {
	var out [IntKeyLen]byte
	bits := math.Float64bits(v)
	bits = natSafeFlip(bits)
	binary.BigEndian.PutUint64(out[0:8], bits)
	binary.BigEndian.PutUint32(out[8:12], offset)
	return out
}

// DecodeFloat reverses EncodeFloat.
func DecodeFloat(key [IntKeyLen]byte) (float64, uint32) {
	bits := binary.BigEndian.Uint64(key[0:8])
	bits = natSafeFlipInverse(bits)
	v := math.Float64frombits(bits)
	offset := binary.BigEndian.Uint32(key[8:12])
	return v, offset
}

// natSafeFlip is the "nan_safe" transform of spec.md §6: flips all bits if
// the original sign bit was 1 (negative), else flips only the sign bit.
func natSafeFlip(bits uint64) uint64 {
	if bits&(uint64(1)<<63) != 0 {
		return ^bits
	}
	return bits | (uint64(1) << 63)
}

// natSafeFlipInverse undoes natSafeFlip. Since the forward transform is its
// own inverse on both branches (bit-flip-all is self-inverse; flipping the
// sign bit back is the same flip), decoding uses the same rule, branching
// on the *encoded* sign bit instead.
func natSafeFlipInverse(bits uint64) uint64 {
	if bits&(uint64(1)<<63) == 0 {
		return ^bits
	}
	return bits &^ (uint64(1) << 63)
}

// EncodeMapKey builds the map-index db record key: "{value}/{offset}",
// with the separator being whatever was used at call time (always '/');
// the decoder locates the *last* '/' to allow values containing '/'
// (spec.md §4.4).
func EncodeMapKey(value string, offset uint32) string {
	return fmt.Sprintf("%s/%d", value, offset)
}

// DecodeMapKey reverses EncodeMapKey, failing on a trailing separator or a
// malformed offset (spec.md §4.4).
func DecodeMapKey(key string) (string, uint32, error) {
	sep := strings.LastIndexByte(key, '/')
	if sep < 0 {
		return "", 0, segtypes.NewServiceError("map index key parsing error: no separator in %q", key)
	}
	if sep == len(key)-1 {
		return "", 0, segtypes.NewServiceError("map index key parsing error: trailing separator in %q", key)
	}
	value := key[:sep]
	offset, err := strconv.ParseUint(key[sep+1:], 10, 32)
	if err != nil {
		return "", 0, segtypes.WrapServiceError(err, "map index key parsing error: bad offset in %q", key)
	}
	return value, uint32(offset), nil
}
