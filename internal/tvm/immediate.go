package tvm

import "encoding/binary"

// signedImmLen returns the minimum byte count that exactly represents the
// sign-extended value v (spec.md §4.4): 0 bytes for 0, 1 for -128..=127,
// 2 for -32768..=32767, 3 for -2^23..=2^23-1, 4 otherwise.
func signedImmLen(v int64) int {
	switch {
	case v == 0:
		return 0
	case v >= -128 && v <= 127:
		return 1
	case v >= -32768 && v <= 32767:
		return 2
	case v >= -(1<<23) && v <= (1<<23)-1:
		return 3
	default:
		return 4
	}
}

// encodeSignedImm writes the low n bytes of v, little-endian.
func encodeSignedImm(v int64, n int) []byte {
	out := make([]byte, n)
	u := uint64(v)
	for i := 0; i < n; i++ {
		out[i] = byte(u)
		u >>= 8
	}
	return out
}

// decodeSignedImm applies spec.md §4.4's sign-extension rule: fill bytes
// beyond the n given with 0xFF if bit 7 of the last byte is set, else
// 0x00, then interpret little-endian as an int32-range value widened to
// int64.
func decodeSignedImm(b []byte) int64 {
	var buf [8]byte
	fill := byte(0x00)
	if len(b) > 0 && b[len(b)-1]&0x80 != 0 {
		fill = 0xFF
	}
	for i := range buf {
		buf[i] = fill
	}
	copy(buf[:], b)
	return int64(int64(binary.LittleEndian.Uint64(buf[:])))
}

// unsignedImmLen returns the minimum byte count needed to represent v by
// magnitude (no sign extension).
func unsignedImmLen(v uint64) int {
	n := 0
	for v > 0 {
		n++
		v >>= 8
	}
	return n
}

func encodeUnsignedImm(v uint64, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

func decodeUnsignedImm(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// le4 encodes a signed offset as a fixed 4-byte little-endian field
// (spec.md's "off_le4"), used by every envelope carrying a branch/jump
// offset so fixup patching (spec.md §4.3.10) can blindly overwrite 4
// bytes at a known position without re-negotiating length.
func le4(v int32) [4]byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return b
}

func decodeLE4(b []byte) int32 {
	return int32(binary.LittleEndian.Uint32(b))
}
