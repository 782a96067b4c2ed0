package codec

import "github.com/Intelligent-Intern/quicpro-async-sub000/errtax"

// appendVarint writes v as a little-endian base-128 varint.
func appendVarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// readVarint reads a base-128 varint from buf starting at off, and
// returns the value, the new offset, and an error.
func readVarint(buf []byte, off int) (uint64, int, error) {
	var v uint64
	var shift uint
	for {
		if off >= len(buf) {
			return 0, off, errtax.New(errtax.BufferUnderflow, "varint truncated")
		}
		b := buf[off]
		off++
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, off, nil
		}
		shift += 7
		if shift >= 70 {
			return 0, off, errtax.New(errtax.BufferUnderflow, "varint too long")
		}
	}
}

func zigzagEncode32(v int32) uint32 {
	return uint32((v << 1) ^ (v >> 31))
}

func zigzagDecode32(v uint32) int32 {
	return int32((v >> 1) ^ -(v & 1))
}

func zigzagEncode64(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func zigzagDecode64(v uint64) int64 {
	return int64((v >> 1) ^ -(v & 1))
}
