package cfi

import "encoding/binary"

// decodeULEB128 decodes an unsigned LEB128 value from buf, returning the
// value and the number of bytes consumed. DWARF's ULEB128 uses the same
// wire format as protobuf-style base-128 varints, so this delegates to the
// standard library's Uvarint rather than hand-rolling the bit shifting.
func decodeULEB128(buf []byte) (uint64, int) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, 0
	}
	return v, n
}

// decodeSLEB128 decodes a signed LEB128 value from buf, returning the value
// and the number of bytes consumed. Unlike ULEB128, DWARF's SLEB128 is not
// zig-zag encoded (binary.Varint's format), so it is decoded by hand.
func decodeSLEB128(buf []byte) (int64, int) {
	var result int64
	var shift uint
	var i int
	for i < len(buf) {
		b := buf[i]
		i++
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, i
		}
	}
	return 0, 0
}
