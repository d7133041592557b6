package buffer

// Packed longs are variable-length signed integers. The first byte is read
// as an int8:
//
//	-119 .. 120   the value itself
//	 121 .. 127   positive, 1..7 extra bytes hold v-121 (little endian)
//	-128          positive, 8 extra bytes hold v-121
//	-120 .. -127  negative, 1..8 extra bytes hold -(v+120)
//
// Small values therefore cost one byte and no value costs more than
// MaxLongLength bytes.

// MaxLongLength is the longest encoding of a packed long
const MaxLongLength = 9

// PackedLongLength returns the total encoded length announced by the first
// byte of a packed long
func PackedLongLength(first byte) int {
	b := int8(first)
	switch {
	case b >= -119 && b <= 120:
		return 1
	case b > 120:
		return int(b) - 120 + 1
	case b == -128:
		return MaxLongLength
	default:
		return -int(b) - 119 + 1
	}
}

// PackedLongSize returns the number of bytes WritePackedLong needs for v
func PackedLongSize(v int64) int {
	if v >= -119 && v <= 120 {
		return 1
	}
	return 1 + extraBytes(packedMagnitude(v))
}

// WritePackedLong encodes v into buf and returns the number of bytes written.
// buf must have room for PackedLongSize(v) bytes.
func WritePackedLong(buf []byte, v int64) int {
	if v >= -119 && v <= 120 {
		buf[0] = byte(int8(v))
		return 1
	}

	u := packedMagnitude(v)
	n := extraBytes(u)
	for i := 1; i <= n; i++ {
		buf[i] = byte(u)
		u >>= 8
	}

	switch {
	case v < 0:
		buf[0] = byte(int8(-119 - n))
	case n == 8:
		buf[0] = byte(0x80)
	default:
		buf[0] = byte(int8(120 + n))
	}
	return n + 1
}

// ReadPackedLong decodes a packed long from buf and returns the value and the
// number of bytes consumed. buf must hold the complete encoding.
func ReadPackedLong(buf []byte) (int64, int) {
	n := PackedLongLength(buf[0])
	if n == 1 {
		return int64(int8(buf[0])), 1
	}

	var u uint64
	for i := n - 1; i >= 1; i-- {
		u = u<<8 | uint64(buf[i])
	}
	if int8(buf[0]) < 0 && int8(buf[0]) != -128 {
		return -int64(u) - 120, n
	}
	return int64(u + 121), n
}

// packedMagnitude maps a value outside the single byte range to the unsigned
// number stored in the extra bytes
func packedMagnitude(v int64) uint64 {
	if v < 0 {
		// -(v+120) never overflows for v <= -120
		return uint64(-(v + 120))
	}
	return uint64(v) - 121
}

// extraBytes returns how many bytes u needs, at least one
func extraBytes(u uint64) int {
	n := 1
	for u >>= 8; u != 0; u >>= 8 {
		n++
	}
	return n
}
