// Package conv formats numbers into caller buffers without fmt or strconv,
// for builds where those are too heavy.
package conv

const hexDigits = "0123456789abcdef"

// Utoa writes n in base 10 at the end of buf and returns the used tail.
// buf needs 20 bytes for any uint64.
func Utoa(buf []byte, n uint64) []byte {
	i := len(buf)
	if i == 0 {
		return buf
	}
	for {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
		if n == 0 || i == 0 {
			return buf[i:]
		}
	}
}

// Itoa is Utoa with a leading '-' for negative n. buf needs 21 bytes.
func Itoa(buf []byte, n int64) []byte {
	if n >= 0 {
		return Utoa(buf, uint64(n))
	}
	if len(buf) < 2 {
		return buf[:0]
	}
	out := Utoa(buf[1:], uint64(-n))
	start := len(buf) - len(out) - 1
	buf[start] = '-'
	return buf[start:]
}

// U64Hex writes n as 16 zero-padded lowercase hex digits.
func U64Hex(buf []byte, n uint64) []byte {
	if len(buf) < 16 {
		return buf[:0]
	}
	i := len(buf)
	for j := 0; j < 16; j++ {
		i--
		buf[i] = hexDigits[n&0xf]
		n >>= 4
	}
	return buf[i:]
}

// U8Hex writes b as two lowercase hex digits.
func U8Hex(buf []byte, b byte) []byte {
	if len(buf) < 2 {
		return buf[:0]
	}
	i := len(buf) - 2
	buf[i], buf[i+1] = hexDigits[b>>4], hexDigits[b&0xf]
	return buf[i:]
}
