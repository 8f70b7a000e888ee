package sdproto

// CRC7 computes the 7-bit command CRC (polynomial x^7 + x^3 + 1).
func CRC7(b []byte) byte {
	var crc byte
	for _, v := range b {
		for i := 0; i < 8; i++ {
			crc <<= 1
			if (v&0x80)^(crc&0x80) != 0 {
				crc ^= 0x09
			}
			v <<= 1
		}
	}
	return crc & 0x7F
}

// CRC16 computes the CCITT data CRC (polynomial 0x1021, init 0).
func CRC16(b []byte) uint16 {
	var crc uint16
	for _, v := range b {
		crc ^= uint16(v) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Frame builds the 6-byte command frame with its CRC7 and end bit.
func Frame(cmd uint8, arg uint32) [6]byte {
	f := [6]byte{
		0x40 | Index(cmd),
		byte(arg >> 24), byte(arg >> 16), byte(arg >> 8), byte(arg),
	}
	f[5] = CRC7(f[:5])<<1 | 1
	return f
}
