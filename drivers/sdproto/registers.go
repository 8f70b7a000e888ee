package sdproto

import (
	"errors"
	"strings"
)

// bits extracts register bits [msb:lsb] from a big-endian 128-bit register.
func bits(r *[16]byte, msb, lsb uint) uint32 {
	var v uint32
	for i := msb; ; i-- {
		byteIdx := 15 - i/8
		bit := (r[byteIdx] >> (i % 8)) & 1
		v = v<<1 | uint32(bit)
		if i == lsb {
			break
		}
	}
	return v
}

func setBits(r *[16]byte, msb, lsb uint, v uint32) {
	for i := lsb; i <= msb; i++ {
		byteIdx := 15 - i/8
		mask := byte(1) << (i % 8)
		if v&(1<<(i-lsb)) != 0 {
			r[byteIdx] |= mask
		} else {
			r[byteIdx] &^= mask
		}
	}
}

// CSD is the decoded card-specific data register.
type CSD struct {
	Structure uint8
	Capacity  uint64 // bytes
	TranKHz   uint32 // max data transfer rate
	ReadBlLen uint8
}

var ErrBadCSD = errors.New("sdproto: unsupported CSD structure")

// transfer-rate units (kbit/s /10) and multipliers (x10) from the TRAN_SPEED table
var (
	tranUnitKHz = [8]uint32{100, 1000, 10000, 100000, 0, 0, 0, 0}
	tranMult10  = [16]uint32{0, 10, 12, 13, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 70, 80}
)

// ParseCSD decodes a CSD. Version 1 (and MMC) use C_SIZE/C_SIZE_MULT,
// version 2 uses the 22-bit C_SIZE in 512 KiB units.
func ParseCSD(reg [16]byte, mmc bool) (CSD, error) {
	var c CSD
	c.Structure = uint8(bits(&reg, 127, 126))
	ts := bits(&reg, 103, 96)
	c.TranKHz = tranUnitKHz[ts&7] * tranMult10[(ts>>3)&0xF] / 10
	c.ReadBlLen = uint8(bits(&reg, 83, 80))

	switch {
	case c.Structure == 0 || mmc:
		cSize := uint64(bits(&reg, 73, 62))
		mult := uint64(bits(&reg, 49, 47))
		c.Capacity = (cSize + 1) << (mult + 2) << c.ReadBlLen
	case c.Structure == 1:
		cSize := uint64(bits(&reg, 69, 48))
		c.Capacity = (cSize + 1) * 512 * 1024
	default:
		return c, ErrBadCSD
	}
	return c, nil
}

// BuildCSD encodes a CSD for the given capacity. High-capacity cards get
// structure 1; others structure 0 with 512-byte blocks.
func BuildCSD(capacity uint64, highCapacity bool) [16]byte {
	var r [16]byte
	setBits(&r, 103, 96, 0x32) // 25 MHz
	setBits(&r, 83, 80, 9)
	if highCapacity {
		setBits(&r, 127, 126, 1)
		setBits(&r, 69, 48, uint32(capacity/(512*1024)-1))
	} else {
		// capacity = (C_SIZE+1) * 2^(MULT+2) * 512; pick the smallest MULT that fits 12 bits.
		var mult uint32
		blocks := capacity / 512
		for mult < 7 && blocks>>(mult+2) > 4096 {
			mult++
		}
		setBits(&r, 49, 47, mult)
		setBits(&r, 73, 62, uint32(blocks>>(mult+2))-1)
	}
	r[15] = CRC7(r[:15])<<1 | 1
	return r
}

// CID is the decoded card identification register.
type CID struct {
	ManufacturerID uint8
	OEMID          string
	ProductName    string
	Revision       uint8
	Serial         uint32
	Year           uint16
	Month          uint8
}

// ParseCID decodes an SD CID.
func ParseCID(reg [16]byte) CID {
	return CID{
		ManufacturerID: reg[0],
		OEMID:          strings.TrimRight(string(reg[1:3]), "\x00 "),
		ProductName:    strings.TrimRight(string(reg[3:8]), "\x00 "),
		Revision:       reg[8],
		Serial:         uint32(reg[9])<<24 | uint32(reg[10])<<16 | uint32(reg[11])<<8 | uint32(reg[12]),
		Year:           2000 + uint16(bits(&reg, 19, 12)),
		Month:          uint8(bits(&reg, 11, 8)),
	}
}

// BuildCID encodes an SD CID.
func BuildCID(c CID) [16]byte {
	var r [16]byte
	r[0] = c.ManufacturerID
	copy(r[1:3], c.OEMID)
	copy(r[3:8], c.ProductName)
	r[8] = c.Revision
	r[9], r[10], r[11], r[12] = byte(c.Serial>>24), byte(c.Serial>>16), byte(c.Serial>>8), byte(c.Serial)
	y := uint32(0)
	if c.Year >= 2000 {
		y = uint32(c.Year - 2000)
	}
	setBits(&r, 19, 12, y)
	setBits(&r, 11, 8, uint32(c.Month))
	r[15] = CRC7(r[:15])<<1 | 1
	return r
}
