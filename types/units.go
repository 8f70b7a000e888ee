package types

import (
	"fmt"
	"strings"
)

// MemoryUnit scales byte counts for published readings.
type MemoryUnit uint8

const (
	Byte MemoryUnit = iota
	KiloByte
	MegaByte
	GigaByte
	TeraByte
	PetaByte
)

var unitNames = [...]string{"B", "KB", "MB", "GB", "TB", "PB"}

func (u MemoryUnit) String() string {
	if int(u) < len(unitNames) {
		return unitNames[u]
	}
	return "?"
}

// ParseMemoryUnit accepts the unit symbols case-insensitively; "" means bytes.
func ParseMemoryUnit(s string) (MemoryUnit, error) {
	if s == "" {
		return Byte, nil
	}
	for i, n := range unitNames {
		if strings.EqualFold(s, n) {
			return MemoryUnit(i), nil
		}
	}
	return Byte, fmt.Errorf("unknown memory unit %q", s)
}

// ConvertBytes expresses v in the given unit using powers of 1024.
func ConvertBytes(v uint64, u MemoryUnit) float64 {
	f := float64(v)
	for i := MemoryUnit(0); i < u; i++ {
		f /= 1024
	}
	return f
}
