// services/sdcard/internal/platform/factories_host.go
//go:build !rp2040 && !rp2350

package platform

import (
	"sdcard-go/drivers/sdemu"
	"sdcard-go/services/sdcard/internal/busdrv"
	"sdcard-go/services/sdcard/internal/platform/boards"
	"sdcard-go/types"
)

// DefaultCardSize is the size of the in-memory card the host platform uses.
const DefaultCardSize = 64 << 20

// Default returns the host platform: an emulated SDHC card held in memory.
func Default() (busdrv.Platform, error) {
	card, err := sdemu.NewMemory(DefaultCardSize, sdemu.Options{Type: types.CardSDHC})
	if err != nil {
		return nil, err
	}
	return NewEmulated(boards.Host, card), nil
}
