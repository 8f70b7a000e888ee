package busdrv

import (
	"tinygo.org/x/drivers"

	"sdcard-go/drivers/sdmmc"
	"sdcard-go/services/sdcard/internal/pins"
	"sdcard-go/types"
)

// SPIPort is an SPI controller configured for one card slot.
type SPIPort struct {
	Bus     drivers.SPI
	CS      func(level bool)
	SetFreq func(khz uint32) error // nil when fixed
	Close   func() error           // nil when nothing to release
}

// HostPort is a native SD host configured for one card slot.
type HostPort struct {
	Host  sdmmc.Host
	Close func() error
}

// CardDetect reports card presence. Changes may be nil when the platform
// cannot signal edges.
type CardDetect interface {
	Present() bool
	Changes() <-chan bool
}

// Platform is what a board offers the driver. Implementations live in the
// platform package, one per build target.
type Platform interface {
	Pins() *pins.Registry
	OpenSPI(p types.Pins) (SPIPort, error)
	OpenHost(p types.Pins, width uint8) (HostPort, error)
	// OutputPin configures n as a push-pull output and returns its setter.
	OutputPin(n int, initial bool) (func(level bool), error)
	// CardDetect returns the detector for pin n.
	CardDetect(n int) (CardDetect, error)
}
