// services/sdcard/internal/platform/factories_rp2xxx.go
//go:build rp2040 || rp2350

package platform

import (
	"errors"
	"machine"

	"sdcard-go/services/sdcard/internal/busdrv"
	"sdcard-go/services/sdcard/internal/pins"
	"sdcard-go/services/sdcard/internal/platform/boards"
	"sdcard-go/types"
)

// -----------------------------------------------------------------------------
// Raspberry Pi Pico / Pico 2 (RP2 family): SPI mode only, no SD host block.
// -----------------------------------------------------------------------------

var ErrNoSDHost = errors.New("rp2: no native sd host controller")

type rp2Platform struct {
	reg *pins.Registry
}

// Default returns the RP2 platform on the Pico board descriptor.
func Default() (busdrv.Platform, error) {
	return &rp2Platform{reg: pins.New(boards.PicoDefault)}, nil
}

func (p *rp2Platform) Pins() *pins.Registry { return p.reg }

// spiFor picks the controller whose SCK function the clock pin carries.
func spiFor(sck int) (*machine.SPI, bool) {
	switch sck {
	case 2, 6, 18, 22:
		return machine.SPI0, true
	case 10, 14, 26:
		return machine.SPI1, true
	}
	return nil, false
}

func (p *rp2Platform) OpenSPI(pp types.Pins) (busdrv.SPIPort, error) {
	spi, ok := spiFor(pp.Clk)
	if !ok {
		return busdrv.SPIPort{}, errors.New("rp2: clk pin is not an spi sck")
	}
	cfg := machine.SPIConfig{
		Frequency: busdrv.IdentKHz * machine.KHz,
		SCK:       machine.Pin(pp.Clk),
		SDO:       machine.Pin(pp.MOSI),
		SDI:       machine.Pin(pp.MISO),
		Mode:      0,
	}
	if err := spi.Configure(cfg); err != nil {
		return busdrv.SPIPort{}, err
	}
	cs := machine.Pin(pp.CS)
	cs.Configure(machine.PinConfig{Mode: machine.PinOutput})
	cs.High()

	return busdrv.SPIPort{
		Bus: spi,
		CS:  cs.Set,
		SetFreq: func(khz uint32) error {
			cfg.Frequency = khz * machine.KHz
			return spi.Configure(cfg)
		},
		Close: func() error {
			cs.Configure(machine.PinConfig{Mode: machine.PinInput})
			return nil
		},
	}, nil
}

func (p *rp2Platform) OpenHost(types.Pins, uint8) (busdrv.HostPort, error) {
	return busdrv.HostPort{}, ErrNoSDHost
}

func (p *rp2Platform) OutputPin(n int, initial bool) (func(bool), error) {
	pin := machine.Pin(n)
	pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	pin.Set(initial)
	return pin.Set, nil
}

// CardDetect uses a slot switch to ground: low means a card is present.
// Edges are not reported; the service polls Present.
func (p *rp2Platform) CardDetect(n int) (busdrv.CardDetect, error) {
	pin := machine.Pin(n)
	pin.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	return rp2Detect{pin: pin}, nil
}

type rp2Detect struct{ pin machine.Pin }

func (d rp2Detect) Present() bool        { return !d.pin.Get() }
func (d rp2Detect) Changes() <-chan bool { return nil }
