// services/sdcard/internal/platform/emulated.go
//go:build !rp2040 && !rp2350

package platform

import (
	"errors"
	"sync"

	"sdcard-go/drivers/sdemu"
	"sdcard-go/services/sdcard/internal/busdrv"
	"sdcard-go/services/sdcard/internal/pins"
	"sdcard-go/types"
)

// Emulated wires a board to an emulated card. It is the host-side platform
// used by tests and host tools.
type Emulated struct {
	reg  *pins.Registry
	card *sdemu.Card

	mu      sync.Mutex
	outputs map[int]bool
	opened  int
	detect  *emuDetect
}

var _ busdrv.Platform = (*Emulated)(nil)

func NewEmulated(b types.Board, card *sdemu.Card) *Emulated {
	return &Emulated{
		reg:     pins.New(b),
		card:    card,
		outputs: make(map[int]bool),
		detect:  &emuDetect{card: card, ch: make(chan bool, 1)},
	}
}

func (e *Emulated) Pins() *pins.Registry { return e.reg }
func (e *Emulated) Card() *sdemu.Card     { return e.card }

func (e *Emulated) OpenSPI(p types.Pins) (busdrv.SPIPort, error) {
	port := e.card.SPI()
	e.mu.Lock()
	e.opened++
	e.mu.Unlock()
	return busdrv.SPIPort{Bus: port, CS: port.ChipSelect, Close: e.closePort}, nil
}

func (e *Emulated) OpenHost(p types.Pins, width uint8) (busdrv.HostPort, error) {
	if !e.reg.Board().SDMMC {
		return busdrv.HostPort{}, errors.New("board has no sd host controller")
	}
	e.mu.Lock()
	e.opened++
	e.mu.Unlock()
	return busdrv.HostPort{Host: e.card.Host(), Close: e.closePort}, nil
}

func (e *Emulated) closePort() error {
	e.mu.Lock()
	e.opened--
	e.mu.Unlock()
	return nil
}

// OpenPorts reports transports opened and not yet closed.
func (e *Emulated) OpenPorts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opened
}

func (e *Emulated) OutputPin(n int, initial bool) (func(bool), error) {
	e.mu.Lock()
	e.outputs[n] = initial
	e.mu.Unlock()
	return func(level bool) {
		e.mu.Lock()
		e.outputs[n] = level
		e.mu.Unlock()
	}, nil
}

// Level returns the last level driven on an output pin.
func (e *Emulated) Level(n int) (level, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	level, ok = e.outputs[n]
	return
}

func (e *Emulated) CardDetect(n int) (busdrv.CardDetect, error) { return e.detect, nil }

// Insert and Eject change card presence and signal card-detect listeners.
func (e *Emulated) Insert() { e.card.SetPresent(true); e.detect.notify(true) }
func (e *Emulated) Eject()  { e.card.SetPresent(false); e.detect.notify(false) }

type emuDetect struct {
	card *sdemu.Card
	ch   chan bool
}

func (d *emuDetect) Present() bool        { return d.card.Present() }
func (d *emuDetect) Changes() <-chan bool { return d.ch }

// notify keeps only the latest edge.
func (d *emuDetect) notify(v bool) {
	select {
	case d.ch <- v:
		return
	default:
	}
	select {
	case <-d.ch:
	default:
	}
	select {
	case d.ch <- v:
	default:
	}
}
