package types

import (
	"errors"
	"fmt"
	"slices"
)

// PinUnset marks an optional pin that is not wired.
const PinUnset = -1

// BusMode selects the physical protocol used to talk to the card.
type BusMode uint8

const (
	BusSPI BusMode = iota
	BusSDMMC1Bit
	BusSDMMC4Bit
)

func (m BusMode) String() string {
	switch m {
	case BusSPI:
		return "spi"
	case BusSDMMC1Bit:
		return "sdmmc-1bit"
	case BusSDMMC4Bit:
		return "sdmmc-4bit"
	default:
		return "unknown"
	}
}

// Width is the number of data lines used in native mode (1 for SPI).
func (m BusMode) Width() uint8 {
	if m == BusSDMMC4Bit {
		return 4
	}
	return 1
}

// Pins is the wiring of one card slot. Unused entries hold PinUnset.
// In SPI mode MOSI/MISO/CS are used instead of Cmd/Data.
type Pins struct {
	Clk        int    `json:"clk"`
	Cmd        int    `json:"cmd"`
	Data       [4]int `json:"data"`
	MOSI       int    `json:"mosi"`
	MISO       int    `json:"miso"`
	CS         int    `json:"cs"`
	PowerCtrl  int    `json:"power_ctrl"`
	CardDetect int    `json:"card_detect"`
}

// UnsetPins returns a Pins value with every entry unset.
func UnsetPins() Pins {
	return Pins{
		Clk: PinUnset, Cmd: PinUnset,
		Data: [4]int{PinUnset, PinUnset, PinUnset, PinUnset},
		MOSI: PinUnset, MISO: PinUnset, CS: PinUnset,
		PowerCtrl: PinUnset, CardDetect: PinUnset,
	}
}

// BusConfig is fixed at construction and never mutated afterwards.
type BusConfig struct {
	Mode       BusMode `json:"mode"`
	Pins       Pins    `json:"pins"`
	MaxFreqKHz uint32  `json:"max_freq_khz"`
}

// Frequency bounds accepted for MaxFreqKHz.
const (
	MinFreqKHz     = 400
	MaxFreqKHz     = 20000
	DefaultFreqKHz = 20000
)

// PinSet returns the pins this configuration claims, in a stable order:
// the bus signals, then power control and card detect.
func (c BusConfig) PinSet() []int {
	out := c.SignalPins()
	if c.Pins.PowerCtrl != PinUnset {
		out = append(out, c.Pins.PowerCtrl)
	}
	if c.Pins.CardDetect != PinUnset {
		out = append(out, c.Pins.CardDetect)
	}
	return out
}

// SignalPins returns the clock, command/data or SPI lines only.
func (c BusConfig) SignalPins() []int {
	var out []int
	add := func(p int) {
		if p != PinUnset {
			out = append(out, p)
		}
	}
	add(c.Pins.Clk)
	switch c.Mode {
	case BusSPI:
		add(c.Pins.MOSI)
		add(c.Pins.MISO)
		add(c.Pins.CS)
	case BusSDMMC1Bit:
		add(c.Pins.Cmd)
		add(c.Pins.Data[0])
	case BusSDMMC4Bit:
		add(c.Pins.Cmd)
		for _, p := range c.Pins.Data {
			add(p)
		}
	}
	return out
}

var (
	ErrMissingPin   = errors.New("required pin not set")
	ErrPinRange     = errors.New("pin outside board gpio range")
	ErrDuplicatePin = errors.New("pin used twice")
	ErrFrequency    = errors.New("max_freq_khz out of range")
)

// Validate checks the pin set is consistent with the mode and fits the board.
func (c BusConfig) Validate(b Board) error {
	need := func(name string, p int) error {
		if p == PinUnset {
			return fmt.Errorf("%s: %w", name, ErrMissingPin)
		}
		return nil
	}
	var errs []error
	errs = append(errs, need("clk_pin", c.Pins.Clk))
	switch c.Mode {
	case BusSPI:
		errs = append(errs,
			need("mosi_pin", c.Pins.MOSI),
			need("miso_pin", c.Pins.MISO),
			need("cs_pin", c.Pins.CS))
	case BusSDMMC1Bit:
		errs = append(errs,
			need("cmd_pin", c.Pins.Cmd),
			need("data0_pin", c.Pins.Data[0]))
	case BusSDMMC4Bit:
		errs = append(errs, need("cmd_pin", c.Pins.Cmd))
		for i, p := range c.Pins.Data {
			errs = append(errs, need(fmt.Sprintf("data%d_pin", i), p))
		}
	default:
		errs = append(errs, fmt.Errorf("mode %d: unknown bus mode", c.Mode))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if c.MaxFreqKHz < MinFreqKHz || c.MaxFreqKHz > MaxFreqKHz {
		return fmt.Errorf("%d: %w", c.MaxFreqKHz, ErrFrequency)
	}

	pins := c.PinSet()
	for i, p := range pins {
		if !b.ValidGPIO(p) {
			return fmt.Errorf("gpio %d on %s: %w", p, b.Name, ErrPinRange)
		}
		if slices.Contains(pins[i+1:], p) {
			return fmt.Errorf("gpio %d: %w", p, ErrDuplicatePin)
		}
	}
	return nil
}

// Board describes what the MCU can offer a card slot.
// It carries no wiring choices.
type Board struct {
	Name             string
	GPIOMin, GPIOMax int
	Reserved         []int // strapping/flash pins that must not be claimed
	SPI              []string
	SDMMC            bool // native SD host controller present
}

// ValidGPIO reports whether n is usable on this board.
func (b Board) ValidGPIO(n int) bool {
	if n < b.GPIOMin || n > b.GPIOMax {
		return false
	}
	return !slices.Contains(b.Reserved, n)
}
