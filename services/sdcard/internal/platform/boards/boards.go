package boards

import "sdcard-go/types"

// Board descriptors: what the SoC can do (GPIO range, controllers present).
// They carry no wiring choices.

var PicoDefault = types.Board{
	Name:    "pico_default",
	GPIOMin: 0, GPIOMax: 28,
	Reserved: []int{23, 24, 25}, // SMPS mode, VBUS sense, LED
	SPI:      []string{"spi0", "spi1"},
}

var ESP32 = types.Board{
	Name:    "esp32",
	GPIOMin: 0, GPIOMax: 39,
	Reserved: []int{6, 7, 8, 9, 10, 11}, // SPI flash
	SPI:      []string{"hspi", "vspi"},
	SDMMC:    true,
}

// Host is the emulated board used by tests and host tools.
var Host = types.Board{
	Name:    "host",
	GPIOMin: 0, GPIOMax: 63,
	SPI:     []string{"spi0"},
	SDMMC:   true,
}

// ByName looks up a descriptor.
func ByName(name string) (types.Board, bool) {
	for _, b := range []types.Board{PicoDefault, ESP32, Host} {
		if b.Name == name {
			return b, true
		}
	}
	return types.Board{}, false
}
