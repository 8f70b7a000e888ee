package sdemu

import (
	"errors"

	"sdcard-go/drivers/sdmmc"
	"sdcard-go/drivers/sdproto"
)

type pending uint8

const (
	pendNone pending = iota
	pendRead
	pendWrite
)

// hostPort is the native-mode face: command/response plus data phases.
type hostPort struct {
	card    *Card
	clock   uint32
	width   uint8
	pending pending
	sector  uint64
}

// HostPort adapts a Card to sdmmc.Host.
type HostPort struct{ c *Card }

// Host returns the native-mode face of the card.
func (c *Card) Host() *HostPort {
	c.mu.Lock()
	c.host.width = 1
	c.mu.Unlock()
	return &HostPort{c: c}
}

var _ sdmmc.Host = (*HostPort)(nil)

// ErrWidth is returned by data phases when host and card disagree on bus width.
var ErrWidth = errors.New("sdemu: bus width mismatch")

// MaxClockKHz is the fastest clock the emulated card tolerates.
const MaxClockKHz = 50000

func (h *HostPort) SetClock(khz uint32) error {
	if khz == 0 || khz > MaxClockKHz {
		return errors.New("sdemu: clock out of range")
	}
	h.c.mu.Lock()
	h.c.host.clock = khz
	h.c.mu.Unlock()
	return nil
}

// ClockKHz reports the last clock the host programmed.
func (h *HostPort) ClockKHz() uint32 {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.c.host.clock
}

func (h *HostPort) SetBusWidth(w uint8) error {
	if w != 1 && w != 4 {
		return errors.New("sdemu: unsupported width")
	}
	h.c.mu.Lock()
	h.c.host.width = w
	h.c.mu.Unlock()
	return nil
}

func (h *HostPort) Command(cmd uint8, arg uint32, kind sdproto.RespKind) (sdproto.Response, error) {
	c := h.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.present || c.unresponsive {
		return sdproto.Response{}, sdmmc.ErrNoResponse
	}
	c.host.pending = pendNone
	res := c.exec(cmd, arg, false)
	if kind == sdproto.RespNone {
		return sdproto.Response{}, nil
	}
	if !res.ok {
		// native cards stay silent on illegal commands
		return sdproto.Response{}, sdmmc.ErrNoResponse
	}
	switch {
	case res.hasRead:
		c.host.pending, c.host.sector = pendRead, res.dataRead
	case res.hasWrite:
		c.host.pending, c.host.sector = pendWrite, res.write
	}
	return res.resp, nil
}

func (h *HostPort) ReadData(dst []byte) error {
	c := h.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.host.pending != pendRead {
		return sdmmc.ErrDataTimeout
	}
	c.host.pending = pendNone
	if c.host.width != c.width {
		return ErrWidth
	}
	if err := c.readSector(c.host.sector, dst); err != nil {
		return sdmmc.ErrCRC
	}
	return nil
}

func (h *HostPort) WriteData(src []byte) error {
	c := h.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.host.pending != pendWrite {
		return sdmmc.ErrDataTimeout
	}
	c.host.pending = pendNone
	if c.host.width != c.width {
		return ErrWidth
	}
	return c.writeSector(c.host.sector, src)
}
