package busdrv

import (
	"sync"

	"sdcard-go/drivers/sdmmc"
	"sdcard-go/drivers/sdproto"
	"sdcard-go/drivers/sdspi"
	"sdcard-go/errcode"
	"sdcard-go/services/sdcard/internal/pins"
	"sdcard-go/types"
	"sdcard-go/x/logx"
)

// IdentKHz is the clock used until identification completes.
const IdentKHz = 400

type link interface {
	Command(cmd uint8, arg uint32) (sdproto.Response, error)
	ReadBlock(addr uint32, dst []byte) error
	WriteBlock(addr uint32, src []byte) error
	SetClock(khz uint32) error
}

// Driver opens card buses on one platform.
type Driver struct {
	plat Platform
	log  *logx.Logger
}

func New(p Platform) *Driver {
	return &Driver{plat: p, log: logx.For(logx.ComponentBus)}
}

// Initialize validates cfg, claims its pins and brings up the transport.
// Any failure releases whatever was claimed.
func (d *Driver) Initialize(devID string, cfg types.BusConfig) (*Handle, error) {
	reg := d.plat.Pins()
	if err := cfg.Validate(reg.Board()); err != nil {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "initialize", Err: err}
	}
	signals := cfg.SignalPins()
	if err := reg.Claim(devID, signals, pins.FuncBus); err != nil {
		d.log.Warn("pin claim failed", "dev", devID, "err", err)
		return nil, err
	}

	h := &Handle{devID: devID, cfg: cfg, reg: reg, pins: signals}
	ok := false
	defer func() {
		if !ok {
			h.release()
		}
	}()

	if p := cfg.Pins.PowerCtrl; p != types.PinUnset {
		if err := h.claim(p, pins.FuncGPIOOut); err != nil {
			return nil, err
		}
		set, err := d.plat.OutputPin(p, true)
		if err != nil {
			return nil, errcode.Wrap(errcode.Unsupported, "power_ctrl", err)
		}
		h.power = set
	}
	if p := cfg.Pins.CardDetect; p != types.PinUnset {
		if err := h.claim(p, pins.FuncGPIOIn); err != nil {
			return nil, err
		}
		cd, err := d.plat.CardDetect(p)
		if err != nil {
			return nil, errcode.Wrap(errcode.Unsupported, "card_detect", err)
		}
		h.detect = cd
		if !cd.Present() {
			return nil, errcode.New(errcode.NotPresent, "initialize", "card detect reports empty slot")
		}
	}

	switch cfg.Mode {
	case types.BusSPI:
		port, err := d.plat.OpenSPI(cfg.Pins)
		if err != nil {
			return nil, errcode.Wrap(errcode.Unsupported, "open_spi", err)
		}
		l := sdspi.New(port.Bus, port.CS, port.SetFreq, sdspi.Config{InitFreqKHz: IdentKHz})
		h.link, h.spi, h.closeFn = l, l, port.Close
	default:
		port, err := d.plat.OpenHost(cfg.Pins, cfg.Mode.Width())
		if err != nil {
			return nil, errcode.Wrap(errcode.Unsupported, "open_host", err)
		}
		l := sdmmc.New(port.Host)
		h.link, h.mmc, h.closeFn = l, l, port.Close
	}

	ok = true
	d.log.Info("bus up", "dev", devID, "mode", cfg.Mode.String(), "pins", reg.Held(devID))
	return h, nil
}

// Handle is an initialized bus. Its methods serialize link access.
type Handle struct {
	mu      sync.Mutex
	devID   string
	cfg     types.BusConfig
	reg     *pins.Registry
	pins    []int
	link    link
	spi     *sdspi.Link
	mmc     *sdmmc.Link
	power   func(bool)
	detect  CardDetect
	closeFn func() error

	blockAddr bool
	closed    bool
}

func (h *Handle) DevID() string           { return h.devID }
func (h *Handle) Config() types.BusConfig { return h.cfg }
func (h *Handle) Mode() types.BusMode     { return h.cfg.Mode }
func (h *Handle) IsSPI() bool             { return h.cfg.Mode == types.BusSPI }

func (h *Handle) claim(n int, fn pins.Func) error {
	if err := h.reg.Claim(h.devID, []int{n}, fn); err != nil {
		return err
	}
	h.pins = append(h.pins, n)
	return nil
}

// Detect returns the card-detect source, or nil.
func (h *Handle) Detect() CardDetect { return h.detect }

// Present reports card presence; without a detect pin the slot is assumed full.
func (h *Handle) Present() bool {
	if h.detect == nil {
		return true
	}
	return h.detect.Present()
}

func (h *Handle) check() error {
	if h.closed {
		return errcode.New(errcode.BusClosed, "bus", h.devID)
	}
	return nil
}

// PowerUp drops to the identification clock and wakes the card.
func (h *Handle) PowerUp() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return err
	}
	h.blockAddr = false
	if h.spi != nil {
		return h.spi.PowerUp()
	}
	return h.mmc.PowerUp(IdentKHz)
}

// Command issues one command (App-flagged for application commands).
func (h *Handle) Command(cmd uint8, arg uint32) (sdproto.Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return sdproto.Response{}, err
	}
	return h.link.Command(cmd, arg)
}

func (h *Handle) SetClock(khz uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return err
	}
	return h.link.SetClock(khz)
}

// SetBusWidth changes the host data width. SPI only supports 1.
func (h *Handle) SetBusWidth(w uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return err
	}
	if h.mmc == nil {
		if w == 1 {
			return nil
		}
		return errcode.New(errcode.Unsupported, "set_bus_width", "spi is single line")
	}
	return h.mmc.SetBusWidth(w)
}

// SetRCA records the card's relative address (native mode only).
func (h *Handle) SetRCA(rca uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mmc != nil {
		h.mmc.SetRCA(rca)
	}
}

// SetBlockAddressing selects block (SDHC/SDXC) or byte (SDSC) addressing.
func (h *Handle) SetBlockAddressing(v bool) {
	h.mu.Lock()
	h.blockAddr = v
	h.mu.Unlock()
}

func (h *Handle) addr(sector uint64) (uint32, error) {
	a := sector
	if !h.blockAddr {
		a = sector * sdproto.BlockSize
	}
	if a > 0xFFFFFFFF {
		return 0, errcode.New(errcode.InvalidParams, "address", "sector beyond 32-bit address")
	}
	return uint32(a), nil
}

// ReadBlock reads one 512-byte sector.
func (h *Handle) ReadBlock(sector uint64, dst []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return err
	}
	a, err := h.addr(sector)
	if err != nil {
		return err
	}
	return h.link.ReadBlock(a, dst)
}

// WriteBlock writes one 512-byte sector.
func (h *Handle) WriteBlock(sector uint64, src []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.check(); err != nil {
		return err
	}
	a, err := h.addr(sector)
	if err != nil {
		return err
	}
	return h.link.WriteBlock(a, src)
}

// Shutdown cuts card power, closes the transport and releases the pins.
// Calling it again is a no-op.
func (h *Handle) Shutdown() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.release()
}

func (h *Handle) release() error {
	var err error
	if h.power != nil {
		h.power(false)
	}
	if h.closeFn != nil {
		err = h.closeFn()
	}
	h.reg.Release(h.devID, h.pins)
	return err
}
