// Package sdemu emulates an SD/MMC card for host builds and tests. One Card
// can be driven either over SPI (byte protocol, see SPI) or through a native
// host port (see Host). Sector storage is an afero file, so images can live
// in memory or on disk.
package sdemu

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/afero"

	"sdcard-go/drivers/sdproto"
	"sdcard-go/types"
)

// Options shape the emulated card.
type Options struct {
	Type      types.CardType // CardSDSC, CardSDHC or CardMMC; default CardSDHC
	Version1  bool           // SD 1.x: rejects CMD8
	InitPolls int            // ACMD41/CMD1 calls before power-up completes; default 2
	RCA       uint16         // published RCA; default 0x59b4
	CID       sdproto.CID
}

// DefaultCID is used when Options.CID is zero.
var DefaultCID = sdproto.CID{ManufacturerID: 0x1B, OEMID: "SM", ProductName: "EMUSD", Revision: 0x10, Serial: 0x00C0FFEE, Year: 2024, Month: 1}

var ErrSize = errors.New("sdemu: image too small")

type cardState uint8

const (
	stIdle cardState = iota
	stReady
	stIdent
	stStby
	stTran
)

// Card is the emulated device. All methods are safe for concurrent use.
type Card struct {
	mu    sync.Mutex
	store afero.File
	size  uint64
	opts  Options
	csd   [16]byte
	cid   [16]byte

	present      bool
	unresponsive bool
	failReads    int
	failWrites   int
	reads        int
	writes       int

	state     cardState
	appCmd    bool
	hcsSeen   bool
	initCount int
	rca       uint16
	width     uint8

	spi  spiPort
	host hostPort
}

// New wraps an open image file of the given size.
func New(store afero.File, size int64, opts Options) (*Card, error) {
	if opts.Type == types.CardUnknown {
		opts.Type = types.CardSDHC
	}
	if opts.InitPolls <= 0 {
		opts.InitPolls = 2
	}
	if opts.RCA == 0 {
		opts.RCA = 0x59b4
	}
	if opts.CID == (sdproto.CID{}) {
		opts.CID = DefaultCID
	}
	hc := opts.Type == types.CardSDHC || opts.Type == types.CardSDXC
	unit := int64(sdproto.BlockSize)
	if hc {
		unit = 512 * 1024
	}
	size -= size % unit
	if size < 64*1024 {
		return nil, fmt.Errorf("%d bytes: %w", size, ErrSize)
	}
	c := &Card{
		store:   store,
		size:    uint64(size),
		opts:    opts,
		csd:     sdproto.BuildCSD(uint64(size), hc),
		cid:     sdproto.BuildCID(opts.CID),
		present: true,
		width:   1,
	}
	c.spi.card = c
	c.host.card = c
	return c, nil
}

// NewMemory builds a card backed by an in-memory image.
func NewMemory(size int64, opts Options) (*Card, error) {
	f, err := CreateImage(afero.NewMemMapFs(), "card.img", size)
	if err != nil {
		return nil, err
	}
	return New(f, size, opts)
}

// CreateImage creates (or truncates) a zero-filled image on fs.
func CreateImage(fs afero.Fs, path string, size int64) (afero.File, error) {
	f, err := fs.Create(path)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// Open opens an existing image on fs.
func Open(fs afero.Fs, path string, opts Options) (*Card, error) {
	f, err := fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	c, err := New(f, st.Size(), opts)
	if err != nil {
		f.Close()
	}
	return c, err
}

// Close releases the backing image.
func (c *Card) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Close()
}

// Replace swaps in a new medium, as if a different card was inserted.
// The previous store is closed.
func (c *Card) Replace(store afero.File, size int64) error {
	n, err := New(store, size, c.opts)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.store
	c.store, c.size, c.csd = n.store, n.size, n.csd
	c.present = true
	c.resetLocked()
	c.spi.reset()
	if old != nil && old != store {
		old.Close()
	}
	return nil
}

// Capacity is the usable size in bytes.
func (c *Card) Capacity() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// SetPresent inserts or removes the card. Removal resets it.
func (c *Card) SetPresent(v bool) {
	c.mu.Lock()
	c.present = v
	c.resetLocked()
	c.spi.reset()
	c.mu.Unlock()
}

func (c *Card) Present() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.present
}

// SetUnresponsive makes a present card ignore every command.
func (c *Card) SetUnresponsive(v bool) {
	c.mu.Lock()
	c.unresponsive = v
	c.mu.Unlock()
}

// FailReads makes the next n block reads fail with a data error.
func (c *Card) FailReads(n int) {
	c.mu.Lock()
	c.failReads = n
	c.mu.Unlock()
}

// FailWrites makes the next n block writes be rejected.
func (c *Card) FailWrites(n int) {
	c.mu.Lock()
	c.failWrites = n
	c.mu.Unlock()
}

// Stats returns completed block reads and writes.
func (c *Card) Stats() (reads, writes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads, c.writes
}

func (c *Card) resetLocked() {
	c.state = stIdle
	c.appCmd = false
	c.hcsSeen = false
	c.initCount = 0
	c.rca = 0
	c.width = 1
	c.host.pending = pendNone
}

func (c *Card) highCapacity() bool {
	return c.opts.Type == types.CardSDHC || c.opts.Type == types.CardSDXC
}

func (c *Card) isMMC() bool { return c.opts.Type == types.CardMMC }

func (c *Card) ocr() uint32 {
	o := sdproto.OCRVoltage
	if c.state != stIdle {
		o |= sdproto.OCRBusy
		if c.highCapacity() && (c.hcsSeen || c.isMMC()) {
			o |= sdproto.OCRCCS
		}
	}
	return o
}

func (c *Card) status() uint32 {
	s := uint32(c.state) << sdproto.StatusStateShift
	if c.appCmd {
		s |= sdproto.StatusAppCmd
	}
	return s
}

// sector converts a command address to a sector index.
func (c *Card) sector(arg uint32) (uint64, bool) {
	var s uint64
	if c.highCapacity() {
		s = uint64(arg)
	} else {
		if arg%sdproto.BlockSize != 0 {
			return 0, false
		}
		s = uint64(arg) / sdproto.BlockSize
	}
	return s, s < c.size/sdproto.BlockSize
}

func (c *Card) readSector(s uint64, dst []byte) error {
	if c.failReads > 0 {
		c.failReads--
		return errors.New("sdemu: injected read failure")
	}
	if _, err := c.store.ReadAt(dst, int64(s)*sdproto.BlockSize); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	c.reads++
	return nil
}

func (c *Card) writeSector(s uint64, src []byte) error {
	if c.failWrites > 0 {
		c.failWrites--
		return errors.New("sdemu: injected write failure")
	}
	if _, err := c.store.WriteAt(src, int64(s)*sdproto.BlockSize); err != nil {
		return err
	}
	c.writes++
	return nil
}

// result of one command, independent of transport
type result struct {
	ok       bool // false: illegal / no response
	resp     sdproto.Response
	r1       byte // SPI R1
	dataRead uint64
	hasRead  bool
	regData  bool // SPI: Reg is sent as a data block
	write    uint64
	hasWrite bool
}

// exec runs one command. spi selects SPI-mode semantics.
func (c *Card) exec(idx uint8, arg uint32, spi bool) result {
	app := c.appCmd
	c.appCmd = false
	var res result
	idleBit := func() byte {
		if c.state == stIdle {
			return sdproto.R1Idle
		}
		return 0
	}
	illegal := func() result {
		return result{r1: idleBit() | sdproto.R1IllegalCmd, resp: sdproto.Response{Status: sdproto.StatusIllegalCmd}}
	}

	if app {
		switch idx {
		case sdproto.ACmdSDSendOpCond:
			if arg&sdproto.HCS != 0 {
				c.hcsSeen = true
			}
			c.initCount++
			// A high-capacity card never finishes init for a host without HCS.
			if c.initCount >= c.opts.InitPolls && (!c.highCapacity() || c.hcsSeen) && c.state == stIdle {
				c.state = stReady
			}
			res.ok = true
			res.r1 = idleBit()
			res.resp.Arg = c.ocr()
			return res
		case sdproto.ACmdSetBusWidth:
			if spi || c.state != stTran {
				return illegal()
			}
			switch arg & 3 {
			case 0:
				c.width = 1
			case 2:
				c.width = 4
			default:
				return illegal()
			}
			res.ok = true
			res.resp.Status = c.status()
			return res
		}
		// other app commands fall through to basic handling
	}

	switch idx {
	case sdproto.CmdGoIdleState:
		c.resetLocked()
		res.ok = true
		res.r1 = sdproto.R1Idle
	case sdproto.CmdSendOpCond:
		if !c.isMMC() {
			return illegal()
		}
		c.initCount++
		if c.initCount >= c.opts.InitPolls && c.state == stIdle {
			c.state = stReady
		}
		res.ok = true
		res.r1 = idleBit()
		res.resp.Arg = c.ocr()
	case sdproto.CmdSendIfCond:
		if c.isMMC() || c.opts.Version1 {
			return illegal()
		}
		res.ok = true
		res.r1 = idleBit()
		res.resp.Arg = arg & 0xFFF
	case sdproto.CmdAppCmd:
		if c.isMMC() {
			return illegal()
		}
		c.appCmd = true
		res.ok = true
		res.r1 = idleBit()
		res.resp.Status = c.status()
	case sdproto.CmdReadOCR:
		if !spi {
			return illegal()
		}
		res.ok = true
		res.r1 = idleBit()
		res.resp.Arg = c.ocr()
	case sdproto.CmdAllSendCID:
		if spi || c.state != stReady {
			return illegal()
		}
		c.state = stIdent
		res.ok = true
		res.resp.Reg = c.cid
	case sdproto.CmdSendRelativeAddr:
		if spi || c.state != stIdent {
			return illegal()
		}
		if c.isMMC() {
			c.rca = uint16(arg >> 16)
		} else {
			c.rca = c.opts.RCA
		}
		c.state = stStby
		res.ok = true
		res.resp.Arg = uint32(c.rca) << 16
	case sdproto.CmdSelectCard:
		if spi {
			return illegal()
		}
		if uint16(arg>>16) != c.rca {
			c.state = stStby
			return result{} // deselected cards stay silent
		}
		c.state = stTran
		res.ok = true
		res.resp.Status = c.status()
	case sdproto.CmdSendCSD, sdproto.CmdSendCID:
		reg := c.csd
		if idx == sdproto.CmdSendCID {
			reg = c.cid
		}
		if spi {
			if c.state == stIdle {
				return illegal()
			}
			res.regData = true
		} else if c.state != stStby || uint16(arg>>16) != c.rca {
			return illegal()
		}
		res.ok = true
		res.resp.Reg = reg
	case sdproto.CmdSendStatus:
		res.ok = true
		res.r1 = idleBit()
		res.resp.Status = c.status()
	case sdproto.CmdSetBlockLen:
		res.ok = true
		if arg != sdproto.BlockSize {
			res.r1 = idleBit() | sdproto.R1ParamError
			res.resp.Status = c.status() | 1<<29
			break
		}
		res.r1 = idleBit()
		res.resp.Status = c.status()
	case sdproto.CmdReadSingleBlock, sdproto.CmdWriteBlock:
		if (spi && c.state == stIdle) || (!spi && c.state != stTran) {
			return illegal()
		}
		res.ok = true
		s, ok := c.sector(arg)
		if !ok {
			res.r1 = sdproto.R1AddressError
			res.resp.Status = c.status() | 1<<31
			break
		}
		res.resp.Status = c.status()
		if idx == sdproto.CmdReadSingleBlock {
			res.dataRead, res.hasRead = s, true
		} else {
			res.write, res.hasWrite = s, true
		}
	default:
		return illegal()
	}
	return res
}
