// Package sdspi frames SD commands over an SPI bus with a chip-select line.
// It knows nothing about card identification; callers drive the
// command sequence and decide how to interpret responses.
package sdspi

import (
	"errors"

	"tinygo.org/x/drivers"

	"sdcard-go/drivers/sdproto"
	"sdcard-go/errcode"
	"sdcard-go/x/conv"
)

// Config holds polling bounds. Every wait on the card is a bounded number of
// byte transfers, never an open-ended loop.
type Config struct {
	NCR         int  // bytes polled for a command response
	TokenPolls  int  // bytes polled for a read data token
	BusyPolls   int  // bytes polled while the card signals busy
	CheckCRC    bool // verify CRC16 on received blocks
	InitFreqKHz uint32
}

func (c *Config) defaults() {
	if c.NCR <= 0 {
		c.NCR = 16
	}
	if c.TokenPolls <= 0 {
		c.TokenPolls = 50_000
	}
	if c.BusyPolls <= 0 {
		c.BusyPolls = 250_000
	}
	if c.InitFreqKHz == 0 {
		c.InitFreqKHz = 400
	}
}

var (
	ErrNoResponse    = errors.New("sdspi: no response")
	ErrDataToken     = errors.New("sdspi: data error token")
	ErrWriteRejected = errors.New("sdspi: write rejected")
	ErrBadLength     = errors.New("sdspi: buffer must be one block")
)

// Link is one card on one SPI bus.
type Link struct {
	spi     drivers.SPI
	cs      func(level bool)
	setFreq func(khz uint32) error
	cfg     Config

	ff  [sdproto.BlockSize]byte
	crc [2]byte
}

// New binds a link. cs drives the chip-select line (active low); setFreq
// may be nil when the bus clock is fixed.
func New(spi drivers.SPI, cs func(level bool), setFreq func(khz uint32) error, cfg Config) *Link {
	cfg.defaults()
	l := &Link{spi: spi, cs: cs, setFreq: setFreq, cfg: cfg}
	for i := range l.ff {
		l.ff[i] = 0xFF
	}
	return l
}

// PowerUp drops to the identification clock and sends at least 74 clocks
// with CS high so the card enters its native command state.
func (l *Link) PowerUp() error {
	if err := l.SetClock(l.cfg.InitFreqKHz); err != nil {
		return err
	}
	l.cs(true)
	return l.spi.Tx(l.ff[:10], nil)
}

// SetClock changes the SPI clock when the platform allows it.
func (l *Link) SetClock(khz uint32) error {
	if l.setFreq == nil {
		return nil
	}
	return l.setFreq(khz)
}

func (l *Link) sel() error {
	l.cs(false)
	if _, err := l.spi.Transfer(0xFF); err != nil {
		l.cs(true)
		return errcode.Wrap(errcode.Timeout, "spi_select", err)
	}
	return nil
}

// desel raises CS and clocks one byte so the card releases DO. A failure
// is reported through err unless an earlier one is already set.
func (l *Link) desel(err *error) {
	l.cs(true)
	if _, e := l.spi.Transfer(0xFF); e != nil && *err == nil {
		*err = errcode.Wrap(errcode.Timeout, "spi_deselect", e)
	}
}

// Command sends cmd and decodes its SPI-mode response. App commands are
// prefixed with CMD55; if the card rejects CMD55 its response is returned.
func (l *Link) Command(cmd uint8, arg uint32) (sdproto.Response, error) {
	if sdproto.IsApp(cmd) {
		r, err := l.command(sdproto.CmdAppCmd, 0)
		if err != nil {
			return r, err
		}
		if r.IllegalCommand(true) {
			return r, nil
		}
	}
	return l.command(cmd, arg)
}

func (l *Link) command(cmd uint8, arg uint32) (resp sdproto.Response, err error) {
	if err := l.sel(); err != nil {
		return resp, err
	}
	defer l.desel(&err)

	r1, err := l.sendFrame(cmd, arg)
	if err != nil {
		return resp, err
	}
	resp.Status = uint32(r1)
	if r1&sdproto.R1IllegalCmd != 0 {
		return resp, nil
	}

	switch {
	case cmd == sdproto.CmdSendIfCond, cmd == sdproto.CmdReadOCR:
		var b [4]byte
		if err := l.spi.Tx(l.ff[:4], b[:]); err != nil {
			return resp, errcode.Wrap(errcode.Timeout, "spi_tx", err)
		}
		resp.Arg = uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	case cmd == sdproto.CmdSendStatus:
		b, err := l.spi.Transfer(0xFF)
		if err != nil {
			return resp, errcode.Wrap(errcode.Timeout, "spi_tx", err)
		}
		resp.Arg = uint32(b)
	case cmd == sdproto.CmdSendCSD, cmd == sdproto.CmdSendCID:
		if r1 != 0 {
			return resp, nil
		}
		if err := l.readData(resp.Reg[:]); err != nil {
			return resp, err
		}
	case sdproto.ResponseKind(cmd) == sdproto.RespR1b:
		if err := l.waitReady(); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

// sendFrame writes the 6-byte frame and polls for R1.
func (l *Link) sendFrame(cmd uint8, arg uint32) (byte, error) {
	f := sdproto.Frame(cmd, arg)
	if err := l.spi.Tx(f[:], nil); err != nil {
		return 0, errcode.Wrap(errcode.Timeout, "spi_tx", err)
	}
	for i := 0; i < l.cfg.NCR; i++ {
		b, err := l.spi.Transfer(0xFF)
		if err != nil {
			return 0, errcode.Wrap(errcode.Timeout, "spi_tx", err)
		}
		if b&sdproto.R1Invalid == 0 {
			return b, nil
		}
	}
	return 0, &errcode.E{C: errcode.Timeout, Op: "command", Msg: cmdName(cmd), Err: ErrNoResponse}
}

// readData waits for the start token and reads len(dst) bytes plus CRC16.
func (l *Link) readData(dst []byte) error {
	var tok byte = 0xFF
	for i := 0; i < l.cfg.TokenPolls && tok == 0xFF; i++ {
		b, err := l.spi.Transfer(0xFF)
		if err != nil {
			return errcode.Wrap(errcode.Timeout, "spi_tx", err)
		}
		tok = b
	}
	switch tok {
	case sdproto.TokenStartBlock:
	case 0xFF:
		return &errcode.E{C: errcode.Timeout, Op: "read_token", Err: ErrNoResponse}
	default:
		return &errcode.E{C: errcode.IOError, Op: "read_token", Err: ErrDataToken}
	}
	if err := l.spi.Tx(l.ff[:len(dst)], dst); err != nil {
		return errcode.Wrap(errcode.IOError, "spi_tx", err)
	}
	if err := l.spi.Tx(l.ff[:2], l.crc[:]); err != nil {
		return errcode.Wrap(errcode.IOError, "spi_tx", err)
	}
	if l.cfg.CheckCRC {
		got := uint16(l.crc[0])<<8 | uint16(l.crc[1])
		if got != sdproto.CRC16(dst) {
			return errcode.New(errcode.CRCMismatch, "read_block", "data crc16")
		}
	}
	return nil
}

// waitReady polls until the card releases DO (0xFF).
func (l *Link) waitReady() error {
	for i := 0; i < l.cfg.BusyPolls; i++ {
		b, err := l.spi.Transfer(0xFF)
		if err != nil {
			return errcode.Wrap(errcode.Timeout, "spi_tx", err)
		}
		if b == 0xFF {
			return nil
		}
	}
	return &errcode.E{C: errcode.Timeout, Op: "busy", Err: ErrNoResponse}
}

// ReadBlock reads one block at the card address (bytes for SDSC,
// blocks for SDHC; the caller converts).
func (l *Link) ReadBlock(addr uint32, dst []byte) (err error) {
	if len(dst) != sdproto.BlockSize {
		return ErrBadLength
	}
	if err := l.sel(); err != nil {
		return err
	}
	defer l.desel(&err)

	r1, err := l.sendFrame(sdproto.CmdReadSingleBlock, addr)
	if err != nil {
		return err
	}
	if r1 != 0 {
		return &errcode.E{C: errcode.IOError, Op: "read_block", Msg: r1Name(r1)}
	}
	return l.readData(dst)
}

// WriteBlock writes one block and waits for the card to finish programming.
func (l *Link) WriteBlock(addr uint32, src []byte) (err error) {
	if len(src) != sdproto.BlockSize {
		return ErrBadLength
	}
	if err := l.sel(); err != nil {
		return err
	}
	defer l.desel(&err)

	r1, err := l.sendFrame(sdproto.CmdWriteBlock, addr)
	if err != nil {
		return err
	}
	if r1 != 0 {
		return &errcode.E{C: errcode.IOError, Op: "write_block", Msg: r1Name(r1)}
	}
	crc := sdproto.CRC16(src)
	hdr := [2]byte{0xFF, sdproto.TokenStartBlock}
	if err := l.spi.Tx(hdr[:], nil); err != nil {
		return errcode.Wrap(errcode.IOError, "spi_tx", err)
	}
	if err := l.spi.Tx(src, nil); err != nil {
		return errcode.Wrap(errcode.IOError, "spi_tx", err)
	}
	tail := [2]byte{byte(crc >> 8), byte(crc)}
	if err := l.spi.Tx(tail[:], nil); err != nil {
		return errcode.Wrap(errcode.IOError, "spi_tx", err)
	}

	resp, err := l.spi.Transfer(0xFF)
	if err != nil {
		return errcode.Wrap(errcode.IOError, "spi_tx", err)
	}
	switch resp & sdproto.DataRespMask {
	case sdproto.DataAccepted:
	case 0x0B:
		return errcode.New(errcode.CRCMismatch, "write_block", "card reported crc error")
	default:
		return &errcode.E{C: errcode.IOError, Op: "write_block", Err: ErrWriteRejected}
	}
	return l.waitReady()
}

func cmdName(cmd uint8) string {
	var buf [3]byte
	if sdproto.IsApp(cmd) {
		return "ACMD" + string(conv.Utoa(buf[:], uint64(sdproto.Index(cmd))))
	}
	return "CMD" + string(conv.Utoa(buf[:], uint64(cmd)))
}

func r1Name(r1 byte) string {
	switch {
	case r1&sdproto.R1AddressError != 0:
		return "address error"
	case r1&sdproto.R1ParamError != 0:
		return "parameter error"
	case r1&sdproto.R1CRCError != 0:
		return "command crc error"
	case r1&sdproto.R1IllegalCmd != 0:
		return "illegal command"
	default:
		var buf [2]byte
		return "r1=0x" + string(conv.U8Hex(buf[:], r1))
	}
}
