// Package sdmmc drives a card in native SD mode through a host controller.
// The Host abstracts the controller (SDMMC peripheral or PIO program): it
// shifts command frames and data blocks; this package adds SD semantics.
package sdmmc

import (
	"errors"

	"sdcard-go/drivers/sdproto"
	"sdcard-go/errcode"
)

// Host is the controller contract. Command takes a bare command index.
type Host interface {
	SetClock(khz uint32) error
	SetBusWidth(width uint8) error
	Command(cmd uint8, arg uint32, kind sdproto.RespKind) (sdproto.Response, error)
	// ReadData receives one data block for the preceding read command.
	ReadData(dst []byte) error
	// WriteData sends one data block for the preceding write command and
	// returns once the card leaves busy.
	WriteData(src []byte) error
}

// Errors a Host reports; anything else is treated as an I/O failure.
var (
	ErrNoResponse  = errors.New("sdmmc: no response")
	ErrCRC         = errors.New("sdmmc: crc error")
	ErrDataTimeout = errors.New("sdmmc: data timeout")
	ErrBadLength   = errors.New("sdmmc: buffer must be one block")
)

// Link is one card behind one host.
type Link struct {
	host  Host
	rca   uint16
	width uint8
}

func New(h Host) *Link { return &Link{host: h, width: 1} }

// PowerUp starts the identification clock.
func (l *Link) PowerUp(initKHz uint32) error {
	l.rca = 0
	if err := l.host.SetBusWidth(1); err != nil {
		return mapErr("set_bus_width", err)
	}
	l.width = 1
	return mapErr("set_clock", l.host.SetClock(initKHz))
}

// SetRCA records the relative card address used for addressed commands.
func (l *Link) SetRCA(rca uint16) { l.rca = rca }
func (l *Link) RCA() uint16       { return l.rca }
func (l *Link) Width() uint8      { return l.width }

func (l *Link) SetClock(khz uint32) error { return mapErr("set_clock", l.host.SetClock(khz)) }

// SetBusWidth switches the host side; the card side is ACMD6, sent by the caller.
func (l *Link) SetBusWidth(w uint8) error {
	if err := l.host.SetBusWidth(w); err != nil {
		return mapErr("set_bus_width", err)
	}
	l.width = w
	return nil
}

// Command sends cmd, prefixing app commands with CMD55 addressed to the
// current RCA. A card that does not accept CMD55 yields its status.
func (l *Link) Command(cmd uint8, arg uint32) (sdproto.Response, error) {
	if sdproto.IsApp(cmd) {
		r, err := l.host.Command(sdproto.CmdAppCmd, uint32(l.rca)<<16, sdproto.RespR1)
		if err != nil {
			return r, mapErr("CMD55", err)
		}
		if r.Status&sdproto.StatusAppCmd == 0 {
			r.Status |= sdproto.StatusIllegalCmd
			return r, nil
		}
	}
	r, err := l.host.Command(sdproto.Index(cmd), arg, sdproto.ResponseKind(cmd))
	return r, mapErr("command", err)
}

// ReadBlock reads one block at the card address.
func (l *Link) ReadBlock(addr uint32, dst []byte) error {
	if len(dst) != sdproto.BlockSize {
		return ErrBadLength
	}
	r, err := l.host.Command(sdproto.CmdReadSingleBlock, addr, sdproto.RespR1)
	if err != nil {
		return mapErr("read_block", err)
	}
	if r.Status&sdproto.StatusErrors != 0 {
		return &errcode.E{C: errcode.IOError, Op: "read_block", Msg: "card status error"}
	}
	return mapErr("read_data", l.host.ReadData(dst))
}

// WriteBlock writes one block; the host waits out the busy phase.
func (l *Link) WriteBlock(addr uint32, src []byte) error {
	if len(src) != sdproto.BlockSize {
		return ErrBadLength
	}
	r, err := l.host.Command(sdproto.CmdWriteBlock, addr, sdproto.RespR1)
	if err != nil {
		return mapErr("write_block", err)
	}
	if r.Status&sdproto.StatusErrors != 0 {
		return &errcode.E{C: errcode.IOError, Op: "write_block", Msg: "card status error"}
	}
	return mapErr("write_data", l.host.WriteData(src))
}

func mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNoResponse), errors.Is(err, ErrDataTimeout):
		return errcode.Wrap(errcode.Timeout, op, err)
	case errors.Is(err, ErrCRC):
		return errcode.Wrap(errcode.CRCMismatch, op, err)
	default:
		return errcode.Wrap(errcode.IOError, op, err)
	}
}
