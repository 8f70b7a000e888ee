package sdspi

import (
	"bytes"
	"errors"
	"testing"

	"tinygo.org/x/drivers"

	"sdcard-go/drivers/sdemu"
	"sdcard-go/drivers/sdproto"
	"sdcard-go/errcode"
	"sdcard-go/types"
)

func newLink(t *testing.T, opts sdemu.Options) (*Link, *sdemu.Card) {
	t.Helper()
	card, err := sdemu.NewMemory(4<<20, opts)
	if err != nil {
		t.Fatalf("emulator: %v", err)
	}
	port := card.SPI()
	l := New(port, port.ChipSelect, nil, Config{CheckCRC: true})
	if err := l.PowerUp(); err != nil {
		t.Fatalf("power up: %v", err)
	}
	return l, card
}

func mustCmd(t *testing.T, l *Link, cmd uint8, arg uint32) sdproto.Response {
	t.Helper()
	r, err := l.Command(cmd, arg)
	if err != nil {
		t.Fatalf("cmd %d: %v", cmd, err)
	}
	return r
}

func initHC(t *testing.T, l *Link) {
	t.Helper()
	if r := mustCmd(t, l, sdproto.CmdGoIdleState, 0); byte(r.Status) != sdproto.R1Idle {
		t.Fatalf("CMD0 r1=%#x", r.Status)
	}
	if r := mustCmd(t, l, sdproto.CmdSendIfCond, sdproto.IfCondArg); r.Arg&0xFFF != sdproto.IfCondArg {
		t.Fatalf("CMD8 echo %#x", r.Arg)
	}
	for i := 0; ; i++ {
		r := mustCmd(t, l, sdproto.App|sdproto.ACmdSDSendOpCond, sdproto.HCS)
		if byte(r.Status) == 0 {
			break
		}
		if i > 10 {
			t.Fatal("ACMD41 never completed")
		}
	}
}

func TestIdentifyHighCapacity(t *testing.T) {
	l, _ := newLink(t, sdemu.Options{Type: types.CardSDHC})
	initHC(t, l)

	ocr := mustCmd(t, l, sdproto.CmdReadOCR, 0).Arg
	if ocr&sdproto.OCRCCS == 0 {
		t.Fatalf("expected CCS in OCR %#x", ocr)
	}
	r := mustCmd(t, l, sdproto.CmdSendCSD, 0)
	csd, err := sdproto.ParseCSD(r.Reg, false)
	if err != nil {
		t.Fatalf("csd: %v", err)
	}
	if csd.Capacity != 4<<20 {
		t.Fatalf("capacity %d", csd.Capacity)
	}
	cid := sdproto.ParseCID(mustCmd(t, l, sdproto.CmdSendCID, 0).Reg)
	if cid.ProductName != sdemu.DefaultCID.ProductName {
		t.Fatalf("cid %+v", cid)
	}
}

func TestBlockRoundTrip(t *testing.T) {
	l, card := newLink(t, sdemu.Options{Type: types.CardSDHC})
	initHC(t, l)

	blk := bytes.Repeat([]byte{0xA5, 0x5A, 0x00, 0xFE}, sdproto.BlockSize/4)
	if err := l.WriteBlock(3, blk); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, sdproto.BlockSize)
	if err := l.ReadBlock(3, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, blk) {
		t.Fatal("read back differs")
	}
	if r, w := card.Stats(); r != 1 || w != 1 {
		t.Fatalf("stats reads=%d writes=%d", r, w)
	}
}

func TestVersion1RejectsIfCond(t *testing.T) {
	l, _ := newLink(t, sdemu.Options{Type: types.CardSDSC, Version1: true})
	mustCmd(t, l, sdproto.CmdGoIdleState, 0)
	r := mustCmd(t, l, sdproto.CmdSendIfCond, sdproto.IfCondArg)
	if !r.IllegalCommand(true) {
		t.Fatalf("expected illegal command, r1=%#x", r.Status)
	}
}

func TestFailures(t *testing.T) {
	l, card := newLink(t, sdemu.Options{Type: types.CardSDHC})
	initHC(t, l)

	card.FailReads(1)
	err := l.ReadBlock(0, make([]byte, sdproto.BlockSize))
	if errcode.Of(err) != errcode.IOError {
		t.Fatalf("injected read failure: got %v", err)
	}

	err = l.ReadBlock(1<<20, make([]byte, sdproto.BlockSize))
	if errcode.Of(err) != errcode.IOError {
		t.Fatalf("out of range read: got %v", err)
	}

	card.FailWrites(1)
	err = l.WriteBlock(0, make([]byte, sdproto.BlockSize))
	if !errors.Is(err, ErrWriteRejected) {
		t.Fatalf("injected write failure: got %v", err)
	}

	card.SetPresent(false)
	_, err = l.Command(sdproto.CmdGoIdleState, 0)
	if !errors.Is(err, errcode.Timeout) {
		t.Fatalf("absent card: got %v", err)
	}
}

func TestBadLength(t *testing.T) {
	l, _ := newLink(t, sdemu.Options{})
	if err := l.ReadBlock(0, make([]byte, 10)); !errors.Is(err, ErrBadLength) {
		t.Fatalf("got %v", err)
	}
}

// framedSPI fails single-byte transfers made while CS is at the given level.
type framedSPI struct {
	drivers.SPI
	cs     func(bool)
	high   bool
	failOn *bool
}

func (f *framedSPI) chipSelect(level bool) { f.high = level; f.cs(level) }

func (f *framedSPI) Transfer(b byte) (byte, error) {
	if f.failOn != nil && *f.failOn == f.high {
		return 0, errors.New("bus fault")
	}
	return f.SPI.Transfer(b)
}

func TestChipSelectErrors(t *testing.T) {
	card, err := sdemu.NewMemory(4<<20, sdemu.Options{Type: types.CardSDHC})
	if err != nil {
		t.Fatalf("emulator: %v", err)
	}
	port := card.SPI()
	spi := &framedSPI{SPI: port, cs: port.ChipSelect}
	l := New(spi, spi.chipSelect, nil, Config{})
	if err := l.PowerUp(); err != nil {
		t.Fatalf("power up: %v", err)
	}

	low := false
	spi.failOn = &low
	_, err = l.Command(sdproto.CmdGoIdleState, 0)
	if !errors.Is(err, errcode.Timeout) {
		t.Fatalf("select: got %v", err)
	}
	if !spi.high {
		t.Fatal("chip select left asserted after a failed select")
	}

	high := true
	spi.failOn = &high
	_, err = l.Command(sdproto.CmdGoIdleState, 0)
	if !errors.Is(err, errcode.Timeout) {
		t.Fatalf("deselect: got %v", err)
	}
	var e *errcode.E
	if !errors.As(err, &e) || e.Op != "spi_deselect" {
		t.Fatalf("deselect: got %v", err)
	}

	spi.failOn = nil
	mustCmd(t, l, sdproto.CmdGoIdleState, 0)
}
