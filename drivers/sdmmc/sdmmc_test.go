package sdmmc_test

import (
	"bytes"
	"errors"
	"testing"

	"sdcard-go/drivers/sdemu"
	"sdcard-go/drivers/sdmmc"
	"sdcard-go/drivers/sdproto"
	"sdcard-go/errcode"
	"sdcard-go/types"
)

// identify walks the native identification sequence up to transfer state.
func identify(t *testing.T, l *sdmmc.Link) {
	t.Helper()
	if _, err := l.Command(sdproto.CmdGoIdleState, 0); err != nil {
		t.Fatalf("CMD0: %v", err)
	}
	if r, err := l.Command(sdproto.CmdSendIfCond, sdproto.IfCondArg); err != nil || r.Arg&0xFF != 0xAA {
		t.Fatalf("CMD8: %v %#x", err, r.Arg)
	}
	for i := 0; ; i++ {
		r, err := l.Command(sdproto.App|sdproto.ACmdSDSendOpCond, sdproto.HCS|sdproto.OCRVoltage)
		if err != nil {
			t.Fatalf("ACMD41: %v", err)
		}
		if r.Arg&sdproto.OCRBusy != 0 {
			break
		}
		if i > 10 {
			t.Fatal("ACMD41 never completed")
		}
	}
	if _, err := l.Command(sdproto.CmdAllSendCID, 0); err != nil {
		t.Fatalf("CMD2: %v", err)
	}
	r, err := l.Command(sdproto.CmdSendRelativeAddr, 0)
	if err != nil {
		t.Fatalf("CMD3: %v", err)
	}
	l.SetRCA(uint16(r.Arg >> 16))
	if _, err := l.Command(sdproto.CmdSelectCard, uint32(l.RCA())<<16); err != nil {
		t.Fatalf("CMD7: %v", err)
	}
}

func TestFourBitTransfer(t *testing.T) {
	card, err := sdemu.NewMemory(2<<20, sdemu.Options{Type: types.CardSDHC})
	if err != nil {
		t.Fatal(err)
	}
	l := sdmmc.New(card.Host())
	if err := l.PowerUp(400); err != nil {
		t.Fatal(err)
	}
	identify(t, l)

	// Host switched to 4 bits before the card: data phase must fail.
	if err := l.SetBusWidth(4); err != nil {
		t.Fatal(err)
	}
	if err := l.ReadBlock(0, make([]byte, sdproto.BlockSize)); errcode.Of(err) != errcode.IOError {
		t.Fatalf("width mismatch: got %v", err)
	}

	if _, err := l.Command(sdproto.App|sdproto.ACmdSetBusWidth, 2); err != nil {
		t.Fatalf("ACMD6: %v", err)
	}
	blk := bytes.Repeat([]byte("sdmmc-4bit!"), 64)[:sdproto.BlockSize]
	if err := l.WriteBlock(7, blk); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, sdproto.BlockSize)
	if err := l.ReadBlock(7, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, blk) {
		t.Fatal("read back differs")
	}
}

func TestNoCardTimesOut(t *testing.T) {
	card, err := sdemu.NewMemory(1<<20, sdemu.Options{})
	if err != nil {
		t.Fatal(err)
	}
	card.SetPresent(false)
	l := sdmmc.New(card.Host())
	_, err = l.Command(sdproto.CmdSendIfCond, sdproto.IfCondArg)
	if !errors.Is(err, errcode.Timeout) || !errors.Is(err, sdmmc.ErrNoResponse) {
		t.Fatalf("got %v", err)
	}
}

func TestMMCRejectsAppCommands(t *testing.T) {
	card, err := sdemu.NewMemory(1<<20, sdemu.Options{Type: types.CardMMC})
	if err != nil {
		t.Fatal(err)
	}
	l := sdmmc.New(card.Host())
	_, err = l.Command(sdproto.App|sdproto.ACmdSDSendOpCond, 0)
	if !errors.Is(err, errcode.Timeout) {
		t.Fatalf("got %v", err)
	}
	r, err := l.Command(sdproto.CmdSendOpCond, sdproto.OCRVoltage)
	if err != nil {
		t.Fatalf("CMD1: %v", err)
	}
	if r.Arg&sdproto.OCRVoltage == 0 {
		t.Fatalf("CMD1 ocr %#x lacks voltage window", r.Arg)
	}
}
