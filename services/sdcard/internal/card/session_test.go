package card_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdcard-go/drivers/sdemu"
	"sdcard-go/errcode"
	"sdcard-go/services/sdcard/internal/busdrv"
	"sdcard-go/services/sdcard/internal/card"
	"sdcard-go/services/sdcard/internal/platform"
	"sdcard-go/services/sdcard/internal/platform/boards"
	"sdcard-go/types"
)

func spiConfig() types.BusConfig {
	p := types.UnsetPins()
	p.Clk, p.MOSI, p.MISO, p.CS = 18, 19, 16, 17
	return types.BusConfig{Mode: types.BusSPI, Pins: p, MaxFreqKHz: types.DefaultFreqKHz}
}

func nativeConfig(mode types.BusMode) types.BusConfig {
	p := types.UnsetPins()
	p.Clk, p.Cmd = 14, 15
	p.Data = [4]int{2, 4, 12, 13}
	return types.BusConfig{Mode: mode, Pins: p, MaxFreqKHz: types.DefaultFreqKHz}
}

type rig struct {
	emu  *sdemu.Card
	plat *platform.Emulated
	bus  *busdrv.Handle
	s    *card.Session
}

func newRig(t *testing.T, size int64, opts sdemu.Options, cfg types.BusConfig) *rig {
	t.Helper()
	emu, err := sdemu.NewMemory(size, opts)
	require.NoError(t, err)
	plat := platform.NewEmulated(boards.Host, emu)
	h, err := busdrv.New(plat).Initialize("sd0", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { h.Shutdown() })
	return &rig{
		emu:  emu,
		plat: plat,
		bus:  h,
		s:    card.New(h, card.Options{InitTimeout: 200 * time.Millisecond}),
	}
}

func TestProbe_Matrix(t *testing.T) {
	cases := []struct {
		name     string
		size     int64
		opts     sdemu.Options
		cfg      types.BusConfig
		wantType types.CardType
		wantHC   bool
	}{
		{"spi sdhc", 4 << 20, sdemu.Options{Type: types.CardSDHC}, spiConfig(), types.CardSDHC, true},
		{"spi sdsc v2", 8 << 20, sdemu.Options{Type: types.CardSDSC}, spiConfig(), types.CardSDSC, false},
		{"spi sdsc v1", 8 << 20, sdemu.Options{Type: types.CardSDSC, Version1: true}, spiConfig(), types.CardSDSC, false},
		{"spi mmc", 8 << 20, sdemu.Options{Type: types.CardMMC}, spiConfig(), types.CardMMC, false},
		{"native 4-bit sdhc", 4 << 20, sdemu.Options{Type: types.CardSDHC}, nativeConfig(types.BusSDMMC4Bit), types.CardSDHC, true},
		{"native 1-bit sdsc", 8 << 20, sdemu.Options{Type: types.CardSDSC}, nativeConfig(types.BusSDMMC1Bit), types.CardSDSC, false},
		{"native v1", 8 << 20, sdemu.Options{Type: types.CardSDSC, Version1: true}, nativeConfig(types.BusSDMMC4Bit), types.CardSDSC, false},
		{"native mmc", 8 << 20, sdemu.Options{Type: types.CardMMC}, nativeConfig(types.BusSDMMC4Bit), types.CardMMC, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t, tc.size, tc.opts, tc.cfg)
			assert.Equal(t, types.CardUninitialized, r.s.State())
			_, ok := r.s.Info()
			assert.False(t, ok)

			require.NoError(t, r.s.Probe(context.Background()))
			assert.Equal(t, types.CardReady, r.s.State())

			info, ok := r.s.Info()
			require.True(t, ok)
			assert.Equal(t, tc.wantType, info.Type)
			assert.Equal(t, tc.wantHC, info.HighCapacity)
			assert.Equal(t, uint64(tc.size), info.Capacity)
			assert.Equal(t, uint64(tc.size/512), info.Sectors)
			assert.Equal(t, uint32(512), info.SectorSize)
			assert.Equal(t, sdemu.DefaultCID.ProductName, info.ProductName)

			// Sector I/O works with the addressing mode the card reported.
			buf := bytes.Repeat([]byte{0x5A}, 512)
			last := info.Sectors - 1
			require.NoError(t, r.s.WriteSector(last, buf))
			got := make([]byte, 512)
			require.NoError(t, r.s.ReadSector(last, got))
			assert.Equal(t, buf, got)
		})
	}
}

func TestProbe_RaisesClock(t *testing.T) {
	cfg := nativeConfig(types.BusSDMMC4Bit)
	cfg.MaxFreqKHz = 10000
	r := newRig(t, 4<<20, sdemu.Options{}, cfg)
	require.NoError(t, r.s.Probe(context.Background()))

	info, _ := r.s.Info()
	assert.Equal(t, uint32(10000), info.MaxTransferKHz)
	assert.Equal(t, uint32(10000), r.emu.Host().ClockKHz())

	// CSD TRAN_SPEED (25 MHz) caps a faster request.
	cfg = nativeConfig(types.BusSDMMC4Bit)
	cfg.MaxFreqKHz = types.MaxFreqKHz
	r2 := newRig(t, 4<<20, sdemu.Options{}, cfg)
	require.NoError(t, r2.s.Probe(context.Background()))
	info, _ = r2.s.Info()
	assert.LessOrEqual(t, info.MaxTransferKHz, uint32(25000))
}

func TestProbe_NoCard(t *testing.T) {
	r := newRig(t, 4<<20, sdemu.Options{}, spiConfig())
	r.emu.SetUnresponsive(true)

	err := r.s.Probe(context.Background())
	require.Error(t, err)
	assert.Equal(t, errcode.InitFailed, errcode.Of(err))
	assert.True(t, errcode.Has(err, errcode.Timeout), "bus error is kept in the chain: %v", err)
	assert.Equal(t, types.CardFailed, r.s.State())
	assert.Equal(t, err, r.s.Err())

	// A failed session refuses sector I/O.
	err = r.s.ReadSector(0, make([]byte, 512))
	assert.Equal(t, errcode.CardNotReady, errcode.Of(err))

	// Recovery from Failed.
	r.emu.SetUnresponsive(false)
	require.NoError(t, r.s.Probe(context.Background()))
	assert.Equal(t, types.CardReady, r.s.State())
}

func TestProbe_BusyCardTimesOut(t *testing.T) {
	// A card that never leaves power-up hits the bounded ACMD41 loop.
	r := newRig(t, 4<<20, sdemu.Options{InitPolls: 1 << 30}, nativeConfig(types.BusSDMMC1Bit))
	start := time.Now()
	err := r.s.Probe(context.Background())
	require.Error(t, err)
	assert.Equal(t, errcode.InitFailed, errcode.Of(err))
	assert.True(t, errcode.Has(err, errcode.Timeout))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProbe_ContextCancel(t *testing.T) {
	r := newRig(t, 4<<20, sdemu.Options{InitPolls: 1 << 30}, spiConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.s.Probe(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, types.CardFailed, r.s.State())
}

func TestRelease(t *testing.T) {
	r := newRig(t, 4<<20, sdemu.Options{}, spiConfig())
	require.NoError(t, r.s.Probe(context.Background()))
	r.s.Release()

	assert.Equal(t, types.CardUninitialized, r.s.State())
	_, ok := r.s.Info()
	assert.False(t, ok)
	err := r.s.WriteSector(0, make([]byte, 512))
	assert.Equal(t, errcode.CardNotReady, errcode.Of(err))
}

func TestSectorBounds(t *testing.T) {
	r := newRig(t, 4<<20, sdemu.Options{}, spiConfig())
	require.NoError(t, r.s.Probe(context.Background()))
	info, _ := r.s.Info()
	err := r.s.ReadSector(info.Sectors, make([]byte, 512))
	assert.Equal(t, errcode.IOError, errcode.Of(err))
}

func TestSectorIOFailure(t *testing.T) {
	r := newRig(t, 4<<20, sdemu.Options{}, nativeConfig(types.BusSDMMC4Bit))
	require.NoError(t, r.s.Probe(context.Background()))
	r.emu.FailReads(1)
	err := r.s.ReadSector(3, make([]byte, 512))
	require.Error(t, err)
	assert.Equal(t, errcode.CRCMismatch, errcode.Of(err))
	// The card stays usable.
	assert.NoError(t, r.s.ReadSector(3, make([]byte, 512)))
}
