//go:build !rp2040 && !rp2350

package sdcard_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdcard-go/bus"
	"sdcard-go/errcode"
	"sdcard-go/services/sdcard"
	"sdcard-go/services/sdcard/internal/service"
	"sdcard-go/types"
)

func TestEmulator_WatchRemountsImage(t *testing.T) {
	fs := afero.NewOsFs()
	path := filepath.Join(t.TempDir(), "card.img")
	require.NoError(t, sdcard.CreateImage(fs, path, 4<<20))
	emu, err := sdcard.OpenImage(fs, path, types.CardSDHC)
	require.NoError(t, err)
	t.Cleanup(func() { emu.Close() })

	cfg := fourBit()
	cfg.UpdateInterval = "1h"
	cfg.CardDetectPin = 20
	c, err := sdcard.New(cfg, emu, sdcard.Options{Filesystem: sdcard.HostDir(afero.NewMemMapFs()), InitTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Setup(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b := bus.NewBus(32)
	go c.Run(ctx, b.NewConnection("sdcard"))
	watched := make(chan error, 1)
	go func() { watched <- emu.Watch(ctx) }()

	s := &served{c: c, plat: emu.Emulated, b: b, cli: b.NewConnection("client")}
	s.waitMount(t, "mounted")
	time.Sleep(100 * time.Millisecond) // watcher registration

	require.NoError(t, fs.Remove(path))
	s.waitMount(t, "unmounted")
	assert.False(t, c.Present())
	assert.Equal(t, "not_mounted", s.call(t, service.VerbUsage, nil).Error)

	require.NoError(t, sdcard.CreateImage(fs, path, 8<<20))
	s.waitMount(t, "mounted")
	info, err := c.CardInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(8<<20), info.Capacity)

	cancel()
	assert.ErrorIs(t, <-watched, context.Canceled)
}

func TestEmulator_MemoryCardWatchBlocks(t *testing.T) {
	emu, err := sdcard.MemoryCard(4<<20, types.CardSDHC)
	require.NoError(t, err)
	defer emu.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, emu.Watch(ctx), context.DeadlineExceeded)
}

func TestOpenImage_Missing(t *testing.T) {
	_, err := sdcard.OpenImage(afero.NewMemMapFs(), "/nope.img", types.CardSDHC)
	assert.Equal(t, errcode.NotFound, errcode.Of(err))
}

func TestParseCardType(t *testing.T) {
	ct, err := sdcard.ParseCardType("sdxc")
	require.NoError(t, err)
	assert.Equal(t, types.CardSDXC, ct)
	_, err = sdcard.ParseCardType("floppy")
	assert.Equal(t, errcode.InvalidParams, errcode.Of(err))
}
