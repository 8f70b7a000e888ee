//go:build !rp2040 && !rp2350

package platform_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdcard-go/drivers/sdemu"
	"sdcard-go/services/sdcard/internal/platform"
	"sdcard-go/services/sdcard/internal/platform/boards"
	"sdcard-go/types"
)

func imageSlot(t *testing.T, size int64) (*platform.Emulated, afero.Fs, string) {
	t.Helper()
	fs := afero.NewOsFs()
	path := filepath.Join(t.TempDir(), "card.img")
	f, err := sdemu.CreateImage(fs, path, size)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	card, err := sdemu.Open(fs, path, sdemu.Options{Type: types.CardSDHC})
	require.NoError(t, err)
	t.Cleanup(func() { card.Close() })
	return platform.NewEmulated(boards.Host, card), fs, path
}

func edge(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("no card-detect edge")
		return false
	}
}

func TestWatchImage_RemoveAndRecreate(t *testing.T) {
	e, fs, path := imageSlot(t, 4<<20)
	cd, err := e.CardDetect(0)
	require.NoError(t, err)
	require.True(t, cd.Present())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- platform.WatchImage(ctx, e, fs, path) }()
	time.Sleep(100 * time.Millisecond) // watcher registration

	require.NoError(t, fs.Remove(path))
	assert.False(t, edge(t, cd.Changes()))
	assert.False(t, cd.Present())

	f, err := sdemu.CreateImage(fs, path, 8<<20)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.Eventually(t, cd.Present, 2*time.Second, 10*time.Millisecond)
	assert.True(t, edge(t, cd.Changes()))
	assert.Equal(t, uint64(8<<20), e.Card().Capacity(), "fresh medium")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWatchImage_IgnoresSiblings(t *testing.T) {
	e, fs, path := imageSlot(t, 4<<20)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go platform.WatchImage(ctx, e, fs, path)
	time.Sleep(100 * time.Millisecond)

	other := filepath.Join(filepath.Dir(path), "other.img")
	require.NoError(t, afero.WriteFile(fs, other, []byte("x"), 0o644))
	require.NoError(t, fs.Remove(other))
	time.Sleep(100 * time.Millisecond)
	assert.True(t, e.Card().Present())
}

func TestWatchImage_MissingDir(t *testing.T) {
	e, fs, _ := imageSlot(t, 4<<20)
	err := platform.WatchImage(context.Background(), e, fs, filepath.Join(t.TempDir(), "gone", "card.img"))
	assert.Error(t, err)
}
