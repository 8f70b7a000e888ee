package mount_test

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/tinyfs"

	"sdcard-go/errcode"
	"sdcard-go/services/sdcard/internal/mount"
	"sdcard-go/types"
)

// fakeCard stands in for a card session.
type fakeCard struct {
	state    types.CardState
	probeErr error
	probes   int
	releases int
	size     int64
}

func (c *fakeCard) State() types.CardState { return c.state }
func (c *fakeCard) Release()               { c.releases++; c.state = types.CardUninitialized }
func (c *fakeCard) Probe(context.Context) error {
	c.probes++
	if c.probeErr != nil {
		c.state = types.CardFailed
		return c.probeErr
	}
	c.state = types.CardReady
	return nil
}
func (c *fakeCard) BlockDevice() tinyfs.BlockDevice { return sizeDev(c.size) }

type sizeDev int64

func (d sizeDev) ReadAt([]byte, int64) (int, error)      { return 0, io.EOF }
func (d sizeDev) WriteAt(p []byte, _ int64) (int, error) { return len(p), nil }
func (d sizeDev) Size() int64                            { return int64(d) }
func (d sizeDev) WriteBlockSize() int64                  { return 512 }
func (d sizeDev) EraseBlockSize() int64                  { return 512 }
func (d sizeDev) EraseBlocks(int64, int64) error         { return nil }

func newManager(formatted, autoFormat bool) (*mount.Manager, *fakeCard, *mount.HostDir) {
	c := &fakeCard{size: 1 << 20}
	h := mount.NewHostDir(afero.NewMemMapFs(), formatted)
	m := mount.New(c, mount.Options{FormatIfMountFailed: autoFormat, Driver: h.Driver()})
	return m, c, h
}

func writeFile(t *testing.T, m *mount.Manager, path string, data []byte) {
	t.Helper()
	err := m.Do(func(fs mount.Filesystem) error {
		f, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
	require.NoError(t, err)
}

func TestUsage_NotMounted(t *testing.T) {
	m, _, _ := newManager(true, false)
	assert.Equal(t, mount.DefaultMountPoint, m.MountPoint())
	assert.Equal(t, types.Unmounted, m.State())

	_, err := m.QueryUsage()
	assert.Equal(t, errcode.NotMounted, errcode.Of(err))

	err = m.Do(func(mount.Filesystem) error { return nil })
	assert.Equal(t, errcode.NotMounted, errcode.Of(err))
}

func TestMountUnmountMount_UsageRoundTrip(t *testing.T) {
	m, card, _ := newManager(true, false)
	ctx := context.Background()

	require.NoError(t, m.Mount(ctx))
	assert.Equal(t, types.Mounted, m.State())
	assert.Equal(t, 1, card.probes)

	writeFile(t, m, "/a.bin", make([]byte, 1000))
	require.NoError(t, m.Do(func(fs mount.Filesystem) error { return fs.Mkdir("/logs") }))
	writeFile(t, m, "/logs/b.bin", make([]byte, 24))

	u1, err := m.QueryUsage()
	require.NoError(t, err)
	assert.Equal(t, types.SpaceUsage{TotalBytes: 1 << 20, UsedBytes: 1024, FreeBytes: 1<<20 - 1024}, u1)

	require.NoError(t, m.Unmount())
	assert.Equal(t, types.Unmounted, m.State())
	assert.Equal(t, 1, card.releases)
	assert.Equal(t, types.CardUninitialized, card.state)
	_, err = m.QueryUsage()
	assert.Equal(t, errcode.NotMounted, errcode.Of(err))

	require.NoError(t, m.Mount(ctx))
	assert.Equal(t, 2, card.probes, "card is re-identified after release")
	u2, err := m.QueryUsage()
	require.NoError(t, err)
	assert.Equal(t, u1, u2)
}

func TestUsage_NotCached(t *testing.T) {
	m, _, _ := newManager(true, false)
	require.NoError(t, m.Mount(context.Background()))

	u1, err := m.QueryUsage()
	require.NoError(t, err)
	writeFile(t, m, "/grow.bin", make([]byte, 4096))
	u2, err := m.QueryUsage()
	require.NoError(t, err)
	assert.Equal(t, u1.UsedBytes+4096, u2.UsedBytes)
}

func TestMount_Idempotent(t *testing.T) {
	m, card, _ := newManager(true, false)
	ctx := context.Background()
	require.NoError(t, m.Mount(ctx))
	require.NoError(t, m.Mount(ctx))
	assert.Equal(t, 1, card.probes)

	require.NoError(t, m.Unmount())
	require.NoError(t, m.Unmount())
	assert.Equal(t, 1, card.releases)
}

func TestMount_NoFilesystem(t *testing.T) {
	m, _, _ := newManager(false, false)
	err := m.Mount(context.Background())
	require.Error(t, err)
	assert.Equal(t, errcode.NoFilesystem, errcode.Of(err))
	assert.Equal(t, types.MountFailed, m.State())

	// Unmount from MountFailed settles in Unmounted.
	require.NoError(t, m.Unmount())
	assert.Equal(t, types.Unmounted, m.State())
}

func TestMount_FormatsOnce(t *testing.T) {
	m, _, _ := newManager(false, true)
	var seen []types.MountState
	m.OnState(func(s types.MountState) { seen = append(seen, s) })

	require.NoError(t, m.Mount(context.Background()))
	assert.Equal(t, types.Mounted, m.State())
	assert.Equal(t, []types.MountState{types.Mounting, types.Mounted}, seen)

	u, err := m.QueryUsage()
	require.NoError(t, err)
	assert.Zero(t, u.UsedBytes)
}

func TestMount_ProbeFailure(t *testing.T) {
	m, card, _ := newManager(true, false)
	card.probeErr = errcode.Wrap(errcode.InitFailed, "probe", errcode.New(errcode.Timeout, "command", "CMD0"))

	err := m.Mount(context.Background())
	require.Error(t, err)
	assert.Equal(t, errcode.InitFailed, errcode.Of(err))
	assert.Equal(t, types.MountFailed, m.State())

	card.probeErr = nil
	require.NoError(t, m.Mount(context.Background()))
	assert.Equal(t, types.Mounted, m.State())
}

type failingVolume struct{ mount.Volume }

func (failingVolume) Mount() error { return errors.New("bad superblock") }

func TestMount_OtherFailure(t *testing.T) {
	c := &fakeCard{size: 1 << 20}
	h := mount.NewHostDir(afero.NewMemMapFs(), true)
	m := mount.New(c, mount.Options{
		FormatIfMountFailed: true,
		Driver: func(dev tinyfs.BlockDevice) mount.Volume {
			return failingVolume{h.Driver()(dev)}
		},
	})
	err := m.Mount(context.Background())
	require.Error(t, err)
	assert.Equal(t, errcode.MountFailed, errcode.Of(err))
	assert.Equal(t, types.MountFailed, m.State())
}

func TestReadDir_SkipsDots(t *testing.T) {
	m, _, _ := newManager(true, false)
	require.NoError(t, m.Mount(context.Background()))
	writeFile(t, m, "/x", []byte("1"))
	require.NoError(t, m.Do(func(fs mount.Filesystem) error {
		fis, err := mount.ReadDir(fs, "/")
		if err != nil {
			return err
		}
		require.Len(t, fis, 1)
		assert.Equal(t, "x", fis[0].Name())
		return nil
	}))
}

func TestNew_MountPointCleaned(t *testing.T) {
	for in, want := range map[string]string{"": "/sdcard", "/sd/": "/sd", "/a//b/": "/a/b", "/": "/"} {
		m := mount.New(&fakeCard{}, mount.Options{MountPoint: in})
		assert.Equal(t, want, m.MountPoint(), in)
	}
}
