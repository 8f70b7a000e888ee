// Package mount owns the filesystem lifecycle on top of an identified card.
// All mount-state changes happen here, under one lock.
package mount

import (
	"context"
	"errors"
	"os"
	"path"
	"sync"

	"tinygo.org/x/tinyfs"

	"sdcard-go/errcode"
	"sdcard-go/types"
	"sdcard-go/x/logx"
	"sdcard-go/x/strx"
)

// DefaultMountPoint is where the volume appears when none is configured.
const DefaultMountPoint = "/sdcard"

// Card is the part of a card session the manager needs.
type Card interface {
	State() types.CardState
	Probe(ctx context.Context) error
	Release()
	BlockDevice() tinyfs.BlockDevice
}

type Options struct {
	MountPoint          string
	FormatIfMountFailed bool
	Driver              Driver // nil: FAT
}

type Manager struct {
	card Card
	opts Options
	log  *logx.Logger

	mu      sync.Mutex
	state   types.MountState
	vol     Volume
	dev     tinyfs.BlockDevice
	onState func(types.MountState)
}

func New(c Card, opts Options) *Manager {
	opts.MountPoint = path.Clean(strx.Coalesce(opts.MountPoint, DefaultMountPoint))
	if opts.Driver == nil {
		opts.Driver = FAT
	}
	return &Manager{card: c, opts: opts, log: logx.For(logx.ComponentMount).With("mount_point", opts.MountPoint)}
}

// OnState registers a callback run (under the manager lock) after every
// state change. It must not call back into the manager.
func (m *Manager) OnState(fn func(types.MountState)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

func (m *Manager) MountPoint() string { return m.opts.MountPoint }

func (m *Manager) State() types.MountState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s types.MountState) {
	if m.state == s {
		return
	}
	m.log.Debug("state", "from", m.state.String(), "to", s.String())
	m.state = s
	if m.onState != nil {
		m.onState(s)
	}
}

// Mount identifies the card if needed and attaches the filesystem. With
// FormatIfMountFailed an unformatted card is formatted and mounted again,
// once. Mounting an already mounted volume is a no-op.
func (m *Manager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == types.Mounted {
		return nil
	}
	m.setState(types.Mounting)

	if m.card.State() != types.CardReady {
		if err := m.card.Probe(ctx); err != nil {
			m.setState(types.MountFailed)
			return err
		}
	}

	dev := m.card.BlockDevice()
	vol := m.opts.Driver(dev)
	err := vol.Mount()
	if errcode.Has(err, errcode.NoFilesystem) {
		if !m.opts.FormatIfMountFailed {
			m.setState(types.MountFailed)
			m.log.Warn("no filesystem on card")
			return err
		}
		m.log.Warn("no filesystem, formatting")
		if err = vol.Format(); err == nil {
			err = vol.Mount()
		}
	}
	if err != nil {
		m.setState(types.MountFailed)
		m.log.Error("mount failed", "err", err)
		return errcode.Wrap(errcode.MountFailed, "mount", err)
	}

	m.vol, m.dev = vol, dev
	m.setState(types.Mounted)
	m.log.Info("mounted")
	return nil
}

// Unmount flushes and detaches the volume and releases the card. It is a
// no-op when nothing is mounted. The manager ends Unmounted even when the
// flush fails.
func (m *Manager) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vol == nil {
		if m.state != types.Unmounted {
			m.card.Release()
		}
		m.setState(types.Unmounted)
		return nil
	}
	err := m.vol.Unmount()
	m.vol, m.dev = nil, nil
	m.card.Release()
	m.setState(types.Unmounted)
	if err != nil {
		m.log.Warn("unmount flush failed", "err", err)
		return err
	}
	m.log.Info("unmounted")
	return nil
}

// Do runs fn with the mounted filesystem. Nothing else touches the volume
// while fn runs.
func (m *Manager) Do(fn func(fs Filesystem) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != types.Mounted {
		return errcode.New(errcode.NotMounted, "", m.state.String())
	}
	return fn(m.vol)
}

// QueryUsage computes space figures from the filesystem on every call.
func (m *Manager) QueryUsage() (types.SpaceUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != types.Mounted {
		return types.SpaceUsage{}, errcode.New(errcode.NotMounted, "usage", m.state.String())
	}
	total := uint64(m.dev.Size())

	if f, ok := m.vol.(interface{ Free() (int64, error) }); ok {
		free, err := f.Free()
		switch {
		case err == nil:
			u := uint64(free)
			if u > total {
				u = total
			}
			return types.SpaceUsage{TotalBytes: total, UsedBytes: total - u, FreeBytes: u}, nil
		case !errors.Is(err, errNoFree):
			return types.SpaceUsage{}, err
		}
	}

	used, err := DirBytes(m.vol, "/")
	if err != nil {
		return types.SpaceUsage{}, err
	}
	if used > total {
		used = total
	}
	return types.SpaceUsage{TotalBytes: total, UsedBytes: used, FreeBytes: total - used}, nil
}

// DirBytes sums the sizes of all files below dir.
func DirBytes(fs Filesystem, dir string) (uint64, error) {
	fis, err := ReadDir(fs, dir)
	if err != nil {
		return 0, err
	}
	var n uint64
	for _, fi := range fis {
		if fi.IsDir() {
			sub, err := DirBytes(fs, path.Join(dir, fi.Name()))
			if err != nil {
				return 0, err
			}
			n += sub
			continue
		}
		n += uint64(fi.Size())
	}
	return n, nil
}

// ReadDir lists a directory without its "." and ".." entries.
func ReadDir(fs Filesystem, dir string) ([]os.FileInfo, error) {
	f, err := fs.OpenFile(dir, os.O_RDONLY)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fis, err := f.Readdir(0)
	if err != nil {
		return nil, errcode.PathErr(errcode.Of(err), "readdir", dir, err)
	}
	out := fis[:0]
	for _, fi := range fis {
		if n := fi.Name(); n == "." || n == ".." {
			continue
		}
		out = append(out, fi)
	}
	return out, nil
}
