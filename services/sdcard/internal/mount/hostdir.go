package mount

import (
	"errors"
	"os"
	"sync"

	"github.com/spf13/afero"
	"tinygo.org/x/tinyfs"

	"sdcard-go/errcode"
)

// HostDir serves volumes from an afero filesystem instead of the card's
// sectors. The card still has to identify before a mount; its capacity
// bounds the reported usage. Formatted state survives unmounts the way it
// would on a medium.
type HostDir struct {
	fs afero.Fs

	mu        sync.Mutex
	formatted bool
}

// NewHostDir wraps fs. An unformatted HostDir fails to mount with
// NoFilesystem until Format runs.
func NewHostDir(fs afero.Fs, formatted bool) *HostDir {
	return &HostDir{fs: fs, formatted: formatted}
}

// Driver returns the attach function for a Manager.
func (h *HostDir) Driver() Driver {
	return func(dev tinyfs.BlockDevice) Volume { return &hostVolume{h: h} }
}

type hostVolume struct{ h *HostDir }

func (v *hostVolume) Mount() error {
	v.h.mu.Lock()
	defer v.h.mu.Unlock()
	if !v.h.formatted {
		return errcode.New(errcode.NoFilesystem, "mount", "no volume")
	}
	return nil
}

func (v *hostVolume) Unmount() error { return nil }

func (v *hostVolume) Format() error {
	v.h.mu.Lock()
	defer v.h.mu.Unlock()
	entries, err := afero.ReadDir(v.h.fs, "/")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return mapOSErr("format", "/", err)
	}
	for _, e := range entries {
		if err := v.h.fs.RemoveAll("/" + e.Name()); err != nil {
			return mapOSErr("format", e.Name(), err)
		}
	}
	v.h.formatted = true
	return nil
}

func (v *hostVolume) OpenFile(path string, flag int) (File, error) {
	f, err := v.h.fs.OpenFile(path, flag, 0o666)
	if err != nil {
		return nil, mapOSErr("open", path, err)
	}
	return f, nil
}

func (v *hostVolume) Mkdir(path string) error {
	return mapOSErr("mkdir", path, v.h.fs.Mkdir(path, 0o777))
}

func (v *hostVolume) Remove(path string) error {
	return mapOSErr("remove", path, v.h.fs.Remove(path))
}

func (v *hostVolume) Rename(oldPath, newPath string) error {
	return mapOSErr("rename", oldPath, v.h.fs.Rename(oldPath, newPath))
}

func (v *hostVolume) Stat(path string) (os.FileInfo, error) {
	fi, err := v.h.fs.Stat(path)
	if err != nil {
		return nil, mapOSErr("stat", path, err)
	}
	return fi, nil
}

func mapOSErr(op, path string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrNotExist):
		return errcode.PathErr(errcode.NotFound, op, path, err)
	case errors.Is(err, os.ErrExist):
		return errcode.PathErr(errcode.Exists, op, path, err)
	default:
		return errcode.PathErr(errcode.IOError, op, path, err)
	}
}
