package fileops

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gobwas/glob"

	"sdcard-go/errcode"
	"sdcard-go/services/sdcard/internal/mount"
	"sdcard-go/types"
)

// Read-only helpers. They go through the same queue as mutations, so they
// observe every operation submitted before them.

// ListDirectory lists dir. depth 0 lists only direct entries; each extra
// level descends one more directory. A non-empty pattern (glob syntax,
// matched against entry names) filters the result but not the descent.
// Paths are returned with the mount point prefix.
func (e *Executor) ListDirectory(ctx context.Context, dir string, depth int, pattern string) ([]types.FileInfo, error) {
	p, err := e.clean("list", dir)
	if err != nil {
		return nil, err
	}
	var g glob.Glob
	if pattern != "" {
		if g, err = glob.Compile(pattern); err != nil {
			return nil, &errcode.E{C: errcode.InvalidParams, Op: "list", Msg: "pattern", Err: err}
		}
	}
	mp := e.vol.MountPoint()

	var out []types.FileInfo
	err = e.do(ctx, func(fs mount.Filesystem) error {
		fi, err := stat(fs, p)
		switch {
		case absent(err):
			return errcode.PathErr(errcode.NotFound, "list", dir, err)
		case err != nil:
			return err
		case !fi.IsDir():
			return errcode.PathErr(errcode.NotDir, "list", dir, nil)
		}
		var walk func(d string, level int) error
		walk = func(d string, level int) error {
			entries, err := mount.ReadDir(fs, d)
			if err != nil {
				return err
			}
			for _, en := range entries {
				full := path.Join(d, en.Name())
				if g == nil || g.Match(en.Name()) {
					out = append(out, types.FileInfo{
						Path:  externalPath(full, mp),
						Size:  en.Size(),
						IsDir: en.IsDir(),
					})
				}
				if en.IsDir() && level < depth {
					if err := walk(full, level+1); err != nil {
						return err
					}
				}
			}
			return nil
		}
		return walk(p, 0)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FileSize returns the size of a regular file.
func (e *Executor) FileSize(ctx context.Context, file string) (uint64, error) {
	p, err := e.clean("file_size", file)
	if err != nil {
		return 0, err
	}
	var size uint64
	err = e.do(ctx, func(fs mount.Filesystem) error {
		fi, err := stat(fs, p)
		switch {
		case absent(err):
			return errcode.PathErr(errcode.NotFound, "file_size", file, err)
		case err != nil:
			return err
		case fi.IsDir():
			return errcode.PathErr(errcode.IsDir, "file_size", file, nil)
		}
		size = uint64(fi.Size())
		return nil
	})
	return size, err
}

// IsDirectory reports whether p names a directory. Absent paths are not
// directories.
func (e *Executor) IsDirectory(ctx context.Context, p string) (bool, error) {
	c, err := e.clean("is_directory", p)
	if err != nil {
		return false, err
	}
	var dir bool
	err = e.do(ctx, func(fs mount.Filesystem) error {
		fi, err := stat(fs, c)
		switch {
		case absent(err):
			return nil
		case err != nil:
			return err
		}
		dir = fi.IsDir()
		return nil
	})
	return dir, err
}

// ReadFile reads a whole file in one queued step.
func (e *Executor) ReadFile(ctx context.Context, file string) ([]byte, error) {
	p, err := e.clean("read_file", file)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = e.do(ctx, func(fs mount.Filesystem) error {
		return withFile(fs, "read_file", p, func(f mount.File) error {
			b, err := io.ReadAll(f)
			if err != nil {
				return ioErr("read_file", p, err)
			}
			data = b
			return nil
		})
	})
	return data, err
}

// Checksum returns the xxhash64 digest of a file, read in stream-sized
// chunks.
func (e *Executor) Checksum(ctx context.Context, file string) (uint64, error) {
	p, err := e.clean("checksum", file)
	if err != nil {
		return 0, err
	}
	var sum uint64
	err = e.do(ctx, func(fs mount.Filesystem) error {
		return withFile(fs, "checksum", p, func(f mount.File) error {
			d := xxhash.New()
			if _, err := io.CopyBuffer(d, struct{ io.Reader }{f}, make([]byte, DefaultBufferSize)); err != nil {
				return ioErr("checksum", p, err)
			}
			sum = d.Sum64()
			return nil
		})
	})
	return sum, err
}

func withFile(fs mount.Filesystem, op, p string, fn func(f mount.File) error) error {
	fi, err := stat(fs, p)
	switch {
	case absent(err):
		return errcode.PathErr(errcode.NotFound, op, p, err)
	case err != nil:
		return err
	case fi.IsDir():
		return errcode.PathErr(errcode.IsDir, op, p, nil)
	}
	f, err := fs.OpenFile(p, os.O_RDONLY)
	if err != nil {
		return err
	}
	err = fn(f)
	if cerr := f.Close(); err == nil && cerr != nil && !errors.Is(cerr, os.ErrClosed) {
		err = ioErr(op, p, cerr)
	}
	return err
}

// rootInfo describes the volume root, which FAT cannot stat.
type rootInfo struct{}

func (rootInfo) Name() string       { return "/" }
func (rootInfo) Size() int64        { return 0 }
func (rootInfo) Mode() os.FileMode  { return os.ModeDir | 0o777 }
func (rootInfo) ModTime() time.Time { return time.Time{} }
func (rootInfo) IsDir() bool        { return true }
func (rootInfo) Sys() any           { return nil }
