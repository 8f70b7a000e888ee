package mount

import (
	"encoding/binary"
	"errors"
	"io"
	"os"

	"tinygo.org/x/tinyfs"
	"tinygo.org/x/tinyfs/fatfs"

	"sdcard-go/errcode"
)

// File is an open file or directory on a mounted volume.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
	Readdir(n int) ([]os.FileInfo, error)
}

// Filesystem is what file operations see of a mounted volume. Errors carry
// errcode codes.
type Filesystem interface {
	OpenFile(path string, flag int) (File, error)
	Mkdir(path string) error
	Remove(path string) error
	Rename(oldPath, newPath string) error
	Stat(path string) (os.FileInfo, error)
}

// Volume is a filesystem attached to a block device.
type Volume interface {
	Filesystem
	Mount() error
	Unmount() error
	Format() error
}

// Driver attaches a volume to a block device.
type Driver func(dev tinyfs.BlockDevice) Volume

// errNoFree is returned by volumes that cannot count free space.
var errNoFree = errors.New("free space not reported")

// ---- FAT ----

type fatVolume struct {
	fs  *fatfs.FATFS
	dev tinyfs.BlockDevice

	// clusterBytes is the allocation unit read from the boot sector at
	// mount; 0 when it could not be determined.
	clusterBytes int64
}

// FAT attaches a FAT filesystem with 512-byte sectors.
func FAT(dev tinyfs.BlockDevice) Volume {
	return &fatVolume{fs: fatfs.New(dev).Configure(&fatfs.Config{SectorSize: fatfs.SectorSize}), dev: dev}
}

func (v *fatVolume) Mount() error {
	if err := v.fs.Mount(); err != nil {
		return mapFatErr("mount", "", err)
	}
	v.clusterBytes, _ = ClusterSize(v.dev)
	return nil
}

func (v *fatVolume) Unmount() error { return mapFatErr("unmount", "", v.fs.Unmount()) }
func (v *fatVolume) Format() error  { return mapFatErr("format", "", v.fs.Format()) }

func (v *fatVolume) OpenFile(path string, flag int) (File, error) {
	f, err := v.fs.OpenFile(path, flag)
	if err != nil {
		return nil, mapFatErr("open", path, err)
	}
	return fatFile{f}, nil
}

func (v *fatVolume) Mkdir(path string) error {
	return mapFatErr("mkdir", path, v.fs.Mkdir(path, 0o777))
}

// Remove reports a refused directory removal as NotEmpty; FAT refuses
// other removals (read-only objects) the same way.
func (v *fatVolume) Remove(path string) error {
	err := v.fs.Remove(path)
	if errors.Is(err, fatfs.FileResultDenied) {
		if fi, serr := v.fs.Stat(path); serr == nil && fi.IsDir() {
			return errcode.PathErr(errcode.NotEmpty, "remove", path, err)
		}
	}
	return mapFatErr("remove", path, err)
}

func (v *fatVolume) Rename(oldPath, newPath string) error {
	return mapFatErr("rename", oldPath, v.fs.Rename(oldPath, newPath))
}

func (v *fatVolume) Stat(path string) (os.FileInfo, error) {
	fi, err := v.fs.Stat(path)
	if err != nil {
		return nil, mapFatErr("stat", path, err)
	}
	return fi, nil
}

// Free reports free bytes. The FAT layer counts free clusters in units of
// one sector, so the count is rescaled by the volume's cluster size.
func (v *fatVolume) Free() (int64, error) {
	if v.clusterBytes == 0 {
		return 0, errNoFree
	}
	n, err := v.fs.Free()
	if err != nil {
		return 0, mapFatErr("free", "", err)
	}
	return n / fatfs.SectorSize * v.clusterBytes, nil
}

var errNoBootSector = errors.New("no FAT boot sector")

// ClusterSize reads the allocation unit from the FAT boot sector, following
// the first MBR partition entry when the volume is partitioned.
func ClusterSize(dev tinyfs.BlockDevice) (int64, error) {
	var sec [fatfs.SectorSize]byte
	if _, err := dev.ReadAt(sec[:], 0); err != nil {
		return 0, err
	}
	if !bootSector(sec[:]) {
		if sec[510] != 0x55 || sec[511] != 0xAA {
			return 0, errNoBootSector
		}
		start := int64(binary.LittleEndian.Uint32(sec[454:458]))
		if start == 0 {
			return 0, errNoBootSector
		}
		if _, err := dev.ReadAt(sec[:], start*fatfs.SectorSize); err != nil {
			return 0, err
		}
		if !bootSector(sec[:]) {
			return 0, errNoBootSector
		}
	}
	return int64(binary.LittleEndian.Uint16(sec[11:13])) * int64(sec[13]), nil
}

// bootSector checks the jump instruction and the BPB sector geometry.
func bootSector(b []byte) bool {
	if b[0] != 0xEB && b[0] != 0xE9 {
		return false
	}
	switch binary.LittleEndian.Uint16(b[11:13]) {
	case 512, 1024, 2048, 4096:
	default:
		return false
	}
	spc := b[13]
	return spc != 0 && spc&(spc-1) == 0
}

// fatFile maps data-path errors the same way as namespace errors.
type fatFile struct{ f tinyfs.File }

func (f fatFile) Read(p []byte) (int, error) {
	n, err := f.f.Read(p)
	switch {
	case err == nil && n == 0 && len(p) > 0:
		return 0, io.EOF
	case err != nil && !errors.Is(err, io.EOF):
		err = mapFatErr("read", "", err)
	}
	return n, err
}

// Write reports a short write without a FAT result code as a full volume.
func (f fatFile) Write(p []byte) (int, error) {
	n, err := f.f.Write(p)
	var fr fatfs.FileResult
	if err != nil && n < len(p) && !errors.As(err, &fr) {
		return n, errcode.PathErr(errcode.NoSpace, "write", "", err)
	}
	return n, mapFatErr("write", "", err)
}

func (f fatFile) Seek(off int64, whence int) (int64, error) {
	n, err := f.f.Seek(off, whence)
	return n, mapFatErr("seek", "", err)
}

func (f fatFile) Close() error { return mapFatErr("close", "", f.f.Close()) }

func (f fatFile) Readdir(n int) ([]os.FileInfo, error) {
	fis, err := f.f.Readdir(n)
	return fis, mapFatErr("readdir", "", err)
}

func mapFatErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var fr fatfs.FileResult
	if !errors.As(err, &fr) {
		return errcode.PathErr(errcode.IOError, op, path, err)
	}
	c := errcode.IOError
	switch fr {
	case fatfs.FileResultNoFile:
		c = errcode.NotFound
	case fatfs.FileResultNoPath:
		c = errcode.PathNotFound
	case fatfs.FileResultExist:
		c = errcode.Exists
	case fatfs.FileResultNoFilesystem:
		c = errcode.NoFilesystem
	case fatfs.FileResultInvalidName:
		c = errcode.InvalidPath
	case fatfs.FileResultInvalidParameter:
		c = errcode.InvalidParams
	case fatfs.FileResultNotEnoughCore:
		c = errcode.NoSpace
	}
	return errcode.PathErr(c, op, path, err)
}
