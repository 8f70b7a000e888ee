package card

import (
	"sync"

	"tinygo.org/x/tinyfs"

	"sdcard-go/drivers/sdproto"
	"sdcard-go/errcode"
)

const sectorSize = sdproto.BlockSize

// BlockDevice exposes the session to a filesystem layer. Size reflects the
// card identified by the most recent Probe.
func (s *Session) BlockDevice() tinyfs.BlockDevice { return &blockDevice{s: s} }

type blockDevice struct {
	s   *Session
	mu  sync.Mutex
	buf [sectorSize]byte
}

var _ tinyfs.BlockDevice = (*blockDevice)(nil)

func (d *blockDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errcode.New(errcode.InvalidParams, "read_at", "negative offset")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for n < len(p) {
		pos := off + int64(n)
		sector, in := uint64(pos/sectorSize), int(pos%sectorSize)
		if in == 0 && len(p)-n >= sectorSize {
			if err := d.s.ReadSector(sector, p[n:n+sectorSize]); err != nil {
				return n, err
			}
			n += sectorSize
			continue
		}
		if err := d.s.ReadSector(sector, d.buf[:]); err != nil {
			return n, err
		}
		n += copy(p[n:], d.buf[in:])
	}
	return n, nil
}

// WriteAt does read-modify-write for partial sectors.
func (d *blockDevice) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errcode.New(errcode.InvalidParams, "write_at", "negative offset")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for n < len(p) {
		pos := off + int64(n)
		sector, in := uint64(pos/sectorSize), int(pos%sectorSize)
		if in == 0 && len(p)-n >= sectorSize {
			if err := d.s.WriteSector(sector, p[n:n+sectorSize]); err != nil {
				return n, err
			}
			n += sectorSize
			continue
		}
		if err := d.s.ReadSector(sector, d.buf[:]); err != nil {
			return n, err
		}
		c := copy(d.buf[in:], p[n:])
		if err := d.s.WriteSector(sector, d.buf[:]); err != nil {
			return n, err
		}
		n += c
	}
	return n, nil
}

func (d *blockDevice) Size() int64 {
	info, ok := d.s.Info()
	if !ok {
		return 0
	}
	return int64(info.Capacity)
}

func (d *blockDevice) WriteBlockSize() int64 { return sectorSize }
func (d *blockDevice) EraseBlockSize() int64 { return sectorSize }

// EraseBlocks is advisory on SD media: sectors keep their contents until
// rewritten.
func (d *blockDevice) EraseBlocks(start, length int64) error {
	if start < 0 || length < 0 || (start+length)*sectorSize > d.Size() {
		return errcode.New(errcode.InvalidParams, "erase", "range beyond card")
	}
	return nil
}
