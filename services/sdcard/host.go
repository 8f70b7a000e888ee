//go:build !rp2040 && !rp2350

package sdcard

import (
	"context"
	"strings"

	"github.com/spf13/afero"

	"sdcard-go/drivers/sdemu"
	"sdcard-go/errcode"
	"sdcard-go/services/sdcard/internal/mount"
	"sdcard-go/services/sdcard/internal/platform"
	"sdcard-go/services/sdcard/internal/platform/boards"
	"sdcard-go/types"
)

// FilesystemDriver attaches a volume to a card; see Options.Filesystem.
type FilesystemDriver = mount.Driver

// HostBoard is the board emulated on the host.
var HostBoard = boards.Host

// Emulator is a host platform with an emulated card in its slot.
type Emulator struct {
	*platform.Emulated
	fs   afero.Fs
	path string
}

// OpenImage puts the image at path into the slot.
func OpenImage(fs afero.Fs, path string, t types.CardType) (*Emulator, error) {
	card, err := sdemu.Open(fs, path, sdemu.Options{Type: t})
	if err != nil {
		return nil, errcode.PathErr(errcode.NotFound, "open_image", path, err)
	}
	return &Emulator{Emulated: platform.NewEmulated(boards.Host, card), fs: fs, path: path}, nil
}

// MemoryCard puts a blank in-memory card of size bytes into the slot.
func MemoryCard(size int64, t types.CardType) (*Emulator, error) {
	card, err := sdemu.NewMemory(size, sdemu.Options{Type: t})
	if err != nil {
		return nil, err
	}
	return &Emulator{Emulated: platform.NewEmulated(boards.Host, card)}, nil
}

// CreateImage writes a zero-filled image of size bytes.
func CreateImage(fs afero.Fs, path string, size int64) error {
	f, err := sdemu.CreateImage(fs, path, size)
	if err != nil {
		return errcode.PathErr(errcode.IOError, "create_image", path, err)
	}
	return f.Close()
}

// Watch ejects the card when its image file disappears and inserts it again
// when the file comes back. Memory cards have nothing to watch.
func (e *Emulator) Watch(ctx context.Context) error {
	if e.fs == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return platform.WatchImage(ctx, e.Emulated, e.fs, e.path)
}

// Close releases the image.
func (e *Emulator) Close() error { return e.Card().Close() }

// HostDir serves the volume from fs instead of the card's sectors.
func HostDir(fs afero.Fs) FilesystemDriver {
	return mount.NewHostDir(fs, true).Driver()
}

// ParseCardType accepts the card family names, case-insensitively.
func ParseCardType(s string) (types.CardType, error) {
	for _, t := range []types.CardType{types.CardSDSC, types.CardSDHC, types.CardSDXC, types.CardMMC} {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return types.CardUnknown, errcode.New(errcode.InvalidParams, "card_type", s)
}
