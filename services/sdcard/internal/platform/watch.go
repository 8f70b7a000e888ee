//go:build !rp2040 && !rp2350

package platform

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"sdcard-go/x/logx"
)

// WatchImage treats an image file as the card slot: removing or renaming
// the file ejects the card, creating it again inserts a fresh medium. A
// file that is still being sized when it appears is picked up by the
// write that follows. It blocks until ctx is done.
func WatchImage(ctx context.Context, e *Emulated, fs afero.Fs, path string) error {
	log := logx.For(logx.ComponentPlatform).With("image", path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	want := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", "err", err)
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != want {
				continue
			}
			switch {
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				log.Info("image gone, ejecting")
				e.Eject()
			case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write) && !e.card.Present():
				if err := reinsert(e, fs, path); err != nil {
					log.Debug("image not usable yet", "err", err)
					continue
				}
				log.Info("image back, inserted")
			}
		}
	}
}

func reinsert(e *Emulated, fs afero.Fs, path string) error {
	f, err := fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if err := e.card.Replace(f, st.Size()); err != nil {
		f.Close()
		return err
	}
	e.detect.notify(true)
	return nil
}
