// sdctl drives an SD-card image on the host through the emulated card
// slot: the same bus driver, card session and FAT volume the firmware uses.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"sdcard-go/services/sdcard"
	"sdcard-go/services/sdcard/config"
	"sdcard-go/x/logx"
)

// env is shared by every command of one process, including shell lines.
type env struct {
	image    string
	dir      string
	cfgPath  string
	bus      string
	cardType string
	format   bool
	verbose  bool
	detect   int

	fs   afero.Fs
	out  io.Writer
	emu  *sdcard.Emulator
	comp *sdcard.Component
}

// open brings the component up once; later calls reuse it.
func (e *env) open(ctx context.Context) (*sdcard.Component, error) {
	if e.comp != nil {
		return e.comp, nil
	}
	if e.verbose {
		logx.SetLevel(slog.LevelDebug)
	}
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}
	t, err := sdcard.ParseCardType(e.cardType)
	if err != nil {
		return nil, err
	}

	var opts sdcard.Options
	if e.dir != "" {
		if e.emu, err = sdcard.MemoryCard(16<<20, t); err != nil {
			return nil, err
		}
		opts.Filesystem = sdcard.HostDir(afero.NewBasePathFs(e.fs, e.dir))
	} else if e.emu, err = sdcard.OpenImage(e.fs, e.image, t); err != nil {
		return nil, err
	}

	c, err := sdcard.New(cfg, e.emu, opts)
	if err != nil {
		e.emu.Close()
		return nil, err
	}
	if err := c.Setup(ctx); err != nil {
		c.Close()
		e.emu.Close()
		return nil, err
	}
	e.comp = c
	return c, nil
}

func (e *env) config() (config.Config, error) {
	var cfg config.Config
	if e.cfgPath != "" {
		f, err := e.fs.Open(e.cfgPath)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		if cfg, err = config.Parse(f); err != nil {
			return cfg, err
		}
	} else {
		cfg = hostConfig(e.bus)
	}
	if e.detect != 0 {
		cfg.CardDetectPin = e.detect
	}
	cfg.AutoMount = true
	cfg.FormatIfMountFailed = cfg.FormatIfMountFailed || e.format
	return cfg, nil
}

// hostConfig wires the emulated slot the way a dev board would.
func hostConfig(bus string) config.Config {
	c := config.Default()
	c.ID = "host"
	c.Bus = bus
	c.ClkPin = 14
	if bus == config.BusSPI {
		c.MOSIPin, c.MISOPin, c.CSPin = 15, 2, 13
		c.MaxFreqKHz = 8000
		return c
	}
	c.CmdPin = 15
	c.Data0Pin, c.Data1Pin, c.Data2Pin, c.Data3Pin = 2, 4, 12, 13
	return c
}

func (e *env) close() {
	if e.comp != nil {
		if err := e.comp.Close(); err != nil {
			fmt.Fprintln(os.Stderr, "close:", err)
		}
		e.comp = nil
	}
	if e.emu != nil {
		e.emu.Close()
		e.emu = nil
	}
}

func (e *env) printf(format string, args ...any) { fmt.Fprintf(e.out, format, args...) }

// parseSize accepts plain bytes or a k/m/g suffix.
func parseSize(s string) (int64, error) {
	ss := strings.TrimSpace(strings.ToLower(s))
	mult := int64(1)
	switch {
	case strings.HasSuffix(ss, "k"):
		mult, ss = 1<<10, strings.TrimSuffix(ss, "k")
	case strings.HasSuffix(ss, "m"):
		mult, ss = 1<<20, strings.TrimSuffix(ss, "m")
	case strings.HasSuffix(ss, "g"):
		mult, ss = 1<<30, strings.TrimSuffix(ss, "g")
	}
	v, err := strconv.ParseInt(ss, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", s, err)
	}
	return v * mult, nil
}

func newRoot(e *env) *cobra.Command {
	root := &cobra.Command{
		Use:           "sdctl",
		Short:         "Inspect and modify SD-card images through the emulated card slot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&e.image, "image", "i", "sdcard.img", "card image file")
	pf.StringVar(&e.dir, "dir", "", "serve a host directory instead of an image")
	pf.StringVarP(&e.cfgPath, "config", "c", "", "slot configuration (YAML)")
	pf.StringVar(&e.bus, "bus", config.BusSDMMC, "sdmmc|spi")
	pf.StringVar(&e.cardType, "type", "SDHC", "SDSC|SDHC|SDXC|MMC")
	pf.BoolVar(&e.format, "format", false, "format the card if it has no filesystem")
	pf.BoolVarP(&e.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(fileCommands(e)...)
	root.AddCommand(mkimageCmd(e), shellCmd(e), serveCmd(e))
	return root
}

// fileCommands are the commands that work on an open card.
func fileCommands(e *env) []*cobra.Command {
	return []*cobra.Command{
		infoCmd(e), dfCmd(e), lsCmd(e),
		writeCmd(e, false), writeCmd(e, true),
		catCmd(e), rmCmd(e), mkdirCmd(e), rmdirCmd(e), sumCmd(e),
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	e := &env{fs: afero.NewOsFs(), out: os.Stdout}
	defer e.close()
	if err := newRoot(e).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		e.close()
		os.Exit(1)
	}
}
