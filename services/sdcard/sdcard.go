// Package sdcard is the SD-card storage component: one card slot, the FAT
// volume on it, a queued file API, telemetry and a bus service.
package sdcard

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"

	"sdcard-go/bus"
	"sdcard-go/errcode"
	"sdcard-go/services/sdcard/config"
	"sdcard-go/services/sdcard/internal/busdrv"
	"sdcard-go/services/sdcard/internal/card"
	"sdcard-go/services/sdcard/internal/fileops"
	"sdcard-go/services/sdcard/internal/mount"
	"sdcard-go/services/sdcard/internal/platform"
	"sdcard-go/services/sdcard/internal/service"
	"sdcard-go/services/sdcard/internal/telemetry"
	"sdcard-go/types"
	"sdcard-go/x/logx"
	"sdcard-go/x/timex"
)

// Platform is the board a component runs on.
type Platform = busdrv.Platform

// Stream is a lazy chunk sequence returned by ReadFileStream.
type Stream = fileops.Stream

// DefaultPlatform is the board this binary was built for. On the host it
// is an emulated in-memory card.
func DefaultPlatform() (Platform, error) { return platform.Default() }

// Options tune construction. The zero value is FAT on the card with the
// default timeouts.
type Options struct {
	// Filesystem replaces the FAT driver, e.g. with mount.HostDir.
	Filesystem  mount.Driver
	InitTimeout time.Duration
	QueueSize   int
}

// Component owns one card slot. Operations are safe for concurrent use;
// file operations run one at a time in submission order.
type Component struct {
	cfg      config.Config
	busCfg   types.BusConfig
	interval time.Duration
	unit     types.MemoryUnit
	drv      *busdrv.Driver
	opts     Options
	log      *logx.Logger

	changes chan struct{}

	mu     sync.Mutex
	handle *busdrv.Handle
	card   *card.Session
	mgr    *mount.Manager
	exec   *fileops.Executor
	stop   context.CancelFunc
	err    error
	closed bool
}

// New validates cfg against the platform's board. Nothing is claimed until
// Setup.
func New(cfg config.Config, plat Platform, opts Options) (*Component, error) {
	if err := cfg.Validate(plat.Pins().Board()); err != nil {
		return nil, err
	}
	cfg.MountPoint = path.Clean(cfg.MountPoint)
	bc, err := cfg.BusConfig()
	if err != nil {
		return nil, err
	}
	interval, err := cfg.Interval()
	if err != nil {
		return nil, err
	}
	unit, err := cfg.Unit()
	if err != nil {
		return nil, err
	}
	return &Component{
		cfg:      cfg,
		busCfg:   bc,
		interval: interval,
		unit:     unit,
		drv:      busdrv.New(plat),
		opts:     opts,
		log:      logx.For(logx.ComponentService).With("id", cfg.ID),
		changes:  make(chan struct{}, 1),
	}, nil
}

func (c *Component) ID() string              { return c.cfg.ID }
func (c *Component) Config() config.Config   { return c.cfg }
func (c *Component) MountPoint() string      { return c.cfg.MountPoint }
func (c *Component) AutoMount() bool         { return c.cfg.AutoMount }
func (c *Component) Interval() time.Duration { return c.interval }

// Changes signals (coalesced) that card or mount state moved.
func (c *Component) Changes() <-chan struct{} { return c.changes }

func (c *Component) notify() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

// Setup brings up the bus, starts the operation queue and, with
// auto_mount, mounts the card. A bus failure is returned and leaves the
// component unusable; a mount failure is returned but the component stays
// up in MountFailed and can be mounted later.
func (c *Component) Setup(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errcode.New(errcode.BusClosed, "setup", c.cfg.ID)
	}
	if c.handle != nil {
		c.mu.Unlock()
		return nil
	}
	h, err := c.drv.Initialize(c.cfg.ID, c.busCfg)
	if err != nil {
		c.err = err
		c.mu.Unlock()
		c.log.Error("bus init failed", "err", err)
		c.notify()
		return err
	}
	c.handle = h
	c.card = card.New(h, card.Options{InitTimeout: c.opts.InitTimeout})
	c.mgr = mount.New(c.card, mount.Options{
		MountPoint:          c.cfg.MountPoint,
		FormatIfMountFailed: c.cfg.FormatIfMountFailed,
		Driver:              c.opts.Filesystem,
	})
	c.mgr.OnState(func(types.MountState) { c.notify() })
	c.exec = fileops.New(c.mgr, fileops.Config{QueueSize: c.opts.QueueSize})
	runCtx, stop := context.WithCancel(context.Background())
	c.stop = stop
	c.exec.Start(runCtx)
	c.mu.Unlock()

	c.log.Info("set up", "mode", c.busCfg.Mode.String(), "mount_point", c.cfg.MountPoint)
	c.notify()
	if !c.cfg.AutoMount {
		return nil
	}
	return c.Mount(ctx)
}

// Close unmounts, stops the queue and releases the bus pins.
func (c *Component) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	h, mgr, stop := c.handle, c.mgr, c.stop
	c.mu.Unlock()

	var err error
	if mgr != nil {
		err = mgr.Unmount()
	}
	if stop != nil {
		stop()
	}
	if h != nil {
		if serr := h.Shutdown(); err == nil {
			err = serr
		}
	}
	c.log.Info("closed")
	c.notify()
	return err
}

// parts returns the live pipeline or NotMounted when Setup has not run.
func (c *Component) parts(op string) (*mount.Manager, *fileops.Executor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, errcode.New(errcode.BusClosed, op, c.cfg.ID)
	}
	if c.mgr == nil {
		return nil, nil, errcode.New(errcode.NotMounted, op, "not set up")
	}
	return c.mgr, c.exec, nil
}

// ---- mount lifecycle ----

func (c *Component) Mount(ctx context.Context) error {
	mgr, _, err := c.parts("mount")
	if err != nil {
		return err
	}
	if err := mgr.Mount(ctx); err != nil {
		c.setErr(err)
		return err
	}
	c.setErr(nil)
	return nil
}

func (c *Component) Unmount() error {
	mgr, _, err := c.parts("unmount")
	if err != nil {
		return err
	}
	return mgr.Unmount()
}

// Remount unmounts and mounts again, re-identifying the card.
func (c *Component) Remount(ctx context.Context) error {
	if err := c.Unmount(); err != nil {
		c.log.Warn("unmount before remount", "err", err)
	}
	return c.Mount(ctx)
}

func (c *Component) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.notify()
}

// QueryUsage reads the space figures from the mounted volume. Nothing is
// cached between calls.
func (c *Component) QueryUsage() (types.SpaceUsage, error) {
	mgr, _, err := c.parts("usage")
	if err != nil {
		return types.SpaceUsage{}, err
	}
	return mgr.QueryUsage()
}

// CardInfo describes the identified card.
func (c *Component) CardInfo() (types.CardInfo, error) {
	c.mu.Lock()
	s := c.card
	c.mu.Unlock()
	if s == nil {
		return types.CardInfo{}, errcode.New(errcode.CardNotReady, "info", "not set up")
	}
	info, ok := s.Info()
	if !ok {
		return types.CardInfo{}, errcode.New(errcode.CardNotReady, "info", s.State().String())
	}
	return info, nil
}

// State is the snapshot published on the state topic.
func (c *Component) State() types.ComponentState {
	c.mu.Lock()
	s, mgr, err := c.card, c.mgr, c.err
	c.mu.Unlock()

	st := types.ComponentState{
		Card:  types.CardUninitialized.String(),
		Mount: types.Unmounted.String(),
		TS:    timex.NowMs(),
	}
	if s != nil {
		st.Card = s.State().String()
	}
	if mgr != nil {
		ms := mgr.State()
		st.Mount = ms.String()
		if ms == types.Mounted {
			st.MountPath = mgr.MountPoint()
		}
	}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}

// Present reports card presence; without a detect pin it is always true.
func (c *Component) Present() bool {
	c.mu.Lock()
	h := c.handle
	c.mu.Unlock()
	return h == nil || h.Present()
}

// DetectChanges delivers presence edges, or nil when the slot has no
// detect pin or the platform cannot signal edges.
func (c *Component) DetectChanges() (changes <-chan bool, wired bool) {
	c.mu.Lock()
	h := c.handle
	c.mu.Unlock()
	if h == nil || h.Detect() == nil {
		return nil, false
	}
	return h.Detect().Changes(), true
}

// DumpConfig logs the effective configuration and returns it as YAML.
func (c *Component) DumpConfig() string {
	b, err := c.cfg.YAML()
	if err != nil {
		c.log.Warn("config dump", "err", err)
		return ""
	}
	c.log.Info("config",
		"bus", c.busCfg.Mode.String(),
		"pins", c.busCfg.PinSet(),
		"max_freq_khz", c.busCfg.MaxFreqKHz,
		"mount_point", c.cfg.MountPoint,
		"auto_mount", c.cfg.AutoMount,
		"format_if_mount_failed", c.cfg.FormatIfMountFailed,
		"update_interval", c.interval,
		"unit", c.unit.String(),
		"file_size_sensors", strings.Join(c.cfg.FileSizeSensors, ","))
	return string(b)
}

// ---- pull getters; ok=false while nothing is mounted ----

func (c *Component) TotalSpace() (uint64, bool) {
	u, err := c.QueryUsage()
	return u.TotalBytes, err == nil
}

func (c *Component) UsedSpace() (uint64, bool) {
	u, err := c.QueryUsage()
	return u.UsedBytes, err == nil
}

func (c *Component) FreeSpace() (uint64, bool) {
	u, err := c.QueryUsage()
	return u.FreeBytes, err == nil
}

func (c *Component) CardType() (types.CardType, bool) {
	mgr, _, err := c.parts("card_type")
	if err != nil || mgr.State() != types.Mounted {
		return types.CardUnknown, false
	}
	info, err := c.CardInfo()
	if err != nil {
		return types.CardUnknown, false
	}
	return info.Type, true
}

// ---- file operations ----

// Submit queues any file operation and waits for its outcome.
func (c *Component) Submit(ctx context.Context, op fileops.Operation) (fileops.Outcome, error) {
	_, ex, err := c.parts("submit")
	if err != nil {
		return fileops.Outcome{}, err
	}
	return ex.Submit(ctx, op)
}

func (c *Component) WriteFile(ctx context.Context, path string, data []byte) error {
	_, err := c.Submit(ctx, fileops.Write{Path: path, Data: data})
	return err
}

func (c *Component) AppendFile(ctx context.Context, path string, data []byte) error {
	_, err := c.Submit(ctx, fileops.Append{Path: path, Data: data})
	return err
}

func (c *Component) CreateDirectory(ctx context.Context, path string) error {
	_, err := c.Submit(ctx, fileops.CreateDirectory{Path: path})
	return err
}

func (c *Component) RemoveDirectory(ctx context.Context, path string) error {
	_, err := c.Submit(ctx, fileops.RemoveDirectory{Path: path})
	return err
}

func (c *Component) DeleteFile(ctx context.Context, path string) error {
	_, err := c.Submit(ctx, fileops.DeleteFile{Path: path})
	return err
}

// ReadFileStream opens a chunked reader at offset. bufferSize 0 selects
// the default chunk size.
func (c *Component) ReadFileStream(ctx context.Context, path string, offset int64, bufferSize int) (*Stream, error) {
	out, err := c.Submit(ctx, fileops.ReadStream{Path: path, Offset: offset, BufferSize: bufferSize})
	if err != nil {
		return nil, err
	}
	return out.Stream, nil
}

func (c *Component) ReadFile(ctx context.Context, path string) ([]byte, error) {
	_, ex, err := c.parts("read_file")
	if err != nil {
		return nil, err
	}
	return ex.ReadFile(ctx, path)
}

func (c *Component) ListDirectory(ctx context.Context, path string, depth int, pattern string) ([]types.FileInfo, error) {
	_, ex, err := c.parts("list")
	if err != nil {
		return nil, err
	}
	return ex.ListDirectory(ctx, path, depth, pattern)
}

func (c *Component) FileSize(ctx context.Context, path string) (uint64, error) {
	_, ex, err := c.parts("file_size")
	if err != nil {
		return 0, err
	}
	return ex.FileSize(ctx, path)
}

func (c *Component) IsDirectory(ctx context.Context, path string) (bool, error) {
	_, ex, err := c.parts("is_directory")
	if err != nil {
		return false, err
	}
	return ex.IsDirectory(ctx, path)
}

func (c *Component) Checksum(ctx context.Context, path string) (uint64, error) {
	_, ex, err := c.parts("checksum")
	if err != nil {
		return 0, err
	}
	return ex.Checksum(ctx, path)
}

// ---- bus service ----

// Run serves the component on the bus until ctx ends: control requests,
// retained state, telemetry and card-detect handling. Setup must have been
// called.
func (c *Component) Run(ctx context.Context, conn *bus.Connection) {
	tel := telemetry.New(c, conn, telemetry.Config{
		ID:       c.cfg.ID,
		Interval: c.interval,
		Jitter:   c.interval / 10,
		Unit:     c.unit,
		Files:    c.cfg.FileSizeSensors,
	})
	go tel.Run(ctx)
	service.New(c, conn, tel).Run(ctx)
}

// StateTopic carries the retained types.ComponentState of component id.
func StateTopic(id string) bus.Topic { return service.StateTopic(id) }

// ControlTopic is the request topic for verb on component id; replies are
// types.Reply.
func ControlTopic(id, verb string) bus.Topic { return service.ControlTopic(id, verb) }

var (
	_ telemetry.Source  = (*Component)(nil)
	_ service.Component = (*Component)(nil)
)
