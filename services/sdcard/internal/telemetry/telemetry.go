// Package telemetry samples the component's pull getters on a schedule and
// publishes retained readings on the bus.
package telemetry

import (
	"context"
	"strings"
	"time"

	"sdcard-go/bus"
	"sdcard-go/types"
	"sdcard-go/x/logx"
	"sdcard-go/x/timex"
)

// Source is the component as seen by telemetry. ok=false means the value
// is unavailable, typically because nothing is mounted.
type Source interface {
	TotalSpace() (uint64, bool)
	UsedSpace() (uint64, bool)
	FreeSpace() (uint64, bool)
	CardType() (types.CardType, bool)
	FileSize(ctx context.Context, path string) (uint64, error)
	// Present reports whether a card sits in the slot, mounted or not.
	Present() bool
}

const (
	TotalSpace  = "total_space"
	UsedSpace   = "used_space"
	FreeSpace   = "free_space"
	CardType    = "card_type"
	CardPresent = "card_present"
	FileSize    = "file_size"
)

const fileSizePrefix = FileSize + ":"

type Config struct {
	ID       string
	Interval time.Duration
	Jitter   time.Duration
	Unit     types.MemoryUnit
	// Files are absolute paths whose size is published as a sensor each.
	Files []string
}

// Topic is where a sensor's readings are retained.
func Topic(id, sensor string) bus.Topic {
	if p, ok := strings.CutPrefix(sensor, fileSizePrefix); ok {
		return bus.T("sdcard", id, "value", FileSize, p)
	}
	return bus.T("sdcard", id, "value", sensor)
}

type Adapter struct {
	src    Source
	conn   *bus.Connection
	cfg    Config
	reqs   chan PollReq
	poller *Poller
	log    *logx.Logger
}

func New(src Source, conn *bus.Connection, cfg Config) *Adapter {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	reqs := make(chan PollReq, 8+len(cfg.Files))
	a := &Adapter{
		src:    src,
		conn:   conn,
		cfg:    cfg,
		reqs:   reqs,
		poller: NewPoller(reqs),
		log:    logx.For(logx.ComponentTelemetry).With("id", cfg.ID),
	}
	for _, s := range a.Sensors() {
		a.poller.Upsert(s, cfg.Interval, cfg.Jitter)
	}
	return a
}

// Sensors lists the schedule keys in publication order.
func (a *Adapter) Sensors() []string {
	out := []string{TotalSpace, UsedSpace, FreeSpace, CardType, CardPresent}
	for _, f := range a.cfg.Files {
		out = append(out, fileSizePrefix+f)
	}
	return out
}

// Run publishes every sensor once, then follows the schedule until ctx ends.
func (a *Adapter) Run(ctx context.Context) {
	go a.poller.Run(ctx)
	a.PublishAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-a.reqs:
			a.Publish(ctx, r.Sensor)
		}
	}
}

// Refresh makes every sensor due immediately.
func (a *Adapter) Refresh() { a.poller.TriggerAll() }

func (a *Adapter) PublishAll(ctx context.Context) {
	for _, s := range a.Sensors() {
		a.Publish(ctx, s)
	}
}

// Publish samples one sensor and retains the reading.
func (a *Adapter) Publish(ctx context.Context, sensor string) {
	var payload any
	ts := timex.NowMs()
	switch sensor {
	case TotalSpace:
		payload = a.space(a.src.TotalSpace, ts)
	case UsedSpace:
		payload = a.space(a.src.UsedSpace, ts)
	case FreeSpace:
		payload = a.space(a.src.FreeSpace, ts)
	case CardType:
		t, ok := a.src.CardType()
		r := types.TextReading{Valid: ok, TS: ts}
		if ok {
			r.Value = t.String()
		}
		payload = r
	case CardPresent:
		payload = types.BinaryReading{Value: a.src.Present(), TS: ts}
	default:
		p, ok := strings.CutPrefix(sensor, fileSizePrefix)
		if !ok {
			a.log.Warn("unknown sensor", "sensor", sensor)
			return
		}
		r := types.FileSizeReading{Path: p, Unit: a.cfg.Unit.String(), TS: ts}
		n, err := a.src.FileSize(ctx, p)
		if err != nil {
			a.log.Debug("file size unavailable", "path", p, "err", err)
		} else {
			r.Bytes, r.Value, r.Valid = n, types.ConvertBytes(n, a.cfg.Unit), true
		}
		payload = r
	}
	a.conn.Publish(a.conn.NewMessage(Topic(a.cfg.ID, sensor), payload, true))
}

func (a *Adapter) space(get func() (uint64, bool), ts int64) types.SpaceReading {
	n, ok := get()
	r := types.SpaceReading{Unit: a.cfg.Unit.String(), Valid: ok, TS: ts}
	if ok {
		r.Bytes, r.Value = n, types.ConvertBytes(n, a.cfg.Unit)
	}
	return r
}
