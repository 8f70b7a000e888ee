package telemetry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdcard-go/bus"
	"sdcard-go/errcode"
	"sdcard-go/services/sdcard/internal/telemetry"
	"sdcard-go/types"
)

type fakeSource struct {
	mu      sync.Mutex
	mounted bool
	empty   bool
	files   map[string]uint64
}

func (f *fakeSource) Present() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.empty
}

func (f *fakeSource) setEmpty(v bool) {
	f.mu.Lock()
	f.empty = v
	f.mu.Unlock()
}

func (f *fakeSource) get(v uint64) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return v, f.mounted
}

func (f *fakeSource) TotalSpace() (uint64, bool) { return f.get(8 << 20) }
func (f *fakeSource) UsedSpace() (uint64, bool)  { return f.get(2 << 20) }
func (f *fakeSource) FreeSpace() (uint64, bool)  { return f.get(6 << 20) }

func (f *fakeSource) CardType() (types.CardType, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.CardSDHC, f.mounted
}

func (f *fakeSource) FileSize(_ context.Context, p string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.mounted {
		return 0, errcode.New(errcode.NotMounted, "file_size", "")
	}
	n, ok := f.files[p]
	if !ok {
		return 0, errcode.PathErr(errcode.NotFound, "file_size", p, nil)
	}
	return n, nil
}

func (f *fakeSource) setMounted(v bool) {
	f.mu.Lock()
	f.mounted = v
	f.mu.Unlock()
}

// retained returns the message currently retained on t, or nil.
func retained(t *testing.T, b *bus.Bus, topic bus.Topic) *bus.Message {
	t.Helper()
	c := b.NewConnection("peek")
	defer c.Disconnect()
	sub := c.Subscribe(topic)
	select {
	case m := <-sub.Channel():
		return m
	case <-time.After(20 * time.Millisecond):
		return nil
	}
}

func TestPublish_UnavailableWhenUnmounted(t *testing.T) {
	b := bus.NewBus(8)
	src := &fakeSource{}
	a := telemetry.New(src, b.NewConnection("telemetry"), telemetry.Config{
		ID: "sd0", Unit: types.MegaByte, Files: []string{"/log.txt"},
	})
	a.PublishAll(context.Background())

	m := retained(t, b, telemetry.Topic("sd0", telemetry.TotalSpace))
	require.NotNil(t, m)
	r := m.Payload.(types.SpaceReading)
	assert.False(t, r.Valid)
	assert.Zero(t, r.Bytes)
	assert.Equal(t, "MB", r.Unit)

	m = retained(t, b, telemetry.Topic("sd0", telemetry.CardType))
	require.NotNil(t, m)
	assert.False(t, m.Payload.(types.TextReading).Valid)

	m = retained(t, b, bus.T("sdcard", "sd0", "value", "file_size", "/log.txt"))
	require.NotNil(t, m)
	fr := m.Payload.(types.FileSizeReading)
	assert.False(t, fr.Valid)
	assert.Equal(t, "/log.txt", fr.Path)
}

func TestPublish_Mounted(t *testing.T) {
	b := bus.NewBus(8)
	src := &fakeSource{mounted: true, files: map[string]uint64{"/log.txt": 3 << 20}}
	a := telemetry.New(src, b.NewConnection("telemetry"), telemetry.Config{
		ID: "sd0", Unit: types.MegaByte, Files: []string{"/log.txt"},
	})
	a.PublishAll(context.Background())

	cases := []struct {
		sensor string
		bytes  uint64
		value  float64
	}{
		{telemetry.TotalSpace, 8 << 20, 8},
		{telemetry.UsedSpace, 2 << 20, 2},
		{telemetry.FreeSpace, 6 << 20, 6},
	}
	for _, tc := range cases {
		m := retained(t, b, telemetry.Topic("sd0", tc.sensor))
		require.NotNil(t, m, tc.sensor)
		r := m.Payload.(types.SpaceReading)
		assert.True(t, r.Valid, tc.sensor)
		assert.Equal(t, tc.bytes, r.Bytes, tc.sensor)
		assert.InDelta(t, tc.value, r.Value, 1e-9, tc.sensor)
	}

	m := retained(t, b, telemetry.Topic("sd0", telemetry.CardType))
	require.NotNil(t, m)
	assert.Equal(t, "SDHC", m.Payload.(types.TextReading).Value)

	m = retained(t, b, bus.T("sdcard", "sd0", "value", "file_size", "/log.txt"))
	require.NotNil(t, m)
	fr := m.Payload.(types.FileSizeReading)
	assert.True(t, fr.Valid)
	assert.InDelta(t, 3.0, fr.Value, 1e-9)
}

func TestRun_FollowsMountState(t *testing.T) {
	b := bus.NewBus(8)
	src := &fakeSource{}
	a := telemetry.New(src, b.NewConnection("telemetry"), telemetry.Config{
		ID: "sd0", Interval: time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	valid := func() bool {
		m := retained(t, b, telemetry.Topic("sd0", telemetry.FreeSpace))
		return m != nil && m.Payload.(types.SpaceReading).Valid
	}
	require.Eventually(t, func() bool {
		return retained(t, b, telemetry.Topic("sd0", telemetry.FreeSpace)) != nil
	}, time.Second, 10*time.Millisecond)
	assert.False(t, valid())

	src.setMounted(true)
	a.Refresh()
	require.Eventually(t, valid, time.Second, 10*time.Millisecond)

	src.setMounted(false)
	a.Refresh()
	require.Eventually(t, func() bool { return !valid() }, time.Second, 10*time.Millisecond)
}

func TestCardPresent(t *testing.T) {
	b := bus.NewBus(8)
	src := &fakeSource{}
	a := telemetry.New(src, b.NewConnection("telemetry"), telemetry.Config{ID: "sd0", Interval: time.Hour})
	assert.Contains(t, a.Sensors(), telemetry.CardPresent)
	assert.Equal(t, "sdcard/sd0/value/card_present", telemetry.Topic("sd0", telemetry.CardPresent).String())

	present := func() (bool, bool) {
		m := retained(t, b, telemetry.Topic("sd0", telemetry.CardPresent))
		if m == nil {
			return false, false
		}
		return m.Payload.(types.BinaryReading).Value, true
	}

	a.PublishAll(context.Background())
	v, ok := present()
	require.True(t, ok)
	assert.True(t, v, "unmounted card still counts as present")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	src.setEmpty(true)
	a.Refresh()
	require.Eventually(t, func() bool {
		v, ok := present()
		return ok && !v
	}, time.Second, 10*time.Millisecond)
}
