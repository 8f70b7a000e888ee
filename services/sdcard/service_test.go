package sdcard_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdcard-go/bus"
	"sdcard-go/services/sdcard"
	"sdcard-go/services/sdcard/config"
	"sdcard-go/services/sdcard/internal/fileops"
	"sdcard-go/services/sdcard/internal/platform"
	"sdcard-go/services/sdcard/internal/service"
	"sdcard-go/services/sdcard/internal/telemetry"
	"sdcard-go/types"
)

type served struct {
	c    *sdcard.Component
	plat *platform.Emulated
	b    *bus.Bus
	cli  *bus.Connection
}

func serve(t *testing.T, edit func(cfg *config.Config)) *served {
	t.Helper()
	plat := emulated(t)
	cfg := fourBit()
	cfg.UpdateInterval = "1h"
	if edit != nil {
		edit(&cfg)
	}
	c := newComponent(t, plat, cfg)
	require.NoError(t, c.Setup(context.Background()))

	b := bus.NewBus(32)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx, b.NewConnection("sdcard"))

	s := &served{c: c, plat: plat, b: b, cli: b.NewConnection("client")}
	s.waitMount(t, "mounted")
	return s
}

// state reads the retained component state.
func (s *served) state(t *testing.T) (types.ComponentState, bool) {
	t.Helper()
	conn := s.b.NewConnection("peek")
	defer conn.Disconnect()
	sub := conn.Subscribe(service.StateTopic(s.c.ID()))
	select {
	case m := <-sub.Channel():
		return m.Payload.(types.ComponentState), true
	case <-time.After(20 * time.Millisecond):
		return types.ComponentState{}, false
	}
}

func (s *served) waitMount(t *testing.T, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := s.state(t)
		return ok && st.Mount == want
	}, 2*time.Second, 10*time.Millisecond, "mount state %s", want)
}

func (s *served) call(t *testing.T, verb string, payload any) types.Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg := s.cli.NewMessage(service.ControlTopic(s.c.ID(), verb), payload, false)
	rep, err := s.cli.RequestWait(ctx, msg)
	require.NoError(t, err, verb)
	return rep.Payload.(types.Reply)
}

func TestService_FileControls(t *testing.T) {
	s := serve(t, nil)

	r := s.call(t, service.VerbWrite, fileops.Write{Path: "/sdcard/a.txt", Data: []byte("hello ")})
	require.True(t, r.OK, r.Msg)
	assert.Equal(t, 6, r.Result.(fileops.Outcome).Bytes)

	r = s.call(t, service.VerbAppend, []byte(`{"path":"/a.txt","data":"d29ybGQ="}`))
	require.True(t, r.OK, r.Msg)

	r = s.call(t, service.VerbReadFile, types.PathRequest{Path: "/a.txt"})
	require.True(t, r.OK, r.Msg)
	assert.Equal(t, "hello world", string(r.Result.([]byte)))

	r = s.call(t, service.VerbCreateDirectory, map[string]any{"path": "/logs"})
	require.True(t, r.OK, r.Msg)
	r = s.call(t, service.VerbList, types.ListRequest{Path: "/"})
	require.True(t, r.OK, r.Msg)
	assert.Len(t, r.Result.([]types.FileInfo), 2)

	r = s.call(t, service.VerbDeleteFile, fileops.DeleteFile{Path: "/missing"})
	assert.False(t, r.OK)
	assert.Equal(t, "not_found", r.Error)

	r = s.call(t, service.VerbRemoveDirectory, fileops.RemoveDirectory{Path: "/logs"})
	require.True(t, r.OK, r.Msg)

	r = s.call(t, service.VerbWrite, 42)
	assert.False(t, r.OK)
	assert.Equal(t, "invalid_payload", r.Error)

	r = s.call(t, "format", nil)
	assert.False(t, r.OK)
	assert.Equal(t, "unsupported", r.Error)
}

func TestService_ReadStreamSteps(t *testing.T) {
	s := serve(t, nil)
	r := s.call(t, service.VerbWrite, fileops.Write{Path: "/ten", Data: []byte("0123456789")})
	require.True(t, r.OK, r.Msg)

	var sizes []int
	var got []byte
	off := int64(0)
	for i := 0; i < 10; i++ {
		r = s.call(t, service.VerbReadStream, fileops.ReadStream{Path: "/ten", Offset: off, BufferSize: 4})
		require.True(t, r.OK, r.Msg)
		chunk := r.Result.(types.StreamChunk)
		if len(chunk.Data) > 0 {
			sizes = append(sizes, len(chunk.Data))
			got = append(got, chunk.Data...)
		}
		off = chunk.Next
		if chunk.EOF {
			break
		}
	}
	assert.Equal(t, []int{4, 4, 2}, sizes)
	assert.Equal(t, "0123456789", string(got))
}

func TestService_MountControlsAndTelemetry(t *testing.T) {
	s := serve(t, nil)

	r := s.call(t, service.VerbUsage, nil)
	require.True(t, r.OK, r.Msg)
	assert.Equal(t, uint64(4<<20), r.Result.(types.SpaceUsage).TotalBytes)

	r = s.call(t, service.VerbInfo, nil)
	require.True(t, r.OK, r.Msg)
	assert.Equal(t, types.CardSDHC, r.Result.(types.CardInfo).Type)

	free := func() (types.SpaceReading, bool) {
		conn := s.b.NewConnection("peek")
		defer conn.Disconnect()
		sub := conn.Subscribe(telemetry.Topic(s.c.ID(), telemetry.FreeSpace))
		select {
		case m := <-sub.Channel():
			return m.Payload.(types.SpaceReading), true
		case <-time.After(20 * time.Millisecond):
			return types.SpaceReading{}, false
		}
	}
	require.Eventually(t, func() bool { v, ok := free(); return ok && v.Valid }, 2*time.Second, 10*time.Millisecond)

	r = s.call(t, service.VerbUnmount, nil)
	require.True(t, r.OK, r.Msg)
	assert.Equal(t, "unmounted", r.Result.(types.ComponentState).Mount)
	r = s.call(t, service.VerbUsage, nil)
	assert.Equal(t, "not_mounted", r.Error)
	require.Eventually(t, func() bool { v, ok := free(); return ok && !v.Valid }, 2*time.Second, 10*time.Millisecond)

	r = s.call(t, service.VerbMount, nil)
	require.True(t, r.OK, r.Msg)
	s.waitMount(t, "mounted")

	r = s.call(t, service.VerbRemount, nil)
	require.True(t, r.OK, r.Msg)
	r = s.call(t, service.VerbState, nil)
	require.True(t, r.OK, r.Msg)
	assert.Equal(t, "/sdcard", r.Result.(types.ComponentState).MountPath)
}

// present reads the retained card_present sensor.
func (s *served) present(t *testing.T) (bool, bool) {
	t.Helper()
	conn := s.b.NewConnection("peek")
	defer conn.Disconnect()
	sub := conn.Subscribe(telemetry.Topic(s.c.ID(), telemetry.CardPresent))
	select {
	case m := <-sub.Channel():
		return m.Payload.(types.BinaryReading).Value, true
	case <-time.After(20 * time.Millisecond):
		return false, false
	}
}

func TestService_CardDetect(t *testing.T) {
	s := serve(t, func(cfg *config.Config) { cfg.CardDetectPin = 20 })
	require.Eventually(t, func() bool { v, ok := s.present(t); return ok && v }, 2*time.Second, 10*time.Millisecond)

	s.plat.Eject()
	s.waitMount(t, "unmounted")
	r := s.call(t, service.VerbUsage, nil)
	assert.Equal(t, "not_mounted", r.Error)
	require.Eventually(t, func() bool { v, ok := s.present(t); return ok && !v }, 2*time.Second, 10*time.Millisecond)

	s.plat.Insert()
	s.waitMount(t, "mounted")
	r = s.call(t, service.VerbUsage, nil)
	assert.True(t, r.OK, r.Msg)
	require.Eventually(t, func() bool { v, ok := s.present(t); return ok && v }, 2*time.Second, 10*time.Millisecond)
}

func TestService_MountWithoutCard(t *testing.T) {
	s := serve(t, func(cfg *config.Config) { cfg.CardDetectPin = 20 })
	s.plat.Eject()
	s.waitMount(t, "unmounted")
	r := s.call(t, service.VerbMount, nil)
	assert.False(t, r.OK)
	assert.Equal(t, "init_failed", r.Error)
}
