// Package service serves one SD-card component on the bus.
//
// Topics, with <id> the component id:
//
//	sdcard/<id>/state              retained types.ComponentState
//	sdcard/<id>/value/<sensor>     retained telemetry readings
//	sdcard/<id>/control/<verb>     request/reply, replies are types.Reply
package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"sdcard-go/bus"
	"sdcard-go/errcode"
	"sdcard-go/services/sdcard/internal/fileops"
	"sdcard-go/types"
	"sdcard-go/x/logx"
)

// Component is the storage component as driven by the service.
type Component interface {
	ID() string
	AutoMount() bool
	State() types.ComponentState
	Changes() <-chan struct{}
	Present() bool
	DetectChanges() (<-chan bool, bool)

	Mount(ctx context.Context) error
	Unmount() error
	Remount(ctx context.Context) error
	QueryUsage() (types.SpaceUsage, error)
	CardInfo() (types.CardInfo, error)

	Submit(ctx context.Context, op fileops.Operation) (fileops.Outcome, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	ListDirectory(ctx context.Context, path string, depth int, pattern string) ([]types.FileInfo, error)
	FileSize(ctx context.Context, path string) (uint64, error)
	IsDirectory(ctx context.Context, path string) (bool, error)
	Checksum(ctx context.Context, path string) (uint64, error)
}

// Refresher is told when readings may have changed.
type Refresher interface{ Refresh() }

// Control verbs.
const (
	VerbWrite           = "write"
	VerbAppend          = "append"
	VerbCreateDirectory = "create_directory"
	VerbRemoveDirectory = "remove_directory"
	VerbDeleteFile      = "delete_file"
	VerbReadStream      = "read_stream"
	VerbReadFile        = "read_file"
	VerbList            = "list"
	VerbFileSize        = "file_size"
	VerbIsDirectory     = "is_directory"
	VerbChecksum        = "checksum"
	VerbMount           = "mount"
	VerbUnmount         = "unmount"
	VerbRemount         = "remount"
	VerbUsage           = "usage"
	VerbInfo            = "info"
	VerbState           = "state"
)

// DetectPoll is the presence polling period for detect pins without edge
// notification.
var DetectPoll = time.Second

func StateTopic(id string) bus.Topic         { return bus.T("sdcard", id, "state") }
func ControlTopic(id, verb string) bus.Topic { return bus.T("sdcard", id, "control", verb) }
func controlPattern(id string) bus.Topic     { return bus.T("sdcard", id, "control", bus.SingleLevel) }

type Service struct {
	c       Component
	conn    *bus.Connection
	tel     Refresher
	present bool
	log     *logx.Logger
}

func New(c Component, conn *bus.Connection, tel Refresher) *Service {
	return &Service{c: c, conn: conn, tel: tel, log: logx.For(logx.ComponentService).With("id", c.ID())}
}

func (s *Service) Run(ctx context.Context) {
	ctrl := s.conn.Subscribe(controlPattern(s.c.ID()))
	defer s.conn.Unsubscribe(ctrl)

	s.present = s.c.Present()
	detect, wired := s.c.DetectChanges()
	var poll <-chan time.Time
	if wired && detect == nil {
		t := time.NewTicker(DetectPoll)
		defer t.Stop()
		poll = t.C
	}
	s.publishState()

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.c.Changes():
			s.publishState()
			if s.tel != nil {
				s.tel.Refresh()
			}

		case msg, ok := <-ctrl.Channel():
			if !ok {
				return
			}
			s.handle(ctx, msg)

		case v := <-detect:
			s.onPresence(ctx, v)

		case <-poll:
			if v := s.c.Present(); v != s.present {
				s.onPresence(ctx, v)
			}
		}
	}
}

func (s *Service) publishState() {
	s.conn.Publish(s.conn.NewMessage(StateTopic(s.c.ID()), s.c.State(), true))
}

// onPresence unmounts on removal and, with auto_mount, mounts on insertion.
func (s *Service) onPresence(ctx context.Context, present bool) {
	if present == s.present {
		return
	}
	s.present = present
	if !present {
		s.log.Info("card removed")
		if err := s.c.Unmount(); err != nil {
			s.log.Warn("unmount after removal", "err", err)
		}
		return
	}
	s.log.Info("card inserted")
	if !s.c.AutoMount() {
		return
	}
	if err := s.c.Mount(ctx); err != nil {
		s.log.Warn("mount after insertion", "err", err)
	}
}

func (s *Service) handle(ctx context.Context, msg *bus.Message) {
	if len(msg.Topic) != 4 {
		s.reply(msg, nil, errcode.New(errcode.InvalidTopic, "control", msg.Topic.String()))
		return
	}
	verb, _ := msg.Topic[3].(string)
	res, err := s.dispatch(ctx, verb, msg.Payload)
	if err != nil {
		s.log.Debug("control failed", "verb", verb, "err", err)
	}
	s.reply(msg, res, err)
}

func (s *Service) dispatch(ctx context.Context, verb string, payload any) (any, error) {
	switch verb {
	case VerbWrite:
		return submit[fileops.Write](ctx, s.c, payload)
	case VerbAppend:
		return submit[fileops.Append](ctx, s.c, payload)
	case VerbCreateDirectory:
		return submit[fileops.CreateDirectory](ctx, s.c, payload)
	case VerbRemoveDirectory:
		return submit[fileops.RemoveDirectory](ctx, s.c, payload)
	case VerbDeleteFile:
		return submit[fileops.DeleteFile](ctx, s.c, payload)
	case VerbReadStream:
		return s.streamStep(ctx, payload)
	case VerbReadFile:
		return withPath(payload, func(p string) (any, error) { return s.c.ReadFile(ctx, p) })
	case VerbFileSize:
		return withPath(payload, func(p string) (any, error) { return s.c.FileSize(ctx, p) })
	case VerbIsDirectory:
		return withPath(payload, func(p string) (any, error) { return s.c.IsDirectory(ctx, p) })
	case VerbChecksum:
		return withPath(payload, func(p string) (any, error) { return s.c.Checksum(ctx, p) })
	case VerbList:
		req, err := decode[types.ListRequest](payload)
		if err != nil {
			return nil, err
		}
		return s.c.ListDirectory(ctx, req.Path, req.Depth, req.Pattern)
	case VerbMount:
		return s.stateAfter(s.c.Mount(ctx))
	case VerbUnmount:
		return s.stateAfter(s.c.Unmount())
	case VerbRemount:
		return s.stateAfter(s.c.Remount(ctx))
	case VerbUsage:
		return s.c.QueryUsage()
	case VerbInfo:
		return s.c.CardInfo()
	case VerbState:
		return s.c.State(), nil
	default:
		return nil, errcode.New(errcode.Unsupported, "control", verb)
	}
}

func (s *Service) stateAfter(err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return s.c.State(), nil
}

// streamStep serves one chunk per request. The requester continues from
// the returned Next offset until EOF.
func (s *Service) streamStep(ctx context.Context, payload any) (any, error) {
	req, err := decode[fileops.ReadStream](payload)
	if err != nil {
		return nil, err
	}
	out, err := s.c.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	size := req.BufferSize
	if size == 0 {
		size = fileops.DefaultBufferSize
	}
	data, err := out.Stream.Next(ctx)
	chunk := types.StreamChunk{Path: req.Path, Offset: req.Offset, Next: out.Stream.Offset()}
	switch {
	case errors.Is(err, io.EOF):
		chunk.EOF = true
	case err != nil:
		return nil, err
	default:
		chunk.Data = data
		chunk.EOF = len(data) < size
	}
	return chunk, nil
}

func (s *Service) reply(msg *bus.Message, res any, err error) {
	r := types.Reply{OK: err == nil, Result: res}
	if err != nil {
		r.Result = nil
		r.Error = string(errcode.Of(err))
		r.Msg = err.Error()
	}
	s.conn.Reply(msg, r, false)
}

func submit[T fileops.Operation](ctx context.Context, c Component, payload any) (any, error) {
	op, err := decode[T](payload)
	if err != nil {
		return nil, err
	}
	out, err := c.Submit(ctx, op)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func withPath(payload any, fn func(p string) (any, error)) (any, error) {
	req, err := decode[types.PathRequest](payload)
	if err != nil {
		return nil, err
	}
	return fn(req.Path)
}

// decode accepts the typed payload (value or pointer) or anything that
// round-trips through JSON into it.
func decode[T any](src any) (T, error) {
	var dst T
	switch v := src.(type) {
	case T:
		return v, nil
	case *T:
		if v != nil {
			return *v, nil
		}
	case nil:
	case []byte:
		if err := json.Unmarshal(v, &dst); err != nil {
			return dst, errcode.Wrap(errcode.InvalidPayload, "decode", err)
		}
		return dst, nil
	case string:
		if err := json.Unmarshal([]byte(v), &dst); err != nil {
			return dst, errcode.Wrap(errcode.InvalidPayload, "decode", err)
		}
		return dst, nil
	default:
		b, err := json.Marshal(v)
		if err == nil {
			err = json.Unmarshal(b, &dst)
		}
		if err != nil {
			return dst, errcode.Wrap(errcode.InvalidPayload, "decode", err)
		}
		return dst, nil
	}
	return dst, errcode.New(errcode.InvalidPayload, "decode", "missing payload")
}
