// Package logx is the process-wide structured logger shared by all
// components. Each component logs through its own Component tag.
package logx

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Component identifies a subsystem for log filtering.
type Component string

const (
	ComponentBus       Component = "busdrv"
	ComponentCard      Component = "card"
	ComponentMount     Component = "mount"
	ComponentFileOps   Component = "fileops"
	ComponentTelemetry Component = "telemetry"
	ComponentService   Component = "sdcard"
	ComponentPlatform  Component = "platform"
	ComponentFileSrv   Component = "file_server"
)

var (
	defaultLogger *slog.Logger
	level         = new(slog.LevelVar)
	mu            sync.RWMutex
)

func init() {
	level.Set(slog.LevelWarn)
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// SetLevel sets the minimum level for all components.
func SetLevel(l slog.Level) { level.Set(l) }

// Level returns the current minimum level.
func Level() slog.Level { return level.Level() }

// SetLogger replaces the default logger.
func SetLogger(l *slog.Logger) {
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
}

// SetOutput points the default text logger at w, keeping the shared level.
func SetOutput(w io.Writer, json bool) {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if json {
		h = slog.NewJSONHandler(w, opts)
	}
	SetLogger(slog.New(h))
}

// For returns a logger tagged with the component. The tag is resolved
// against the default logger at call time, so SetLogger affects
// loggers obtained earlier.
func For(c Component) *Logger { return &Logger{c: c} }

// Logger is a thin component-scoped view over the default logger.
type Logger struct {
	c     Component
	attrs []any
}

// With returns a logger with extra attributes attached.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{c: l.c, attrs: append(append([]any(nil), l.attrs...), args...)}
}

func (l *Logger) base() *slog.Logger {
	mu.RLock()
	lg := defaultLogger
	mu.RUnlock()
	return lg.With(append([]any{"component", string(l.c)}, l.attrs...)...)
}

func (l *Logger) Debug(msg string, args ...any) { l.base().Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.base().Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.base().Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.base().Error(msg, args...) }
