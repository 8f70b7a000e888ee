package fileops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"sdcard-go/errcode"
	"sdcard-go/services/sdcard/internal/mount"
	"sdcard-go/x/logx"
)

// Volume is the mount manager as seen by the executor.
type Volume interface {
	Do(fn func(fs mount.Filesystem) error) error
	MountPoint() string
}

type Config struct {
	QueueSize int
}

// ErrStopped is returned for work submitted after the executor stopped.
var ErrStopped = errors.New("fileops: executor stopped")

type job struct {
	ctx  context.Context
	fn   func(fs mount.Filesystem) error
	done chan error
}

// Executor drains one FIFO queue on a single goroutine.
type Executor struct {
	vol     Volume
	reqQ    chan job
	stopped chan struct{}
	log     *logx.Logger
}

func New(vol Volume, cfg Config) *Executor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	return &Executor{
		vol:     vol,
		reqQ:    make(chan job, cfg.QueueSize),
		stopped: make(chan struct{}),
		log:     logx.For(logx.ComponentFileOps),
	}
}

// Start runs the queue until ctx ends. Queued work still pending then fails
// with ErrStopped.
func (e *Executor) Start(ctx context.Context) {
	go func() {
		defer e.drain()
		for {
			select {
			case <-ctx.Done():
				return
			case j := <-e.reqQ:
				if err := j.ctx.Err(); err != nil {
					j.done <- err
					continue
				}
				j.done <- e.vol.Do(j.fn)
			}
		}
	}()
}

func (e *Executor) drain() {
	close(e.stopped)
	for {
		select {
		case j := <-e.reqQ:
			j.done <- ErrStopped
		default:
			return
		}
	}
}

// do queues fn and waits for it. ctx is honoured until fn is dequeued.
func (e *Executor) do(ctx context.Context, fn func(fs mount.Filesystem) error) error {
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case e.reqQ <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
	select {
	case err := <-j.done:
		return err
	case <-e.stopped:
		select {
		case err := <-j.done:
			return err
		default:
			return ErrStopped
		}
	}
}

func (e *Executor) clean(op, p string) (string, error) {
	return cleanPath(op, p, e.vol.MountPoint())
}

// Submit runs op and blocks until it completes. For ReadStream the
// outcome carries a Stream whose chunks are read by later queued steps.
func (e *Executor) Submit(ctx context.Context, op Operation) (Outcome, error) {
	if op == nil {
		return Outcome{}, errcode.New(errcode.InvalidPayload, "submit", "nil operation")
	}
	kind := op.Kind()
	p, err := e.clean(kind, op.Target())
	if err != nil {
		return Outcome{Kind: kind, Path: op.Target()}, err
	}
	out := Outcome{Kind: kind, Path: op.Target()}

	switch o := op.(type) {
	case Write:
		err = e.do(ctx, func(fs mount.Filesystem) error { return writeFile(fs, p, o.Data, false) })
		out.Bytes = len(o.Data)
	case Append:
		err = e.do(ctx, func(fs mount.Filesystem) error { return writeFile(fs, p, o.Data, true) })
		out.Bytes = len(o.Data)
	case CreateDirectory:
		err = e.do(ctx, func(fs mount.Filesystem) error { return mkdir(fs, p) })
	case RemoveDirectory:
		err = e.do(ctx, func(fs mount.Filesystem) error { return rmdir(fs, p) })
	case DeleteFile:
		err = e.do(ctx, func(fs mount.Filesystem) error { return deleteFile(fs, p) })
	case ReadStream:
		out.Stream, err = e.openStream(ctx, p, o)
	default:
		err = errcode.New(errcode.Unsupported, "submit", fmt.Sprintf("%T", op))
	}
	if err != nil {
		out.Bytes = 0
		e.log.Warn("operation failed", "op", kind, "path", op.Target(), "err", err)
		return out, err
	}
	e.log.Debug("operation done", "op", kind, "path", op.Target(), "bytes", out.Bytes)
	return out, nil
}

// ---- operation bodies; they run on the executor goroutine ----

func absent(err error) bool {
	return errcode.Has(err, errcode.NotFound) || errcode.Has(err, errcode.PathNotFound)
}

func stat(fs mount.Filesystem, p string) (os.FileInfo, error) {
	if p == "/" {
		return rootInfo{}, nil
	}
	return fs.Stat(p)
}

// checkParent requires the parent of p to be an existing directory.
func checkParent(fs mount.Filesystem, op, p string) error {
	dir := path.Dir(p)
	fi, err := stat(fs, dir)
	switch {
	case absent(err):
		return errcode.PathErr(errcode.PathNotFound, op, p, err)
	case err != nil:
		return err
	case !fi.IsDir():
		return &errcode.E{C: errcode.PathNotFound, Op: op, Path: p, Msg: dir + " is a file"}
	}
	return nil
}

func writeFile(fs mount.Filesystem, p string, data []byte, appendTo bool) error {
	op := "write"
	if appendTo {
		op = "append"
	}
	if err := checkParent(fs, op, p); err != nil {
		return err
	}
	if fi, err := stat(fs, p); err == nil && fi.IsDir() {
		return errcode.PathErr(errcode.IsDir, op, p, nil)
	}

	flag := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if appendTo {
		flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := fs.OpenFile(p, flag)
	if err != nil {
		return err
	}
	for rest := data; len(rest) > 0; {
		n, err := f.Write(rest)
		if err != nil {
			f.Close()
			return ioErr(op, p, err)
		}
		if n == 0 {
			f.Close()
			return errcode.PathErr(errcode.NoSpace, op, p, io.ErrShortWrite)
		}
		rest = rest[n:]
	}
	return ioErr(op, p, f.Close())
}

func mkdir(fs mount.Filesystem, p string) error {
	if p == "/" {
		return errcode.PathErr(errcode.Exists, "mkdir", p, nil)
	}
	if err := checkParent(fs, "mkdir", p); err != nil {
		return err
	}
	if _, err := stat(fs, p); err == nil {
		return errcode.PathErr(errcode.Exists, "mkdir", p, nil)
	}
	return fs.Mkdir(p)
}

func rmdir(fs mount.Filesystem, p string) error {
	if p == "/" {
		return &errcode.E{C: errcode.InvalidPath, Op: "rmdir", Path: p, Msg: "volume root"}
	}
	fi, err := stat(fs, p)
	switch {
	case absent(err):
		return errcode.PathErr(errcode.NotFound, "rmdir", p, err)
	case err != nil:
		return err
	case !fi.IsDir():
		return errcode.PathErr(errcode.NotDir, "rmdir", p, nil)
	}
	entries, err := mount.ReadDir(fs, p)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return &errcode.E{C: errcode.NotEmpty, Op: "rmdir", Path: p, Msg: fmt.Sprintf("%d entries", len(entries))}
	}
	return fs.Remove(p)
}

func deleteFile(fs mount.Filesystem, p string) error {
	fi, err := stat(fs, p)
	switch {
	case absent(err):
		return errcode.PathErr(errcode.NotFound, "delete", p, nil)
	case err != nil:
		return err
	case fi.IsDir():
		return errcode.PathErr(errcode.IsDir, "delete", p, nil)
	}
	return fs.Remove(p)
}

// ioErr keeps taxonomy codes and files everything else under IOError.
func ioErr(op, p string, err error) error {
	if err == nil {
		return nil
	}
	switch errcode.Of(err) {
	case errcode.NoSpace, errcode.NotMounted:
		return err
	}
	return errcode.PathErr(errcode.IOError, op, p, err)
}
