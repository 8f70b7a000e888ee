package fileops

import (
	"context"
	"errors"
	"io"
	"iter"
	"os"
	"sync"

	"sdcard-go/errcode"
	"sdcard-go/services/sdcard/internal/mount"
)

// Stream is a lazy, finite chunk sequence over one file. Every Next is one
// queued step that opens the file, seeks, reads and closes it again, so an
// abandoned stream holds nothing. A stream cannot be restarted.
type Stream struct {
	e    *Executor
	path string
	size int

	mu   sync.Mutex
	off  int64
	done bool
	err  error
}

func (e *Executor) openStream(ctx context.Context, p string, o ReadStream) (*Stream, error) {
	if o.Offset < 0 {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "read_stream", Path: p, Msg: "negative offset"}
	}
	if o.BufferSize < 0 {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "read_stream", Path: p, Msg: "negative buffer size"}
	}
	size := o.BufferSize
	if size == 0 {
		size = DefaultBufferSize
	}
	err := e.do(ctx, func(fs mount.Filesystem) error {
		fi, err := stat(fs, p)
		switch {
		case absent(err):
			return errcode.PathErr(errcode.NotFound, "read_stream", p, err)
		case err != nil:
			return err
		case fi.IsDir():
			return errcode.PathErr(errcode.IsDir, "read_stream", p, nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Stream{e: e, path: p, size: size, off: o.Offset}, nil
}

// Next returns the next chunk, or io.EOF once the file is exhausted. After
// a failure the error is returned once and io.EOF follows.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, io.EOF
	}

	var chunk []byte
	err := s.e.do(ctx, func(fs mount.Filesystem) error {
		f, err := fs.OpenFile(s.path, os.O_RDONLY)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := f.Seek(s.off, io.SeekStart); err != nil {
			return err
		}
		buf := make([]byte, s.size)
		n, err := io.ReadFull(f, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return err
		}
		chunk = buf[:n]
		return nil
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	if err != nil {
		s.done = true
		if errcode.Of(err) != errcode.NotMounted {
			err = errcode.PathErr(errcode.IOError, "read_stream", s.path, err)
		}
		s.err = err
		return nil, err
	}
	if len(chunk) == 0 {
		s.done = true
		return nil, io.EOF
	}
	s.off += int64(len(chunk))
	if len(chunk) < s.size {
		s.done = true
	}
	return chunk, nil
}

// Err is the failure that ended the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Offset is the file position of the next chunk.
func (s *Stream) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.off
}

// All ranges over the remaining chunks. A failure is yielded once as the
// last element.
func (s *Stream) All(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			b, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(b, err) || err != nil {
				return
			}
		}
	}
}
