// Package fileops executes file operations against the mounted volume, one
// at a time, in submission order.
package fileops

import (
	"path"
	"strings"

	"sdcard-go/errcode"
)

// Operation is one of Write, Append, CreateDirectory, RemoveDirectory,
// DeleteFile or ReadStream.
type Operation interface {
	Kind() string
	Target() string
	isOperation()
}

// Write creates or truncates Path and writes Data.
type Write struct {
	Path string `json:"path"`
	Data []byte `json:"data"`
}

// Append creates Path if absent and writes Data at its end.
type Append struct {
	Path string `json:"path"`
	Data []byte `json:"data"`
}

type CreateDirectory struct {
	Path string `json:"path"`
}

// RemoveDirectory removes an empty directory. It never recurses.
type RemoveDirectory struct {
	Path string `json:"path"`
}

type DeleteFile struct {
	Path string `json:"path"`
}

// ReadStream reads Path from Offset in chunks of at most BufferSize bytes.
// Zero BufferSize selects DefaultBufferSize.
type ReadStream struct {
	Path       string `json:"path"`
	Offset     int64  `json:"offset"`
	BufferSize int    `json:"buffer_size"`
}

func (Write) Kind() string           { return "write" }
func (Append) Kind() string          { return "append" }
func (CreateDirectory) Kind() string { return "create_directory" }
func (RemoveDirectory) Kind() string { return "remove_directory" }
func (DeleteFile) Kind() string      { return "delete_file" }
func (ReadStream) Kind() string      { return "read_stream" }

func (o Write) Target() string           { return o.Path }
func (o Append) Target() string          { return o.Path }
func (o CreateDirectory) Target() string { return o.Path }
func (o RemoveDirectory) Target() string { return o.Path }
func (o DeleteFile) Target() string      { return o.Path }
func (o ReadStream) Target() string      { return o.Path }

func (Write) isOperation()           {}
func (Append) isOperation()          {}
func (CreateDirectory) isOperation() {}
func (RemoveDirectory) isOperation() {}
func (DeleteFile) isOperation()      {}
func (ReadStream) isOperation()      {}

// Outcome reports a completed operation. Stream is set for ReadStream only.
type Outcome struct {
	Kind   string  `json:"kind"`
	Path   string  `json:"path"`
	Bytes  int     `json:"bytes,omitempty"`
	Stream *Stream `json:"-"`
}

// DefaultBufferSize is the stream chunk size when none is given.
const DefaultBufferSize = 512

// cleanPath validates p and maps it into the volume: absolute, no "..",
// and a leading mount point is stripped.
func cleanPath(op, p, mountPoint string) (string, error) {
	if p == "" {
		return "", errcode.PathErr(errcode.InvalidPath, op, p, nil)
	}
	if !strings.HasPrefix(p, "/") {
		return "", &errcode.E{C: errcode.InvalidPath, Op: op, Path: p, Msg: "not absolute"}
	}
	for _, el := range strings.Split(p, "/") {
		if el == ".." {
			return "", &errcode.E{C: errcode.InvalidPath, Op: op, Path: p, Msg: "parent reference"}
		}
	}
	c := path.Clean(p)
	if mountPoint != "" && mountPoint != "/" {
		switch {
		case c == mountPoint:
			c = "/"
		case strings.HasPrefix(c, mountPoint+"/"):
			c = c[len(mountPoint):]
		}
	}
	return c, nil
}

// externalPath is the inverse of cleanPath.
func externalPath(p, mountPoint string) string {
	if mountPoint == "" || mountPoint == "/" {
		return p
	}
	if p == "/" {
		return mountPoint
	}
	return mountPoint + p
}
