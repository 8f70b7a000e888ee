package errcode

import "errors"

// Code is a stable, bus-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK             Code = "ok"
	Busy           Code = "busy"
	Unsupported    Code = "unsupported"
	InvalidParams  Code = "invalid_params"
	InvalidPayload Code = "invalid_payload"
	InvalidTopic   Code = "invalid_topic"

	// Bus
	PinConflict Code = "pin_conflict"
	UnknownPin  Code = "unknown_pin"
	Timeout     Code = "timeout"
	NotPresent  Code = "not_present"
	CRCMismatch Code = "crc_mismatch"
	BusClosed   Code = "bus_closed"

	// Card
	InitFailed   Code = "init_failed"
	CardNotReady Code = "card_not_ready"

	// Mount
	NotMounted   Code = "not_mounted"
	NoFilesystem Code = "no_filesystem"
	MountFailed  Code = "mount_failed"

	// File
	NotFound     Code = "not_found"
	PathNotFound Code = "path_not_found"
	NotEmpty     Code = "not_empty"
	Exists       Code = "exists"
	IsDir        Code = "is_directory"
	NotDir       Code = "not_directory"
	InvalidPath  Code = "invalid_path"
	IOError      Code = "io_error"
	NoSpace      Code = "no_space"

	Error Code = "error" // generic fallback
)

// Class groups codes by the layer that raises them.
type Class uint8

const (
	ClassGeneric Class = iota
	ClassBus
	ClassCard
	ClassMount
	ClassFile
)

func (c Class) String() string {
	switch c {
	case ClassBus:
		return "bus"
	case ClassCard:
		return "card"
	case ClassMount:
		return "mount"
	case ClassFile:
		return "file"
	default:
		return "generic"
	}
}

// Class reports which layer a code belongs to.
func (c Code) Class() Class {
	switch c {
	case PinConflict, UnknownPin, Timeout, NotPresent, CRCMismatch, BusClosed:
		return ClassBus
	case InitFailed, CardNotReady:
		return ClassCard
	case NotMounted, NoFilesystem, MountFailed:
		return ClassMount
	case NotFound, PathNotFound, NotEmpty, Exists, IsDir, NotDir, InvalidPath, IOError, NoSpace:
		return ClassFile
	default:
		return ClassGeneric
	}
}

// E is the wrapper used when we want to keep context and a cause.
type E struct {
	C    Code
	Op   string
	Path string
	Msg  string
	Err  error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Path != "" {
		s += " " + e.Path
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is matches a bare Code against this error's code, so that
// errors.Is(err, errcode.Timeout) walks through wrapping layers.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// New builds a coded error with a message.
func New(c Code, op, msg string) error { return &E{C: c, Op: op, Msg: msg} }

// Wrap builds a coded error around a cause. A nil cause still yields an error.
func Wrap(c Code, op string, err error) error { return &E{C: c, Op: op, Err: err} }

// PathErr builds a coded error bound to a path.
func PathErr(c Code, op, path string, err error) error {
	return &E{C: c, Op: op, Path: path, Err: err}
}

// Of extracts the outermost Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Error
}

// Has reports whether any layer of err carries code c.
func Has(err error, c Code) bool { return errors.Is(err, c) }
