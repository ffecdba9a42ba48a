package hub

import (
	"errors"
	"fmt"

	"github.com/KevinKickass/SajModbusHub/internal/codec"
)

var (
	ErrCycleInFlight    = errors.New("poll cycle already in flight")
	ErrReconnectPending = errors.New("reconnect backoff pending")
	ErrShuttingDown     = errors.New("hub is shutting down")
	ErrCycleAbandoned   = errors.New("in-flight cycle abandoned")
)

// Write error kinds, matched with errors.Is.
var (
	ErrUnknownRegister = errors.New("unknown register")
	ErrNotWritable     = codec.ErrNotWritable
	ErrOutOfRange      = codec.ErrOutOfRange
	ErrInvalidValue    = codec.ErrInvalidValue
	ErrIo              = errors.New("transport failure")
)

// WriteError is returned by Hub.Write.
type WriteError struct {
	Register string
	Kind     error
	Err      error
}

func (e *WriteError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("write %s: %v", e.Register, e.Kind)
	}
	return fmt.Sprintf("write %s: %v: %v", e.Register, e.Kind, e.Err)
}

func (e *WriteError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func encodeKind(err error) error {
	for _, kind := range []error{ErrNotWritable, ErrOutOfRange} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrInvalidValue
}
