package codec

import (
	"errors"
	"fmt"
)

var (
	ErrLengthMismatch = errors.New("length mismatch")
	ErrNotWritable    = errors.New("register not writable")
	ErrOutOfRange     = errors.New("value out of range")
	ErrInvalidValue   = errors.New("invalid value")
)

// DecodeError means the register map and the device disagree about a block's
// shape. It is a programming error, not a transient one.
type DecodeError struct {
	Block string
	Want  int
	Got   int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: expected %d words, got %d", e.Block, e.Want, e.Got)
}

func (e *DecodeError) Unwrap() error { return ErrLengthMismatch }

type EncodeError struct {
	Register string
	Kind     error // one of ErrNotWritable, ErrOutOfRange, ErrInvalidValue
	Detail   string
}

func (e *EncodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("encode %s: %v", e.Register, e.Kind)
	}
	return fmt.Sprintf("encode %s: %v: %s", e.Register, e.Kind, e.Detail)
}

func (e *EncodeError) Unwrap() error { return e.Kind }
