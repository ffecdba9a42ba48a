package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	gomodbus "github.com/goburrow/modbus"
)

var ErrNotConnected = errors.New("not connected")

type ConnErrorKind int

const (
	ConnTimeout ConnErrorKind = iota + 1
	ConnRefused
)

func (k ConnErrorKind) String() string {
	switch k {
	case ConnTimeout:
		return "timeout"
	case ConnRefused:
		return "refused"
	default:
		return "unknown"
	}
}

// ConnError is returned by Connect.
type ConnError struct {
	Kind   ConnErrorKind
	Target string
	Err    error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.Target, e.Kind, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

type IoErrorKind int

const (
	IoTimeout IoErrorKind = iota + 1
	IoMalformed
	IoDisconnected
)

func (k IoErrorKind) String() string {
	switch k {
	case IoTimeout:
		return "timeout"
	case IoMalformed:
		return "malformed"
	case IoDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// IoError is returned by a failed read or write exchange.
type IoError struct {
	Kind    IoErrorKind
	Op      string
	Address uint16
	Err     error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("%s 0x%04X: %s: %v", e.Op, e.Address, e.Kind, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// IsDisconnect reports whether err means the connection is gone.
func IsDisconnect(err error) bool {
	var ioErr *IoError
	return errors.As(err, &ioErr) && ioErr.Kind == IoDisconnected
}

// DropsConnection reports whether the client discarded its connection
// after err. Only a malformed response leaves the connection usable.
func DropsConnection(err error) bool {
	var ioErr *IoError
	return errors.As(err, &ioErr) && (ioErr.Kind == IoTimeout || ioErr.Kind == IoDisconnected)
}

func classifyConn(target string, err error) *ConnError {
	kind := ConnRefused
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = ConnTimeout
	}
	return &ConnError{Kind: kind, Target: target, Err: err}
}

func classifyIo(op string, address uint16, err error) *IoError {
	var (
		mbErr *gomodbus.ModbusError
		ne    net.Error
	)

	kind := IoMalformed
	switch {
	case errors.As(err, &mbErr):
		// Exception-Response vom Gerät, Verbindung bleibt gültig
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		kind = IoTimeout
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		ne != nil:
		kind = IoDisconnected
	}
	return &IoError{Kind: kind, Op: op, Address: address, Err: err}
}
