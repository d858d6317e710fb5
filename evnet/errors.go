package evnet

import (
	"errors"
)

var (
	// ErrClosed is returned by operations on a closed Conn or Listener.
	ErrClosed = errors.New(`evnet: closed`)

	// ErrClosing is returned by Send after Close.
	ErrClosing = errors.New(`evnet: closing`)

	// ErrInvalidState is returned by operations that are not legal in the
	// current state, e.g. Connect on a Conn that is not Idle.
	ErrInvalidState = errors.New(`evnet: invalid state`)

	// ErrInvalidAddress is returned for an address that is not host:port.
	ErrInvalidAddress = errors.New(`evnet: invalid address`)

	// ErrNoPool is returned by Connect for a hostname, when the Conn was
	// created without WithPool.
	ErrNoPool = errors.New(`evnet: hostname resolution requires a worker pool`)
)

// OpError describes a failed socket operation. It is what Handler.OnClose
// receives when a connection ends abnormally.
type OpError struct {
	Err  error
	Op   string
	Addr string
}

func (e *OpError) Error() string {
	s := `evnet: ` + e.Op
	if e.Addr != `` {
		s += ` ` + e.Addr
	}
	if e.Err != nil {
		s += `: ` + e.Err.Error()
	}
	return s
}

func (e *OpError) Unwrap() error {
	return e.Err
}
