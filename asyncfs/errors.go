package asyncfs

import (
	"errors"
	"syscall"
)

// ErrBadArgument is the cause of every *ArgumentError.
var ErrBadArgument = errors.New("bad argument")

// ArgumentError indicates an operation was called with invalid arguments.
// It is always returned synchronously, and nothing is dispatched.
type ArgumentError struct {
	Cause   error
	Message string
	Kind    Kind
}

// Error implements the error interface.
func (e *ArgumentError) Error() string {
	if e.Message == "" {
		return ErrBadArgument.Error()
	}
	return ErrBadArgument.Error() + ": " + e.Message
}

// Unwrap returns ErrBadArgument, or the explicit cause.
func (e *ArgumentError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return ErrBadArgument
}

func badArgument(kind Kind, message string) error {
	return &ArgumentError{Kind: kind, Message: message}
}

// Error is the failure of a dispatched operation, delivered via the promise.
// The message is the operating system's description of the error.
type Error struct {
	Err  error
	Path string
	Kind Kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return "unknown error"
	}
	return e.Err.Error()
}

// Unwrap returns the underlying cause, usually a syscall.Errno, such that
// errors.Is(err, fs.ErrNotExist) works.
func (e *Error) Unwrap() error {
	return e.Err
}

// Errno returns the underlying errno, or 0 if there isn't one.
func (e *Error) Errno() syscall.Errno {
	var errno syscall.Errno
	if errors.As(e.Err, &errno) {
		return errno
	}
	return 0
}
