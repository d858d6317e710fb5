package eventloop

import (
	"errors"
	"fmt"
)

var (
	// ErrLoopAlreadyRunning is returned by Run on a loop that has started.
	ErrLoopAlreadyRunning = errors.New("eventloop: loop is already running")

	// ErrLoopTerminated is returned once the loop has fully stopped, by Run
	// and by every submission method.
	ErrLoopTerminated = errors.New("eventloop: loop has been terminated")

	// ErrReentrantRun is returned by Run when called from a loop task.
	ErrReentrantRun = errors.New("eventloop: cannot call Run() from within the loop")

	// ErrNotLoopThread is returned by operations restricted to the loop
	// goroutine, when called from any other.
	ErrNotLoopThread = errors.New("eventloop: not called from the loop goroutine")

	// ErrTimerNotFound is returned by CancelTimer for an unknown, fired, or
	// already cancelled timer.
	ErrTimerNotFound = errors.New("eventloop: timer not found")
)

// PanicError carries a value recovered from a task or I/O callback. It is
// what gets logged, since the loop itself keeps running.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("eventloop: task panicked: %v", e.Value)
}

// Unwrap exposes Value, if it is an error.
func (e PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}
