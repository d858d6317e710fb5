// Package invariant reports broken internal invariants.
//
// A Violation means the process state can no longer be trusted, so neither
// the event loop nor the worker pool recovers one: it propagates, and the
// process aborts.
package invariant

import (
	"fmt"
)

// Violation is the panic value raised by Panicf.
type Violation struct {
	err error
}

// Panicf panics with a Violation. The format supports %w.
func Panicf(format string, args ...any) {
	panic(&Violation{err: fmt.Errorf(format, args...)})
}

// Is reports whether v, as returned by recover, is a Violation.
func Is(v any) bool {
	_, ok := v.(*Violation)
	return ok
}

func (x *Violation) Error() string {
	return x.err.Error()
}

func (x *Violation) Unwrap() error {
	return x.err
}
