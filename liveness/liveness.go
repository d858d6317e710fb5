// Package liveness tracks outstanding asynchronous work, so that a reactor
// knows whether it must keep running.
//
// Every in-flight completion, connection, and listener holds exactly one
// [Token]. The count held by a [Registry] is the number of unreleased tokens.
package liveness

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-ioreactor/internal/invariant"
)

// Default is the process-wide registry, used when no other is configured.
var Default = NewRegistry()

type (
	// Registry is an atomic count of outstanding work. The zero value is not
	// usable, see [NewRegistry].
	Registry struct {
		watchers map[uint64]func()
		count    atomic.Int64
		mu       sync.Mutex
		nextID   uint64
	}

	// Token is a single keep-alive reference, obtained via [Registry.Acquire].
	Token struct {
		registry *Registry
		released atomic.Bool
	}
)

// NewRegistry returns a registry with a count of zero.
func NewRegistry() *Registry {
	return &Registry{watchers: make(map[uint64]func())}
}

// Acquire increments the count and returns the token that must later be
// released, exactly once. Safe for concurrent use.
func (x *Registry) Acquire() *Token {
	x.count.Add(1)
	return &Token{registry: x}
}

// Live returns the number of unreleased tokens.
func (x *Registry) Live() int64 {
	return x.count.Load()
}

// NotifyIdle registers fn to be called (on the releasing goroutine) every
// time the count drops to zero. The returned function removes it.
func (x *Registry) NotifyIdle(fn func()) (stop func()) {
	x.mu.Lock()
	id := x.nextID
	x.nextID++
	x.watchers[id] = fn
	x.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			x.mu.Lock()
			delete(x.watchers, id)
			x.mu.Unlock()
		})
	}
}

// Idle returns a channel that is closed the next time the count is zero,
// which may be immediately.
func (x *Registry) Idle() <-chan struct{} {
	ch := make(chan struct{})
	var once sync.Once
	x.mu.Lock()
	id := x.nextID
	x.nextID++
	fire := func() {
		once.Do(func() {
			close(ch)
			x.mu.Lock()
			delete(x.watchers, id)
			x.mu.Unlock()
		})
	}
	x.watchers[id] = fire
	x.mu.Unlock()
	if x.Live() == 0 {
		fire()
	}
	return ch
}

// Wait blocks until the count is zero, or ctx is done.
func (x *Registry) Wait(ctx context.Context) error {
	if x.Live() == 0 {
		return nil
	}
	ch := make(chan struct{}, 1)
	stop := x.NotifyIdle(func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	defer stop()
	for x.Live() != 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
	return nil
}

func (x *Registry) release() {
	n := x.count.Add(-1)
	if n < 0 {
		invariant.Panicf(`liveness: negative count`)
	}
	if n != 0 {
		return
	}
	x.mu.Lock()
	watchers := make([]func(), 0, len(x.watchers))
	for _, fn := range x.watchers {
		watchers = append(watchers, fn)
	}
	x.mu.Unlock()
	for _, fn := range watchers {
		fn()
	}
}

// Release decrements the registry's count. Only the first call has any
// effect, and reports true. Nil tokens are ignored.
func (x *Token) Release() bool {
	if x == nil || !x.released.CompareAndSwap(false, true) {
		return false
	}
	x.registry.release()
	return true
}

// Released reports whether Release has been called.
func (x *Token) Released() bool {
	return x != nil && x.released.Load()
}
