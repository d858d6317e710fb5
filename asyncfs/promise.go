//go:build linux || darwin

package asyncfs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"syscall"

	"github.com/joeycumines/go-ioreactor/internal/invariant"
	"github.com/joeycumines/go-ioreactor/liveness"
)

// Result is the payload of a successful operation. Which fields are set
// depends on Kind.
type Result struct {
	// Stat is set by stat.
	Stat *Stats
	// Data is set by read: the bytes read.
	Data []byte
	// Text is set by read: Data decoded per the requested encoding.
	Text string
	// Names is set by readdir.
	Names []string
	// Int is the new fd (open), or the byte count (read, write).
	Int  int
	Kind Kind
}

// Promise is a handle to a single dispatched operation. It settles exactly
// once, on the loop goroutine, with either a Result or an error.
type Promise struct {
	fs       *FS
	req      *request
	token    *liveness.Token
	done     chan struct{}
	err      error
	handlers []handler
	result   Result
	mu       sync.Mutex
	kind     Kind
	settled  bool
}

type handler struct {
	onSuccess func(Result)
	onError   func(error)
}

// Kind returns the operation kind.
func (x *Promise) Kind() Kind {
	return x.kind
}

// Then registers callbacks for the terminal event. Exactly one of them will
// be called, on the loop goroutine. Either may be nil. Callbacks registered
// after settlement are still delivered, asynchronously.
// Safe to call from any goroutine.
func (x *Promise) Then(onSuccess func(Result), onError func(error)) *Promise {
	h := handler{onSuccess: onSuccess, onError: onError}
	x.mu.Lock()
	if !x.settled {
		x.handlers = append(x.handlers, h)
		x.mu.Unlock()
		return x
	}
	result, err := x.result, x.err
	x.mu.Unlock()

	deliver := func() { h.call(result, err) }
	if e := x.fs.loop.SubmitInternal(deliver); e != nil {
		x.fs.logger.Warning().
			Str(`kind`, x.kind.String()).
			Err(e).
			Log(`asyncfs: loop unavailable, delivering directly`)
		deliver()
	}
	return x
}

// Done is closed once the promise has settled and its callbacks have run.
func (x *Promise) Done() <-chan struct{} {
	return x.done
}

// Result returns the outcome. It is only meaningful once Done is closed.
func (x *Promise) Result() (Result, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.result, x.err
}

// Wait blocks until the promise settles, or ctx is done. It must not be
// called on the loop goroutine.
func (x *Promise) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-x.done:
		return x.Result()
	}
}

// Attached reports whether the promise is still holding the loop alive,
// which is true from dispatch until its terminal event.
func (x *Promise) Attached() bool {
	return !x.token.Released()
}

// complete is called on the worker goroutine after execute.
func (x *Promise) complete() {
	if err := x.fs.loop.SubmitInternal(x.settle); err != nil {
		x.fs.logger.Warning().
			Str(`kind`, x.kind.String()).
			Err(err).
			Log(`asyncfs: loop unavailable, settling on worker`)
		x.settle()
	}
}

// settle converts the request into the terminal event, and delivers it.
func (x *Promise) settle() {
	result, err := x.convert()

	x.mu.Lock()
	if x.settled {
		x.mu.Unlock()
		invariant.Panicf(`asyncfs: promise settled twice`)
	}
	x.settled = true
	x.result, x.err = result, err
	handlers := x.handlers
	x.handlers = nil
	x.req = nil
	x.mu.Unlock()

	defer func() {
		close(x.done)
		x.token.Release()
	}()

	for _, h := range handlers {
		h.call(result, err)
	}
}

func (x *Promise) convert() (Result, error) {
	req := x.req
	if req.err != nil {
		var errno syscall.Errno
		cause := req.err
		if errors.As(cause, &errno) {
			cause = errno
		}
		return Result{}, &Error{Kind: req.kind, Path: req.path, Err: cause}
	}

	result := Result{Kind: req.kind}
	switch req.kind {
	case KindClose, KindRename, KindUnlink, KindRmdir, KindMkdir:
	case KindOpen, KindWrite:
		result.Int = req.n
	case KindRead:
		result.Int = req.n
		result.Data = req.data
		text, err := req.enc.Decode(req.data)
		if err != nil {
			return Result{}, &Error{Kind: req.kind, Err: err}
		}
		result.Text = text
	case KindStat:
		result.Stat = req.stat
	case KindReaddir:
		for _, name := range req.names {
			if name == `` || strings.IndexByte(name, 0) != -1 {
				invariant.Panicf(`asyncfs: invalid directory entry name: %q`, name)
			}
		}
		result.Names = req.names
	default:
		invariant.Panicf(`asyncfs: unknown request kind: %s`, req.kind)
	}
	return result, nil
}

func (h handler) call(result Result, err error) {
	if err != nil {
		if h.onError != nil {
			h.onError(err)
		}
		return
	}
	if h.onSuccess != nil {
		h.onSuccess(result)
	}
}
