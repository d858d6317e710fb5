//go:build linux || darwin

package evnet

import (
	"context"
	"net"
	"net/netip"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-ioreactor/eventloop"
	"github.com/joeycumines/go-ioreactor/internal/invariant"
	"github.com/joeycumines/go-ioreactor/liveness"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// DefaultBacklog is used by Listen for a non-positive backlog.
const DefaultBacklog = 511

type listenerState uint8

const (
	listenerIdle listenerState = iota
	listenerListening
	listenerClosed
)

// Listener accepts TCP connections, wiring each into a Conn obtained from
// ListenerHandler.NewConnection. Instances must be initialized using the
// NewListener factory. Methods must be called on the loop goroutine.
type Listener struct {
	loop    *eventloop.Loop
	handler ListenerHandler
	opts    *netOptions
	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
	token   *liveness.Token
	addr    net.Addr
	fd      int
	state   listenerState
}

// NewListener returns a Listener that delivers events to handler. Of the
// options, WithRegistry, WithLogger, WithResolver, and WithAcceptRateLimit
// apply.
func NewListener(loop *eventloop.Loop, handler ListenerHandler, opts ...Option) *Listener {
	if loop == nil {
		panic(`evnet: nil loop`)
	}
	if handler == nil {
		handler = BaseListenerHandler{}
	}
	cfg := resolveOptions(loop, opts)
	l := Listener{
		loop:    loop,
		handler: handler,
		opts:    cfg,
		logger:  cfg.logger,
		fd:      -1,
	}
	if len(cfg.acceptRates) != 0 {
		l.limiter = catrate.NewLimiter(cfg.acceptRates)
	}
	return &l
}

// Loop returns the loop the Listener runs on.
func (l *Listener) Loop() *eventloop.Loop {
	return l.loop
}

// Addr returns the bound address, or nil if not listening. Useful with port
// 0.
func (l *Listener) Addr() net.Addr {
	return l.addr
}

// Listen binds to address (host:port) and starts accepting. An empty host
// means all IPv4 interfaces. On success the Listener holds a token until
// closed.
//
// A hostname is resolved synchronously, on the loop goroutine, so every other
// Conn and timer on the loop waits for that lookup; pass a numeric host to
// avoid blocking the loop. Unlike Conn.Connect, Listen never uses the pool.
func (l *Listener) Listen(address string, backlog int) error {
	if !l.loop.IsLoopThread() {
		return eventloop.ErrNotLoopThread
	}
	switch l.state {
	case listenerListening:
		return ErrInvalidState
	case listenerClosed:
		return ErrClosed
	}

	host, port, err := splitAddress(address)
	if err != nil {
		return err
	}

	ap, ok := parseNumeric(host, port, netip.IPv4Unspecified())
	if !ok {
		ap, err = lookup(context.Background(), l.opts.resolver, host, port, netip.IPv4Unspecified())
		if err != nil {
			return &OpError{Op: `listen`, Addr: address, Err: err}
		}
	}

	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	fd, bound, err := listenSocket(ap, backlog)
	if err != nil {
		return &OpError{Op: `listen`, Addr: address, Err: err}
	}

	if err := l.loop.RegisterFD(fd, eventloop.EventRead, l.onReadable); err != nil {
		closeFD(fd)
		return &OpError{Op: `listen`, Addr: address, Err: err}
	}

	l.fd = fd
	l.addr = bound
	l.state = listenerListening
	l.token = l.opts.registry.Acquire()

	l.logger.Debug().
		Str(`addr`, bound.String()).
		Int(`backlog`, backlog).
		Log(`evnet: listening`)

	return nil
}

// onReadable accepts until the queue is drained.
func (l *Listener) onReadable(eventloop.IOEvents) {
	for l.state == listenerListening {
		nfd, sa, err := acceptSocket(l.fd)
		switch err {
		case nil:
		case unix.EAGAIN:
			return
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM:
			// transient, retried on the next readiness event
			l.logger.Err().
				Err(err).
				Str(`addr`, l.addr.String()).
				Log(`evnet: accept failed`)
			return
		default:
			l.teardown(&OpError{Op: `accept`, Addr: l.addr.String(), Err: err})
			return
		}
		l.accept(nfd, fromSockaddr(sa))
	}
}

func (l *Listener) accept(fd int, remote net.Addr) {
	if !l.allow(remote) {
		closeFD(fd)
		return
	}

	c := l.handler.NewConnection(l)
	if c == nil {
		closeFD(fd)
		l.logger.Debug().
			Stringer(`remote`, remote).
			Log(`evnet: connection rejected by handler`)
		return
	}

	if err := c.attach(l.loop, fd, remote); err != nil {
		closeFD(fd)
		l.logger.Err().
			Err(err).
			Stringer(`remote`, remote).
			Log(`evnet: failed to wire accepted socket`)
		return
	}

	l.logger.Debug().
		Stringer(`remote`, remote).
		Log(`evnet: accepted`)

	l.handler.OnAccepted(l, c)
	c.accepted()
}

func (l *Listener) allow(remote net.Addr) bool {
	if l.limiter == nil {
		return true
	}
	var category any = ``
	if addr, ok := remote.(*net.TCPAddr); ok {
		category = addr.AddrPort().Addr()
	}
	if next, ok := l.limiter.Allow(category); !ok {
		l.logger.Warning().
			Stringer(`remote`, remote).
			Time(`retry`, next).
			Log(`evnet: accept rate limited`)
		return false
	}
	return true
}

// Close stops accepting and closes the listening socket. OnClose follows on
// a later loop turn. Idempotent.
func (l *Listener) Close() error {
	if !l.loop.IsLoopThread() {
		return eventloop.ErrNotLoopThread
	}
	switch l.state {
	case listenerIdle:
		l.state = listenerClosed
	case listenerListening:
		l.teardown(nil)
	}
	return nil
}

func (l *Listener) teardown(err error) {
	if l.state != listenerListening {
		return
	}
	l.state = listenerClosed

	if uerr := l.loop.UnregisterFD(l.fd); uerr != nil {
		invariant.Panicf(`evnet: unregister fd %d: %w`, l.fd, uerr)
	}
	closeFD(l.fd)
	l.fd = -1

	if err != nil {
		l.logger.Err().
			Err(err).
			Str(`addr`, l.addr.String()).
			Log(`evnet: listener failed`)
	} else {
		l.logger.Debug().
			Str(`addr`, l.addr.String()).
			Log(`evnet: listener closed`)
	}

	token := l.token
	notify := func() {
		defer token.Release()
		l.handler.OnClose(l, err)
	}
	if serr := l.loop.SubmitInternal(notify); serr != nil {
		notify()
	}
}
