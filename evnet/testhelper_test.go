//go:build linux || darwin

package evnet

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-ioreactor/eventloop"
	"github.com/joeycumines/go-ioreactor/liveness"
	"github.com/joeycumines/go-ioreactor/workerpool"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

type harness struct {
	t        *testing.T
	loop     *eventloop.Loop
	pool     *workerpool.Pool
	registry *liveness.Registry
}

func newHarness(t *testing.T, opts ...eventloop.LoopOption) *harness {
	t.Helper()
	h := harness{t: t, registry: liveness.NewRegistry()}
	var err error
	h.loop, err = eventloop.New(opts...)
	require.NoError(t, err)
	h.pool = workerpool.New(&workerpool.Config{Workers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.loop.Run(ctx) }()
	t.Cleanup(func() {
		_ = h.pool.Close()
		cancel()
		<-h.loop.Done()
	})
	return &h
}

// run executes fn on the loop goroutine and waits for it.
func (h *harness) run(fn func()) {
	h.t.Helper()
	done := make(chan struct{})
	require.NoError(h.t, h.loop.Submit(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(waitTimeout):
		h.t.Fatal(`timed out waiting for loop task`)
	}
}

// listen starts a listener on an ephemeral loopback port.
func (h *harness) listen(handler ListenerHandler, opts ...Option) (*Listener, string) {
	h.t.Helper()
	opts = append([]Option{WithRegistry(h.registry)}, opts...)
	var (
		l   *Listener
		err error
	)
	h.run(func() {
		l = NewListener(h.loop, handler, opts...)
		err = l.Listen(`127.0.0.1:0`, 0)
	})
	require.NoError(h.t, err)
	return l, l.Addr().String()
}

// dial connects a new Conn, delivering to handler.
func (h *harness) dial(address string, handler Handler, opts ...Option) *Conn {
	h.t.Helper()
	opts = append([]Option{WithRegistry(h.registry), WithPool(h.pool)}, opts...)
	var (
		c   *Conn
		err error
	)
	h.run(func() {
		c = NewConn(h.loop, handler, opts...)
		err = c.Connect(address)
	})
	require.NoError(h.t, err)
	return c
}

// closedPort returns a loopback address nothing is listening on.
func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen(`tcp`, `127.0.0.1:0`)
	require.NoError(t, err)
	address := ln.Addr().String()
	require.NoError(t, ln.Close())
	return address
}

type event struct {
	err  error
	conn *Conn
	kind string
	data string
	// state at the time of the event
	state State
}

// recorder is a Handler that reports every event on a channel, optionally
// forwarding to hooks.
type recorder struct {
	events    chan event
	onConnect func(c *Conn)
	onReceive func(c *Conn, data []byte)
	onEOF     func(c *Conn)
	onTimeout func(c *Conn)
}

func newRecorder() *recorder {
	return &recorder{events: make(chan event, 1024)}
}

func (r *recorder) OnConnect(c *Conn) {
	r.events <- event{kind: `connect`, conn: c, state: c.ReadyState()}
	if r.onConnect != nil {
		r.onConnect(c)
	}
}

func (r *recorder) OnReceive(c *Conn, data []byte) {
	r.events <- event{kind: `receive`, conn: c, data: string(data), state: c.ReadyState()}
	if r.onReceive != nil {
		r.onReceive(c, data)
	}
}

func (r *recorder) OnEOF(c *Conn) {
	r.events <- event{kind: `eof`, conn: c, state: c.ReadyState()}
	if r.onEOF != nil {
		r.onEOF(c)
	}
}

func (r *recorder) OnClose(c *Conn, err error) {
	r.events <- event{kind: `close`, conn: c, err: err, state: c.ReadyState()}
}

func (r *recorder) OnTimeout(c *Conn) {
	r.events <- event{kind: `timeout`, conn: c, state: c.ReadyState()}
	if r.onTimeout != nil {
		r.onTimeout(c)
	}
}

func (r *recorder) next(t *testing.T) event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal(`timed out waiting for event`)
		panic(`unreachable`)
	}
}

func (r *recorder) expect(t *testing.T, kind string) event {
	t.Helper()
	ev := r.next(t)
	require.Equal(t, kind, ev.kind, `event: %+v`, ev)
	return ev
}

// receive collects receive events until n bytes have arrived.
func (r *recorder) receive(t *testing.T, n int) string {
	t.Helper()
	var b []byte
	for len(b) < n {
		ev := r.expect(t, `receive`)
		b = append(b, ev.data...)
	}
	return string(b)
}

// quiet asserts no event arrives within d.
func (r *recorder) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf(`unexpected event: %+v`, ev)
	case <-time.After(d):
	}
}

// acceptor is a ListenerHandler that reports accepted conns, which are
// built with a handler from newHandler.
type acceptor struct {
	newHandler func() Handler
	factory    func(l *Listener) *Conn
	onAccepted func(l *Listener, c *Conn)
	registry   *liveness.Registry
	accepted   chan *Conn
	closed     chan error
}

func newAcceptor(registry *liveness.Registry, newHandler func() Handler) *acceptor {
	return &acceptor{
		newHandler: newHandler,
		registry:   registry,
		accepted:   make(chan *Conn, 64),
		closed:     make(chan error, 8),
	}
}

func (a *acceptor) NewConnection(l *Listener) *Conn {
	if a.factory != nil {
		return a.factory(l)
	}
	return NewConn(l.Loop(), a.newHandler(), WithRegistry(a.registry))
}

func (a *acceptor) OnAccepted(l *Listener, c *Conn) {
	a.accepted <- c
	if a.onAccepted != nil {
		a.onAccepted(l, c)
	}
}

func (a *acceptor) OnClose(_ *Listener, err error) {
	a.closed <- err
}

func (a *acceptor) next(t *testing.T) *Conn {
	t.Helper()
	select {
	case c := <-a.accepted:
		return c
	case <-time.After(waitTimeout):
		t.Fatal(`timed out waiting for accept`)
		panic(`unreachable`)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(`condition not met`)
		}
		time.Sleep(time.Millisecond)
	}
}

var errTestDNS = errors.New(`test resolver: no dns`)

// offlineResolver resolves only what the hosts file knows.
func offlineResolver() *net.Resolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(context.Context, string, string) (net.Conn, error) {
			return nil, errTestDNS
		},
	}
}

// syncBuffer is a goroutine-safe bytes.Buffer, for capturing log output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

func newTestLogger(w *syncBuffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
}
