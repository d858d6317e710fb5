//go:build linux || darwin

package evnet

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-ioreactor/eventloop"
	"github.com/joeycumines/go-ioreactor/internal/invariant"
	"github.com/joeycumines/go-ioreactor/liveness"
	"github.com/joeycumines/go-ioreactor/textenc"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// maxReadsPerEvent bounds the reads done for one readiness event, so a busy
// connection cannot starve the rest of the loop.
const maxReadsPerEvent = 16

// Conn is a non-blocking TCP connection. Instances must be initialized
// using the NewConn factory, or by a Listener.
//
// Apart from ReadyState, methods must be called on the loop goroutine, and
// return eventloop.ErrNotLoopThread otherwise.
type Conn struct {
	loop     *eventloop.Loop
	handler  Handler
	opts     *netOptions
	logger   *logiface.Logger[logiface.Event]
	token    *liveness.Token
	local    net.Addr
	remote   net.Addr
	readBuf  []byte
	carry    []byte
	outbound [][]byte
	address  string
	fd       int
	timeout  time.Duration
	timerID  eventloop.TimerID
	timerGen uint64
	state    atomic.Uint32
	events   eventloop.IOEvents
	enc      textenc.Encoding

	// registered with the poller
	registered bool
	// the connect completed
	established bool
	paused      bool
	// the peer half-closed
	readEOF bool
	// shutdown(SHUT_WR) done
	writeShut bool
}

// NewConn returns an Idle Conn, which delivers events to handler.
func NewConn(loop *eventloop.Loop, handler Handler, opts ...Option) *Conn {
	if loop == nil {
		panic(`evnet: nil loop`)
	}
	if handler == nil {
		handler = BaseHandler{}
	}
	cfg := resolveOptions(loop, opts)
	return &Conn{
		loop:    loop,
		handler: handler,
		opts:    cfg,
		logger:  cfg.logger,
		fd:      -1,
	}
}

// ReadyState returns the current state. Safe for concurrent use.
func (c *Conn) ReadyState() State {
	return State(c.state.Load())
}

func (c *Conn) setState(s State) {
	c.state.Store(uint32(s))
}

// LocalAddr returns the local address, or nil before the connection is
// established.
func (c *Conn) LocalAddr() net.Addr {
	return c.local
}

// RemoteAddr returns the peer address, or nil before the connection is
// established.
func (c *Conn) RemoteAddr() net.Addr {
	return c.remote
}

// Loop returns the loop the Conn runs on.
func (c *Conn) Loop() *eventloop.Loop {
	return c.loop
}

// Connect starts connecting to address (host:port). A numeric host goes
// straight to Connecting, anything else is first resolved on the worker
// pool. Only legal while Idle. Failures after Connect returns nil are
// reported via OnClose.
func (c *Conn) Connect(address string) error {
	if !c.loop.IsLoopThread() {
		return eventloop.ErrNotLoopThread
	}
	if c.ReadyState() != StateIdle {
		return ErrInvalidState
	}

	host, port, err := splitAddress(address)
	if err != nil {
		return err
	}

	if ap, ok := parseNumeric(host, port, loopback4); ok {
		c.address = address
		c.token = c.opts.registry.Acquire()
		c.dial(ap)
		return nil
	}

	if c.opts.pool == nil {
		return ErrNoPool
	}

	c.address = address
	c.token = c.opts.registry.Acquire()
	c.setState(StateResolving)

	if err := c.opts.pool.Submit(context.Background(), func() { c.resolve(host, port) }); err != nil {
		c.setState(StateIdle)
		c.token.Release()
		c.token = nil
		return fmt.Errorf(`evnet: resolve %s: %w`, address, err)
	}

	c.logger.Debug().
		Str(`addr`, address).
		Log(`evnet: resolving`)

	return nil
}

var loopback4 = netip.AddrFrom4([4]byte{127, 0, 0, 1})

// resolve runs on the worker pool.
func (c *Conn) resolve(host, port string) {
	ap, err := lookup(context.Background(), c.opts.resolver, host, port, loopback4)
	if submitErr := c.loop.SubmitInternal(func() { c.resolved(ap, err) }); submitErr != nil {
		// the loop has stopped, so nothing else can touch the Conn
		c.logger.Warning().
			Err(submitErr).
			Str(`addr`, c.address).
			Log(`evnet: loop unavailable, finishing resolution on worker`)
		if err == nil {
			err = submitErr
		}
		c.resolved(ap, err)
	}
}

func (c *Conn) resolved(ap netip.AddrPort, err error) {
	switch c.ReadyState() {
	case StateResolving:
	case StateClosing:
		// Close while resolving
		c.teardown(nil)
		return
	default:
		// ForceClose while resolving
		return
	}
	if err != nil {
		c.teardown(&OpError{Op: `resolve`, Addr: c.address, Err: err})
		return
	}
	c.dial(ap)
}

func (c *Conn) dial(ap netip.AddrPort) {
	c.setState(StateConnecting)

	// like net.Dial, an unspecified address means the local system
	if ap.Addr().IsUnspecified() {
		if ap.Addr().Is4() {
			ap = netip.AddrPortFrom(loopback4, ap.Port())
		} else {
			ap = netip.AddrPortFrom(netip.IPv6Loopback(), ap.Port())
		}
	}

	fd, err := dialSocket(ap)
	if err != nil {
		c.later(func() { c.teardown(&OpError{Op: `connect`, Addr: c.address, Err: err}) })
		return
	}
	c.fd = fd

	if err := c.loop.RegisterFD(fd, eventloop.EventWrite, c.onEvents); err != nil {
		c.later(func() { c.teardown(&OpError{Op: `connect`, Addr: c.address, Err: err}) })
		return
	}
	c.registered = true
	c.events = eventloop.EventWrite

	c.logger.Debug().
		Str(`addr`, c.address).
		Str(`ip`, ap.String()).
		Log(`evnet: connecting`)
}

// attach wires an accepted socket into an Idle Conn.
func (c *Conn) attach(loop *eventloop.Loop, fd int, remote net.Addr) error {
	if c.loop != loop {
		return fmt.Errorf(`evnet: accepted conn is on a different loop`)
	}
	if c.ReadyState() != StateIdle {
		return fmt.Errorf(`%w: accepted conn is %s`, ErrInvalidState, c.ReadyState())
	}
	c.fd = fd
	c.remote = remote
	if sa, err := unix.Getsockname(fd); err == nil {
		c.local = fromSockaddr(sa)
	}
	if remote != nil {
		c.address = remote.String()
	}
	c.established = true
	c.setState(StateConnected)
	if err := c.updateInterest(); err != nil {
		c.fd = -1
		c.established = false
		c.setState(StateIdle)
		return err
	}
	c.token = c.opts.registry.Acquire()
	return nil
}

// accepted fires OnConnect for a Conn wired by a Listener.
func (c *Conn) accepted() {
	if c.ReadyState() == StateClosed {
		return
	}
	c.rearmTimer()
	c.handler.OnConnect(c)
}

// Send queues data, writing as much as possible immediately. Only legal
// while Connected. The slice is not retained.
func (c *Conn) Send(data []byte) error {
	if !c.loop.IsLoopThread() {
		return eventloop.ErrNotLoopThread
	}
	switch c.ReadyState() {
	case StateConnected:
	case StateClosing:
		return ErrClosing
	case StateClosed:
		return ErrClosed
	default:
		return ErrInvalidState
	}
	if len(data) == 0 {
		return nil
	}

	if len(c.outbound) == 0 {
		// write errors resurface on the next flush, asynchronously
		if n, err := unix.Write(c.fd, data); err == nil && n > 0 {
			c.rearmTimer()
			data = data[n:]
		}
		if len(data) == 0 {
			return nil
		}
	}

	c.outbound = append(c.outbound, append([]byte(nil), data...))
	if err := c.updateInterest(); err != nil {
		c.failLater(`write`, err)
	}
	return nil
}

// SendText encodes s per enc, then sends it. Encoding failures are returned
// before anything is queued.
func (c *Conn) SendText(s string, enc textenc.Encoding) error {
	b, err := enc.Encode(s)
	if err != nil {
		return err
	}
	return c.Send(b)
}

// SetEncoding sets the framing of OnReceive chunks. With textenc.UTF8, a
// chunk never ends part way through a multi-byte sequence.
func (c *Conn) SetEncoding(enc textenc.Encoding) error {
	if !c.loop.IsLoopThread() {
		return eventloop.ErrNotLoopThread
	}
	if !enc.Valid() {
		return textenc.ErrUnknownEncoding
	}
	c.enc = enc
	return nil
}

// Close starts a graceful close: pending data is flushed, the send side is
// shut down, and the Conn is torn down once the peer's EOF is seen. A no-op
// once Closing or Closed. An Idle Conn goes straight to Closed, with no
// OnClose.
func (c *Conn) Close() error {
	if !c.loop.IsLoopThread() {
		return eventloop.ErrNotLoopThread
	}
	switch c.ReadyState() {
	case StateIdle:
		c.setState(StateClosed)
	case StateResolving, StateConnecting:
		// finished when the lookup or connect completes
		c.setState(StateClosing)
	case StateConnected:
		c.setState(StateClosing)
		c.later(c.beginShutdown)
	}
	return nil
}

// ForceClose tears the Conn down immediately, discarding unsent data. The
// socket is closed before it returns, and OnClose follows on a later loop
// turn. A no-op once Closed.
func (c *Conn) ForceClose() error {
	if !c.loop.IsLoopThread() {
		return eventloop.ErrNotLoopThread
	}
	switch c.ReadyState() {
	case StateIdle:
		c.setState(StateClosed)
	case StateClosed:
	default:
		if c.closeSocket() {
			c.later(func() { c.notifyClose(nil) })
		}
	}
	return nil
}

// ReadPause stops OnReceive (and OnEOF) delivery until ReadResume. Inbound
// data stays buffered by the kernel.
func (c *Conn) ReadPause() error {
	if !c.loop.IsLoopThread() {
		return eventloop.ErrNotLoopThread
	}
	if c.paused {
		return nil
	}
	c.paused = true
	if err := c.updateInterest(); err != nil {
		c.failLater(`poll`, err)
	}
	return nil
}

// ReadResume undoes ReadPause. Buffered data is delivered as soon as the
// loop next polls.
func (c *Conn) ReadResume() error {
	if !c.loop.IsLoopThread() {
		return eventloop.ErrNotLoopThread
	}
	if !c.paused {
		return nil
	}
	c.paused = false
	if err := c.updateInterest(); err != nil {
		c.failLater(`poll`, err)
	}
	return nil
}

// SetTimeout (re)arms the inactivity timer. Each successful read or write
// re-arms it. On expiry OnTimeout is called once, without any state change.
// A non-positive d disarms it.
func (c *Conn) SetTimeout(d time.Duration) error {
	if !c.loop.IsLoopThread() {
		return eventloop.ErrNotLoopThread
	}
	c.timeout = d
	c.rearmTimer()
	return nil
}

func (c *Conn) rearmTimer() {
	c.stopTimer()
	if c.timeout <= 0 || !c.established || c.ReadyState() == StateClosed {
		return
	}
	c.timerGen++
	gen := c.timerGen
	id, err := c.loop.ScheduleTimer(c.timeout, func() {
		if gen != c.timerGen || c.ReadyState() == StateClosed {
			return
		}
		c.timerID = 0
		c.handler.OnTimeout(c)
	})
	if err != nil {
		c.logger.Warning().
			Err(err).
			Str(`addr`, c.address).
			Log(`evnet: failed to arm timeout`)
		return
	}
	c.timerID = id
}

func (c *Conn) stopTimer() {
	if c.timerID != 0 {
		_ = c.loop.CancelTimer(c.timerID)
		c.timerID = 0
	}
	c.timerGen++
}

// interest computes the events the poller should report.
func (c *Conn) interest() eventloop.IOEvents {
	if !c.established {
		return eventloop.EventWrite
	}
	var ev eventloop.IOEvents
	if !c.paused && !c.readEOF {
		ev |= eventloop.EventRead
	}
	if len(c.outbound) != 0 {
		ev |= eventloop.EventWrite
	}
	return ev
}

func (c *Conn) updateInterest() error {
	if c.fd < 0 {
		return nil
	}
	want := c.interest()
	if !c.registered {
		if want == 0 {
			return nil
		}
		if err := c.loop.RegisterFD(c.fd, want, c.onEvents); err != nil {
			return err
		}
		c.registered = true
		c.events = want
		return nil
	}
	if want == c.events {
		return nil
	}
	if err := c.loop.ModifyFD(c.fd, want); err != nil {
		return err
	}
	c.events = want
	return nil
}

// onEvents is the poller callback.
func (c *Conn) onEvents(ev eventloop.IOEvents) {
	if c.fd < 0 {
		return
	}

	if !c.established {
		c.finishConnect()
		return
	}

	if ev&eventloop.EventWrite != 0 && len(c.outbound) != 0 {
		c.flush()
		if c.fd < 0 {
			return
		}
	}

	if ev&(eventloop.EventRead|eventloop.EventError|eventloop.EventHangup) == 0 {
		return
	}

	switch {
	case !c.paused && !c.readEOF:
		c.handleRead()
	case ev&eventloop.EventError != 0:
		c.teardown(&OpError{Op: `read`, Addr: c.address, Err: socketError(c.fd)})
	case ev&eventloop.EventHangup != 0 && c.paused:
		// the kernel keeps reporting hangup regardless of interest, so park
		// until resumed, at which point the buffered data and the error are
		// read normally
		c.park()
	case ev&eventloop.EventHangup != 0:
		c.teardown(&OpError{Op: `read`, Addr: c.address, Err: socketError(c.fd)})
	}
}

func (c *Conn) park() {
	if !c.registered {
		return
	}
	if err := c.loop.UnregisterFD(c.fd); err != nil {
		invariant.Panicf(`evnet: unregister fd %d: %w`, c.fd, err)
	}
	c.registered = false
	c.events = 0
}

func (c *Conn) finishConnect() {
	if err := pendingError(c.fd); err != nil {
		c.teardown(&OpError{Op: `connect`, Addr: c.address, Err: err})
		return
	}
	remote, err := unix.Getpeername(c.fd)
	if err != nil {
		// spurious wakeup, still in progress
		return
	}
	c.remote = fromSockaddr(remote)
	if sa, err := unix.Getsockname(c.fd); err == nil {
		c.local = fromSockaddr(sa)
	}
	c.established = true

	if err := c.updateInterest(); err != nil {
		c.teardown(&OpError{Op: `connect`, Addr: c.address, Err: err})
		return
	}

	if c.ReadyState() == StateClosing {
		// Close while connecting
		c.beginShutdown()
		return
	}

	c.setState(StateConnected)
	c.logger.Debug().
		Str(`addr`, c.address).
		Log(`evnet: connected`)
	c.rearmTimer()
	c.handler.OnConnect(c)
}

func (c *Conn) handleRead() {
	for range maxReadsPerEvent {
		n, err := unix.Read(c.fd, c.buffer())
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return
		case err != nil:
			c.teardown(&OpError{Op: `read`, Addr: c.address, Err: err})
			return
		case n == 0:
			c.handleEOF()
			return
		}

		c.rearmTimer()
		c.deliver(c.readBuf[:n])

		// the handler may have closed or paused
		if c.fd < 0 || c.paused {
			return
		}
	}
}

func (c *Conn) buffer() []byte {
	if c.readBuf == nil {
		c.readBuf = make([]byte, c.opts.readBufferSize)
	}
	return c.readBuf
}

func (c *Conn) deliver(data []byte) {
	if c.enc == textenc.UTF8 {
		if len(c.carry) != 0 {
			data = append(c.carry[:len(c.carry):len(c.carry)], data...)
			c.carry = nil
		}
		n := textenc.CompletePrefix(data)
		if n != len(data) {
			c.carry = append([]byte(nil), data[n:]...)
			data = data[:n]
		}
		if len(data) == 0 {
			return
		}
	}
	c.handler.OnReceive(c, data)
}

func (c *Conn) handleEOF() {
	if len(c.carry) != 0 {
		carry := c.carry
		c.carry = nil
		c.handler.OnReceive(c, carry)
		if c.fd < 0 {
			return
		}
	}

	c.readEOF = true
	c.logger.Debug().
		Str(`addr`, c.address).
		Log(`evnet: peer half-closed`)

	c.handler.OnEOF(c)
	if c.fd < 0 {
		return
	}

	if c.writeShut {
		c.teardown(nil)
		return
	}
	if err := c.updateInterest(); err != nil {
		c.teardown(&OpError{Op: `read`, Addr: c.address, Err: err})
	}
}

// flush writes queued data until the kernel buffer fills.
func (c *Conn) flush() {
	for len(c.outbound) != 0 {
		buf := c.outbound[0]
		n, err := unix.Write(c.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			c.teardown(&OpError{Op: `write`, Addr: c.address, Err: err})
			return
		}
		if n > 0 {
			c.rearmTimer()
		}
		if n < len(buf) {
			c.outbound[0] = buf[n:]
			continue
		}
		c.outbound[0] = nil
		c.outbound = c.outbound[1:]
	}

	if len(c.outbound) == 0 {
		c.outbound = nil
		if c.ReadyState() == StateClosing && !c.writeShut {
			c.shutdownWrite()
			if c.fd < 0 {
				return
			}
		}
	}

	if err := c.updateInterest(); err != nil {
		c.teardown(&OpError{Op: `write`, Addr: c.address, Err: err})
	}
}

// beginShutdown continues a Close, once established.
func (c *Conn) beginShutdown() {
	if c.fd < 0 || c.writeShut || c.ReadyState() != StateClosing {
		return
	}
	if len(c.outbound) != 0 {
		// flush will shut down once the queue drains
		if err := c.updateInterest(); err != nil {
			c.teardown(&OpError{Op: `write`, Addr: c.address, Err: err})
		}
		return
	}
	c.shutdownWrite()
}

func (c *Conn) shutdownWrite() {
	c.writeShut = true
	if err := unix.Shutdown(c.fd, unix.SHUT_WR); err != nil && err != unix.ENOTCONN {
		c.teardown(&OpError{Op: `shutdown`, Addr: c.address, Err: err})
		return
	}
	c.logger.Debug().
		Str(`addr`, c.address).
		Log(`evnet: send side shut down`)
	if c.readEOF {
		c.teardown(nil)
	}
}

// later runs fn on a subsequent loop turn, so handlers never run inside the
// call that triggered them.
func (c *Conn) later(fn func()) {
	if err := c.loop.SubmitInternal(fn); err != nil {
		fn()
	}
}

func (c *Conn) failLater(op string, err error) {
	c.later(func() { c.teardown(&OpError{Op: op, Addr: c.address, Err: err}) })
}

// teardown closes the socket, then fires OnClose and releases the token.
// Idempotent.
func (c *Conn) teardown(err error) {
	if c.closeSocket() {
		c.notifyClose(err)
	}
}

// closeSocket moves to Closed and releases the socket, reporting false if
// the Conn was already Closed.
func (c *Conn) closeSocket() bool {
	if c.ReadyState() == StateClosed {
		return false
	}
	c.setState(StateClosed)
	c.stopTimer()
	c.outbound = nil
	c.carry = nil
	c.readBuf = nil

	if c.fd >= 0 {
		if c.registered {
			if uerr := c.loop.UnregisterFD(c.fd); uerr != nil {
				invariant.Panicf(`evnet: unregister fd %d: %w`, c.fd, uerr)
			}
			c.registered = false
			c.events = 0
		}
		closeFD(c.fd)
		c.fd = -1
	}
	return true
}

func (c *Conn) notifyClose(err error) {
	if err != nil {
		c.logger.Debug().
			Err(err).
			Str(`addr`, c.address).
			Log(`evnet: connection failed`)
	} else {
		c.logger.Debug().
			Str(`addr`, c.address).
			Log(`evnet: connection closed`)
	}

	defer c.token.Release()
	c.handler.OnClose(c, err)
}
