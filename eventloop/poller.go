//go:build linux || darwin

package eventloop

import (
	"errors"
	"sync"
	"sync/atomic"
)

// maxFDLimit bounds the descriptors accepted by RegisterFD.
const maxFDLimit = 100000000

// pollBatch is the number of readiness events collected per wait.
const pollBatch = 256

// IOEvents is a bitmask of readiness conditions.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

var (
	ErrFDOutOfRange        = errors.New("eventloop: fd out of range")
	ErrFDAlreadyRegistered = errors.New("eventloop: fd already registered")
	ErrFDNotRegistered     = errors.New("eventloop: fd not registered")
	ErrPollerClosed        = errors.New("eventloop: poller closed")
)

// IOCallback receives readiness for a registered descriptor, on the loop
// goroutine. EventError and EventHangup may be reported regardless of the
// registered interest.
type IOCallback func(IOEvents)

type registration struct {
	callback IOCallback
	events   IOEvents
}

// fdPoller pairs the platform readiness API (osPoller) with the table of
// registered callbacks.
//
// A callback is looked up per event, immediately before it is called, so
// one that unregisters another descriptor suppresses any event for it still
// pending in the same batch. Callers must still tolerate spurious readiness
// (EAGAIN).
type fdPoller struct {
	os     osPoller
	fds    map[int]registration
	mu     sync.RWMutex
	closed atomic.Bool
}

// Init opens the platform poller.
func (p *fdPoller) Init() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if err := p.os.open(); err != nil {
		return err
	}
	p.fds = make(map[int]registration)
	return nil
}

// Close releases the platform poller. Idempotent.
func (p *fdPoller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.os.close()
}

// RegisterFD starts monitoring fd for events. An empty mask is valid.
func (p *fdPoller) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 || fd >= maxFDLimit {
		return ErrFDOutOfRange
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.fds[fd]; ok {
		return ErrFDAlreadyRegistered
	}
	if err := p.os.add(fd, events); err != nil {
		return err
	}
	p.fds[fd] = registration{callback: cb, events: events}
	return nil
}

// UnregisterFD stops monitoring fd. It must be called before fd is closed.
func (p *fdPoller) UnregisterFD(fd int) error {
	if fd < 0 || fd >= maxFDLimit {
		return ErrFDOutOfRange
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	reg, ok := p.fds[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	return p.os.remove(fd, reg.events)
}

// ModifyFD replaces the interest mask of fd.
func (p *fdPoller) ModifyFD(fd int, events IOEvents) error {
	if fd < 0 || fd >= maxFDLimit {
		return ErrFDOutOfRange
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	reg, ok := p.fds[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	if err := p.os.modify(fd, reg.events, events); err != nil {
		return err
	}
	reg.events = events
	p.fds[fd] = reg
	return nil
}

// PollIO waits up to timeoutMs (negative blocks) for readiness, and runs the
// callbacks inline. It returns the number of events collected.
func (p *fdPoller) PollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}

	n, err := p.os.wait(timeoutMs)
	if err != nil {
		return 0, err
	}

	for i := 0; i < n; i++ {
		fd, events := p.os.event(i)
		p.mu.RLock()
		reg, ok := p.fds[fd]
		p.mu.RUnlock()
		if ok && reg.callback != nil {
			reg.callback(events)
		}
	}

	return n, nil
}
