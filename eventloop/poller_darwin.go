//go:build darwin

package eventloop

import (
	"golang.org/x/sys/unix"
)

// osPoller is kqueue, with one filter per interest bit.
type osPoller struct {
	buf [pollBatch]unix.Kevent_t
	kq  int
}

func (x *osPoller) open() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	x.kq = kq
	return nil
}

func (x *osPoller) close() error {
	return unix.Close(x.kq)
}

func (x *osPoller) add(fd int, events IOEvents) error {
	return x.apply(fd, events, unix.EV_ADD|unix.EV_ENABLE)
}

func (x *osPoller) modify(fd int, from, to IOEvents) error {
	// deleting a filter that is gone already is harmless
	_ = x.apply(fd, from&^to, unix.EV_DELETE)
	return x.apply(fd, to&^from, unix.EV_ADD|unix.EV_ENABLE)
}

func (x *osPoller) remove(fd int, events IOEvents) error {
	_ = x.apply(fd, events, unix.EV_DELETE)
	return nil
}

func (x *osPoller) apply(fd int, events IOEvents, flags uint16) error {
	changes := make([]unix.Kevent_t, 0, 2)
	if events&EventRead != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if events&EventWrite != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(x.kq, changes, nil, nil)
	return err
}

func (x *osPoller) wait(timeoutMs int) (int, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}
	n, err := unix.Kevent(x.kq, nil, x.buf[:], ts)
	if err == unix.EINTR {
		return 0, nil
	}
	return n, err
}

// event decodes the i'th result of the last wait. EV_EOF is reported as a
// hangup alongside the filter's own readiness.
func (x *osPoller) event(i int) (int, IOEvents) {
	kev := &x.buf[i]
	var events IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events = EventRead
	case unix.EVFILT_WRITE:
		events = EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return int(kev.Ident), events
}
