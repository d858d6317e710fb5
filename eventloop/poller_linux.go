//go:build linux

package eventloop

import (
	"golang.org/x/sys/unix"
)

// osPoller is epoll. Registrations are level-triggered.
type osPoller struct {
	buf  [pollBatch]unix.EpollEvent
	epfd int
}

func (x *osPoller) open() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	x.epfd = epfd
	return nil
}

func (x *osPoller) close() error {
	return unix.Close(x.epfd)
}

func (x *osPoller) add(fd int, events IOEvents) error {
	return x.ctl(unix.EPOLL_CTL_ADD, fd, events)
}

func (x *osPoller) modify(fd int, _, events IOEvents) error {
	return x.ctl(unix.EPOLL_CTL_MOD, fd, events)
}

func (x *osPoller) remove(fd int, _ IOEvents) error {
	return unix.EpollCtl(x.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (x *osPoller) ctl(op, fd int, events IOEvents) error {
	ev := unix.EpollEvent{Fd: int32(fd)}
	if events&EventRead != 0 {
		ev.Events |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		ev.Events |= unix.EPOLLOUT
	}
	return unix.EpollCtl(x.epfd, op, fd, &ev)
}

func (x *osPoller) wait(timeoutMs int) (int, error) {
	n, err := unix.EpollWait(x.epfd, x.buf[:], timeoutMs)
	if err == unix.EINTR {
		return 0, nil
	}
	return n, err
}

// event decodes the i'th result of the last wait. EPOLLRDHUP is not
// requested, so a half close surfaces as a zero-length read.
func (x *osPoller) event(i int) (int, IOEvents) {
	e := &x.buf[i]
	var events IOEvents
	for _, m := range [...]struct {
		bit   uint32
		event IOEvents
	}{
		{unix.EPOLLIN, EventRead},
		{unix.EPOLLOUT, EventWrite},
		{unix.EPOLLERR, EventError},
		{unix.EPOLLHUP, EventHangup},
	} {
		if e.Events&m.bit != 0 {
			events |= m.event
		}
	}
	return int(e.Fd), events
}
