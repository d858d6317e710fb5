//go:build linux || darwin

package evnet

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"syscall"

	"github.com/joeycumines/go-ioreactor/internal/invariant"
	"golang.org/x/sys/unix"
)

// splitAddress splits host:port, reporting ErrInvalidAddress on failure.
func splitAddress(address string) (host, port string, err error) {
	host, port, err = net.SplitHostPort(address)
	if err != nil {
		return ``, ``, fmt.Errorf(`%w: %w`, ErrInvalidAddress, err)
	}
	if port == `` {
		return ``, ``, fmt.Errorf(`%w: missing port in %q`, ErrInvalidAddress, address)
	}
	return host, port, nil
}

// parseNumeric returns the address for a numeric host and port, if both
// are. An empty host is mapped to def.
func parseNumeric(host, port string, def netip.Addr) (netip.AddrPort, bool) {
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, false
	}
	if host == `` {
		return netip.AddrPortFrom(def, uint16(p)), true
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(p)), true
}

// lookup resolves host and port (which may be a service name). IPv4
// addresses are preferred.
func lookup(ctx context.Context, resolver *net.Resolver, host, port string, def netip.Addr) (netip.AddrPort, error) {
	p, err := resolver.LookupPort(ctx, `tcp`, port)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if host == `` {
		return netip.AddrPortFrom(def, uint16(p)), nil
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(addr.Unmap(), uint16(p)), nil
	}
	addrs, err := resolver.LookupNetIP(ctx, `ip`, host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, &net.DNSError{Err: `no such host`, Name: host, IsNotFound: true}
	}
	addr := addrs[0]
	for _, v := range addrs {
		if v.Unmap().Is4() {
			addr = v
			break
		}
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(p)), nil
}

func toSockaddr(ap netip.AddrPort) (unix.Sockaddr, int, error) {
	addr := ap.Addr()
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
	if zone := addr.Zone(); zone != `` {
		if id, err := strconv.ParseUint(zone, 10, 32); err == nil {
			sa.ZoneId = uint32(id)
		} else {
			ifi, err := net.InterfaceByName(zone)
			if err != nil {
				return nil, 0, err
			}
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa, unix.AF_INET6, nil
}

func fromSockaddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return net.TCPAddrFromAddrPort(netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)))
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(sa.Addr)
		if sa.ZoneId != 0 {
			addr = addr.WithZone(strconv.FormatUint(uint64(sa.ZoneId), 10))
		}
		return net.TCPAddrFromAddrPort(netip.AddrPortFrom(addr, uint16(sa.Port)))
	default:
		return nil
	}
}

// dialSocket starts a non-blocking connect. The returned fd is valid even if
// the connect is still in progress.
func dialSocket(ap netip.AddrPort) (int, error) {
	sa, family, err := toSockaddr(ap)
	if err != nil {
		return -1, err
	}
	fd, err := newSocket(family)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	switch err := unix.Connect(fd, sa); err {
	case nil, unix.EINPROGRESS, unix.EINTR:
		return fd, nil
	default:
		_ = unix.Close(fd)
		return -1, err
	}
}

// listenSocket binds and listens, with SO_REUSEADDR set.
func listenSocket(ap netip.AddrPort, backlog int) (int, net.Addr, error) {
	sa, family, err := toSockaddr(ap)
	if err != nil {
		return -1, nil, err
	}
	fd, err := newSocket(family)
	if err != nil {
		return -1, nil, err
	}
	fail := func(err error) (int, net.Addr, error) {
		_ = unix.Close(fd)
		return -1, nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail(err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail(err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail(err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		return fail(err)
	}
	return fd, fromSockaddr(bound), nil
}

// pendingError returns (and clears) SO_ERROR, or nil if there is none.
func pendingError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return syscall.Errno(v)
	}
	return nil
}

// socketError is pendingError, defaulting to ECONNRESET.
func socketError(fd int) error {
	if err := pendingError(fd); err != nil {
		return err
	}
	return unix.ECONNRESET
}

// closeFD closes fd, panicking if it was not open.
func closeFD(fd int) {
	if err := unix.Close(fd); err == unix.EBADF {
		invariant.Panicf(`evnet: close of invalid fd %d`, fd)
	}
}
