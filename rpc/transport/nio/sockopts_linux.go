//go:build linux

package nio

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"

	"github.com/ValentinKolb/dNIO/rpc/common"
	"golang.org/x/sys/unix"
)

// applySocketOptions configures an accepted or connecting socket. All options
// are attempted, the failures are returned joined.
func applySocketOptions(fd int, socket common.SocketConf, tcp common.TCPConf) error {
	var errs []error
	set := func(level, opt, value int, name string) {
		if err := unix.SetsockoptInt(fd, level, opt, value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if socket.WriteBufferSize > 0 {
		set(unix.SOL_SOCKET, unix.SO_SNDBUF, socket.WriteBufferSize, "SO_SNDBUF")
	}
	if socket.ReadBufferSize > 0 {
		set(unix.SOL_SOCKET, unix.SO_RCVBUF, socket.ReadBufferSize, "SO_RCVBUF")
	}
	if tcp.TCPNoDelay {
		set(unix.IPPROTO_TCP, unix.TCP_NODELAY, 1, "TCP_NODELAY")
	}
	if tcp.TCPKeepAliveSec > 0 {
		set(unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1, "SO_KEEPALIVE")
		set(unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, tcp.TCPKeepAliveSec, "TCP_KEEPIDLE")
		set(unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, tcp.TCPKeepAliveSec, "TCP_KEEPINTVL")
	}
	if tcp.TCPLingerSec >= 0 {
		linger := &unix.Linger{Onoff: 1, Linger: int32(tcp.TCPLingerSec)}
		if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, linger); err != nil {
			errs = append(errs, fmt.Errorf("SO_LINGER: %w", err))
		}
	}
	return errors.Join(errs...)
}

// socketError returns the pending error of a socket (SO_ERROR), which tells
// the outcome of a non-blocking connect
func socketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return syscall.Errno(v)
	}
	return nil
}

// newStreamSocket creates a non-blocking TCP socket for addr
func newStreamSocket(addr *net.TCPAddr) (int, unix.Sockaddr, error) {
	sa, family, err := toSockaddr(addr)
	if err != nil {
		return -1, nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, fmt.Errorf("failed to create socket: %w", err)
	}
	return fd, sa, nil
}

func toSockaddr(addr *net.TCPAddr) (unix.Sockaddr, int, error) {
	if addr.IP == nil || addr.IP.To4() != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 := addr.IP.To4(); ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return sa, unix.AF_INET, nil
	}

	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	if addr.Zone != "" {
		iface, err := net.InterfaceByName(addr.Zone)
		if err != nil {
			return nil, 0, fmt.Errorf("unknown zone %s: %w", addr.Zone, err)
		}
		sa.ZoneId = uint32(iface.Index)
	}
	return sa, unix.AF_INET6, nil
}

func fromSockaddr(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	default:
		return &net.TCPAddr{}
	}
}

// parsePortRange splits "host:from-to" (or "host:port") into the host and
// the inclusive port range
func parsePortRange(endpoint string) (host string, from, to int, err error) {
	host, ports, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	lo, hi, isRange := strings.Cut(ports, "-")
	if from, err = strconv.Atoi(lo); err != nil {
		return "", 0, 0, fmt.Errorf("invalid port in %q: %w", endpoint, err)
	}
	to = from
	if isRange {
		if to, err = strconv.Atoi(hi); err != nil {
			return "", 0, 0, fmt.Errorf("invalid port range in %q: %w", endpoint, err)
		}
	}
	if from < 0 || to > 65535 || from > to {
		return "", 0, 0, fmt.Errorf("invalid port range %d-%d in %q", from, to, endpoint)
	}
	return host, from, to, nil
}
