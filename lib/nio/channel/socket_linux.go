//go:build linux

package channel

import (
	"errors"
	"fmt"
	"golang.org/x/sys/unix"
	"io"
)

// SocketChannel is the plain IDataChannel over a non-blocking stream socket
type SocketChannel struct {
	fd     int
	action AsyncIO
	closed bool
}

// NewSocketChannel wraps fd, which must already be in non-blocking mode. The
// channel owns fd from now on and closes it.
func NewSocketChannel(fd int) *SocketChannel {
	return &SocketChannel{fd: fd, action: WaitForChannelRead}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see channel.IDataChannel)
// --------------------------------------------------------------------------

func (c *SocketChannel) FD() int { return c.fd }

func (c *SocketChannel) Read(dsts [][]byte) (int64, error) {
	if c.closed {
		return 0, ErrClosed
	}
	n, err := unix.Readv(c.fd, dsts)
	switch {
	case errors.Is(err, unix.EAGAIN):
		c.action = WaitForChannelRead
		return 0, nil
	case errors.Is(err, unix.EINTR):
		c.action = RetryNow
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("readv on fd %d: %w", c.fd, err)
	case n == 0:
		return 0, io.EOF
	}
	return int64(n), nil
}

func (c *SocketChannel) Write(srcs [][]byte) (int64, error) {
	if c.closed {
		return 0, ErrClosed
	}
	total := 0
	for _, s := range srcs {
		total += len(s)
	}
	if total == 0 {
		return 0, nil
	}

	n, err := unix.Writev(c.fd, srcs)
	switch {
	case errors.Is(err, unix.EAGAIN):
		c.action = WaitForChannelWriteThenFlush
		return 0, nil
	case errors.Is(err, unix.EINTR):
		c.action = RetryNow
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("writev on fd %d: %w", c.fd, err)
	}
	if n < total {
		c.action = WaitForChannelWriteThenFlush
	}
	return int64(n), nil
}

// Flush is a no-op, a plain socket buffers nothing on its own
func (c *SocketChannel) Flush() (bool, error) {
	if c.closed {
		return false, ErrClosed
	}
	return true, nil
}

// CloseAsync sends FIN and closes the descriptor. A plain socket needs no
// further round trips, so the close always completes in one step.
func (c *SocketChannel) CloseAsync() (bool, error) {
	if c.closed {
		return true, nil
	}
	if err := unix.Shutdown(c.fd, unix.SHUT_WR); err != nil && !errors.Is(err, unix.ENOTCONN) {
		Logger.Debugf("shutdown of fd %d failed: %v", c.fd, err)
	}
	c.closed = true
	if err := unix.Close(c.fd); err != nil {
		return true, fmt.Errorf("close of fd %d: %w", c.fd, err)
	}
	return true, nil
}

// CloseForcefully resets the connection (zero linger) and closes the
// descriptor
func (c *SocketChannel) CloseForcefully() error {
	if c.closed {
		return nil
	}
	c.closed = true
	_ = unix.SetsockoptLinger(c.fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0})
	if err := unix.Close(c.fd); err != nil {
		return fmt.Errorf("close of fd %d: %w", c.fd, err)
	}
	return nil
}

func (c *SocketChannel) AsyncIOAction() AsyncIO { return c.action }

func (c *SocketChannel) Tasks() []func() { return nil }
