//go:build linux

package nio

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dNIO/lib/nio/channel"
	"github.com/ValentinKolb/dNIO/lib/nio/executor"
	"github.com/ValentinKolb/dNIO/rpc/common"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// ConnectionFunc takes over an accepted connection whose preamble matched.
// preload holds bytes received after the magic, e is the executor that read
// the preamble. It runs on e and must not block.
type ConnectionFunc func(dc channel.IDataChannel, preload []byte, e *executor.Executor) error

// SocketPreparedFunc takes over a connection whose preamble did not match.
// The socket is non-blocking and no longer registered, peeked holds the bytes
// read so far. It runs on an executor goroutine and must not block.
type SocketPreparedFunc func(fd int, peeked []byte)

// closeSocket is the default SocketPreparedFunc
func closeSocket(fd int, peeked []byte) {
	Logger.Debugf("closing fd %d with unknown preamble %q", fd, peeked)
	_ = unix.Close(fd)
}

// Listener accepts TCP connections on a non-blocking socket registered with
// one executor of the pool. Accepted connections read their preamble on an
// executor picked by the pool before they become endpoints.
type Listener struct {
	config   common.ServerConfig
	pool     *executor.Pool
	magic    []byte
	onConn   ConnectionFunc
	prepared SocketPreparedFunc

	fd       int
	addr     *net.TCPAddr
	fdClosed atomic.Bool
	pending  *xsync.MapOf[int, *preRead]
	warn     *rate.Limiter

	mu        sync.Mutex
	exec      *executor.Executor
	accepting bool
	clearTask *executor.Task
	closed    bool
}

// Listen binds the first free port of config.Endpoint and starts accepting.
// prepared may be nil, connections with an unknown preamble are closed then.
func Listen(config common.ServerConfig, pool *executor.Pool, onConn ConnectionFunc, prepared SocketPreparedFunc) (*Listener, error) {
	if prepared == nil {
		prepared = closeSocket
	}
	if config.AcceptBatch <= 0 {
		config.AcceptBatch = 1
	}

	fd, addr, err := bindListener(config.Endpoint, config.Backlog)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		config:   config,
		pool:     pool,
		magic:    []byte(config.Connection.Magic),
		onConn:   onConn,
		prepared: prepared,
		fd:       fd,
		addr:     addr,
		pending:  xsync.NewMapOf[int, *preRead](),
		warn:     rate.NewLimiter(rate.Every(10*time.Second), 1),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.register(); err != nil {
		l.closeFD()
		return nil, err
	}
	Logger.Infof("listening on %s (backlog %d)", addr, config.Backlog)
	return l, nil
}

// bindListener creates the listening socket on the first port of the range
// that is not in use
func bindListener(endpoint string, backlog int) (int, *net.TCPAddr, error) {
	host, from, to, err := parsePortRange(endpoint)
	if err != nil {
		return -1, nil, err
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}

	var lastErr error
	for port := from; port <= to; port++ {
		addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return -1, nil, fmt.Errorf("failed to resolve %s: %w", endpoint, err)
		}
		fd, sa, err := newStreamSocket(addr)
		if err != nil {
			return -1, nil, err
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			_ = unix.Close(fd)
			return -1, nil, fmt.Errorf("SO_REUSEADDR: %w", err)
		}
		if err := unix.Bind(fd, sa); err != nil {
			_ = unix.Close(fd)
			lastErr = fmt.Errorf("bind %s: %w", addr, err)
			if errors.Is(err, unix.EADDRINUSE) {
				continue
			}
			return -1, nil, lastErr
		}
		if err := unix.Listen(fd, backlog); err != nil {
			_ = unix.Close(fd)
			return -1, nil, fmt.Errorf("listen %s: %w", addr, err)
		}

		bound, err := unix.Getsockname(fd)
		if err != nil {
			_ = unix.Close(fd)
			return -1, nil, fmt.Errorf("getsockname: %w", err)
		}
		return fd, fromSockaddr(bound), nil
	}
	return -1, nil, fmt.Errorf("no free port in %s: %w", endpoint, lastErr)
}

// Addr returns the bound address
func (l *Listener) Addr() *net.TCPAddr { return l.addr }

// Pending returns the number of accepted connections still reading their
// preamble
func (l *Listener) Pending() int { return l.pending.Size() }

// register hands the listening socket to an executor. l.mu must be held.
func (l *Listener) register() error {
	e, err := l.pool.RegisterWithRetry(func(e *executor.Executor) error {
		return e.Register(l.fd, executor.OpAccept, l)
	})
	if err != nil {
		return fmt.Errorf("failed to register listener %s: %w", l.addr, err)
	}
	l.exec = e
	l.accepting = true
	return nil
}

// StopAccepting deregisters the listening socket. Connections queued by the
// kernel meanwhile are accepted and closed every BacklogClearInterval, so
// clients fail fast instead of waiting in the backlog.
func (l *Listener) StopAccepting() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrListenerClosed
	}
	if !l.accepting {
		return nil
	}
	l.accepting = false
	e := l.exec
	if err := runOn(e, func() { _ = e.Deregister(l.fd) }); err != nil {
		return err
	}

	if interval := l.config.BacklogClearInterval; interval > 0 {
		task, err := e.ScheduleWithFixedDelay(l.clearBacklog, interval, interval)
		if err != nil {
			return fmt.Errorf("failed to schedule backlog clearing: %w", err)
		}
		l.clearTask = task
	}
	Logger.Infof("listener %s stopped accepting", l.addr)
	return nil
}

// StartAccepting registers the listening socket again after StopAccepting
func (l *Listener) StartAccepting() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrListenerClosed
	}
	if l.accepting {
		return nil
	}
	// on the executor, so no clearing run overlaps the registration
	if err := runOn(l.exec, l.cancelClearTask); err != nil {
		l.cancelClearTask()
	}
	if err := l.register(); err != nil {
		return err
	}
	Logger.Infof("listener %s accepting again", l.addr)
	return nil
}

// Close stops accepting, closes the listening socket and every connection
// still reading its preamble
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.cancelClearTask()

	if l.accepting {
		l.accepting = false
		e := l.exec
		if err := runOn(e, func() { _ = e.Deregister(l.fd) }); err != nil {
			Logger.Debugf("listener %s: %v", l.addr, err)
		}
	}
	l.closeFD()

	l.pending.Range(func(fd int, p *preRead) bool {
		e := p.exec.Load()
		if e == nil {
			return true
		}
		err := e.Execute(func() {
			if _, ok := l.pending.LoadAndDelete(fd); ok {
				_ = e.Deregister(fd)
				_ = unix.Close(fd)
			}
		})
		if err != nil {
			// the executor stopped and cancels the pre-read itself
			Logger.Debugf("listener %s: %v", l.addr, err)
		}
		return true
	})
	Logger.Infof("listener %s closed", l.addr)
	return nil
}

func (l *Listener) cancelClearTask() {
	if l.clearTask != nil {
		l.clearTask.Cancel()
		l.clearTask = nil
	}
}

func (l *Listener) closeFD() {
	if l.fdClosed.CompareAndSwap(false, true) {
		_ = unix.Close(l.fd)
	}
}

// runOn runs fn on the executor goroutine of e and waits for it
func runOn(e *executor.Executor, fn func()) error {
	if e.InExecutorThread() {
		fn()
		return nil
	}
	done := make(chan struct{})
	if err := e.Execute(func() {
		fn()
		close(done)
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-e.Terminated():
		return fmt.Errorf("executor %s terminated", e.Name())
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see executor.Acceptor and executor.Cancellable)
// --------------------------------------------------------------------------

func (l *Listener) OnAccept() error {
	for i := 0; i < l.config.AcceptBatch; i++ {
		fd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
		case errors.Is(err, unix.EAGAIN):
			return nil
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE),
			errors.Is(err, unix.ENOBUFS), errors.Is(err, unix.ENOMEM):
			// resource shortage, the connection stays queued
			if l.warn.Allow() {
				Logger.Warningf("listener %s: accept failed: %v", l.addr, err)
			}
			return nil
		default:
			return fmt.Errorf("%w: accept on %s: %v", executor.ErrListenerFailure, l.addr, err)
		}

		connectionsAcceptedTotal.Inc()
		l.accepted(fd)
	}
	return nil
}

func (l *Listener) Cancel(cause error) {
	if executor.IsExpected(cause) {
		Logger.Infof("listener %s cancelled: %v", l.addr, cause)
	} else {
		Logger.Errorf("listener %s cancelled: %v", l.addr, cause)
	}
	l.closeFD()
}

// --------------------------------------------------------------------------
// Accepted connections
// --------------------------------------------------------------------------

func (l *Listener) accepted(fd int) {
	if err := applySocketOptions(fd, l.config.Socket, l.config.TCP); err != nil {
		Logger.Warningf("listener %s: socket options of fd %d: %v", l.addr, fd, err)
	}

	if len(l.magic) == 0 {
		if err := l.onConn(channel.NewSocketChannel(fd), nil, nil); err != nil {
			Logger.Warningf("listener %s: %v", l.addr, err)
		}
		return
	}

	p := &preRead{fd: fd, l: l, buf: make([]byte, 0, len(l.magic))}
	l.pending.Store(fd, p)
	_, err := l.pool.RegisterWithRetry(func(e *executor.Executor) error {
		p.exec.Store(e)
		return e.Register(fd, executor.OpRead, p)
	})
	if err != nil {
		l.pending.Delete(fd)
		_ = unix.Close(fd)
		Logger.Warningf("listener %s: dropping connection: %v", l.addr, err)
	}
}

// clearBacklog drops the connections queued while not accepting
func (l *Listener) clearBacklog() {
	for i := 0; i < l.config.AcceptBatch; i++ {
		fd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) {
				Logger.Debugf("listener %s: backlog clearing: %v", l.addr, err)
			}
			return
		}
		connectionsDroppedTotal.Inc()
		_ = unix.Close(fd)
	}
}

// preRead reads the preamble of an accepted connection
type preRead struct {
	fd   int
	l    *Listener
	exec atomic.Pointer[executor.Executor]
	buf  []byte
}

func (p *preRead) OnRead() error {
	magic := p.l.magic
	for len(p.buf) < len(magic) {
		n, err := unix.Read(p.fd, p.buf[len(p.buf):len(magic)])
		switch {
		case errors.Is(err, unix.EAGAIN):
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return fmt.Errorf("preamble of fd %d: %w", p.fd, err)
		case n == 0:
			return fmt.Errorf("preamble of fd %d: %w", p.fd, executor.ErrRemoteClosed)
		}

		p.buf = p.buf[:len(p.buf)+n]
		if !bytes.Equal(p.buf, magic[:len(p.buf)]) {
			return p.handOff()
		}
	}
	return p.upgrade()
}

func (p *preRead) Cancel(error) {
	if _, ok := p.l.pending.LoadAndDelete(p.fd); ok {
		_ = unix.Close(p.fd)
	}
}

// detach deregisters the socket without closing it
func (p *preRead) detach() bool {
	if _, ok := p.l.pending.LoadAndDelete(p.fd); !ok {
		return false
	}
	_ = p.exec.Load().Deregister(p.fd)
	return true
}

func (p *preRead) upgrade() error {
	if !p.detach() {
		return nil
	}
	if err := p.l.onConn(channel.NewSocketChannel(p.fd), p.buf[len(p.l.magic):], p.exec.Load()); err != nil {
		Logger.Warningf("listener %s: %v", p.l.addr, err)
	}
	return nil
}

func (p *preRead) handOff() error {
	if !p.detach() {
		return nil
	}
	handoffsTotal.Inc()
	p.l.prepared(p.fd, append([]byte(nil), p.buf...))
	return nil
}
