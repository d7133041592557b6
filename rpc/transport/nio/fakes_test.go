package nio

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dNIO/lib/nio/buffer"
	"github.com/ValentinKolb/dNIO/lib/nio/channel"
	"github.com/ValentinKolb/dNIO/lib/nio/executor"
	"github.com/ValentinKolb/dNIO/rpc/common"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// --------------------------------------------------------------------------
// In-memory selector
// --------------------------------------------------------------------------

// memSelector reports the readiness injected with fire
type memSelector struct {
	mu      sync.Mutex
	fds     map[int]executor.Interest
	pending []executor.ReadyEvent
	wake    chan struct{}
}

func newMemSelector() *memSelector {
	return &memSelector{fds: make(map[int]executor.Interest), wake: make(chan struct{}, 1)}
}

// readiness maps an interest set to the readiness reported for it
func readiness(ops executor.Interest) executor.Interest {
	var r executor.Interest
	if ops&(executor.OpRead|executor.OpAccept) != 0 {
		r |= executor.OpRead
	}
	if ops&(executor.OpWrite|executor.OpConnect) != 0 {
		r |= executor.OpWrite
	}
	return r
}

func (s *memSelector) Register(fd int, ops executor.Interest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fds[fd] = readiness(ops)
	return nil
}

func (s *memSelector) Modify(fd int, ops executor.Interest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fds[fd]; !ok {
		return unix.ENOENT
	}
	s.fds[fd] = readiness(ops)
	return nil
}

func (s *memSelector) Deregister(fd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fds, fd)
	return nil
}

func (s *memSelector) Select(timeout time.Duration, ready []executor.ReadyEvent) ([]executor.ReadyEvent, error) {
	s.mu.Lock()
	if len(s.pending) == 0 && timeout != 0 {
		s.mu.Unlock()
		if timeout < 0 {
			timeout = time.Second
		}
		timer := time.NewTimer(timeout)
		select {
		case <-s.wake:
		case <-timer.C:
		}
		timer.Stop()
		s.mu.Lock()
	}
	for _, ev := range s.pending {
		if ops, ok := s.fds[ev.FD]; ok && ops&ev.Ops != 0 {
			ready = append(ready, executor.ReadyEvent{FD: ev.FD, Ops: ops & ev.Ops})
		}
	}
	s.pending = s.pending[:0]
	s.mu.Unlock()
	return ready, nil
}

func (s *memSelector) Wakeup() error {
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *memSelector) Close() error { return nil }

func (s *memSelector) fire(fd int, ops executor.Interest) {
	s.mu.Lock()
	s.pending = append(s.pending, executor.ReadyEvent{FD: fd, Ops: ops})
	s.mu.Unlock()
	_ = s.Wakeup()
}

func (s *memSelector) interest(fd int) (executor.Interest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops, ok := s.fds[fd]
	return ops, ok
}

// --------------------------------------------------------------------------
// Scripted data channel
// --------------------------------------------------------------------------

// scriptedChannel is an IDataChannel whose incompletions are scripted by the
// test. Its fd is a real, unconnected socket so SO_ERROR can be queried.
type scriptedChannel struct {
	fd int

	mu      sync.Mutex
	in      [][]byte
	eof     bool
	written bytes.Buffer
	action  channel.AsyncIO
	tasks   []func()

	// maxWrite bounds the bytes accepted per Write, 0 is unbounded
	maxWrite    int
	writeAction channel.AsyncIO
	// readTasks is handed out by the next Read instead of data
	readTasks []func()
	// closeIncomplete is the number of CloseAsync calls that do not complete
	closeIncomplete int
	closeAction     channel.AsyncIO
	closeCalls      int
	forced          bool
}

func newScriptedChannel(t *testing.T) *scriptedChannel {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fd) })
	return &scriptedChannel{fd: fd, writeAction: channel.WaitForChannelWriteThenFlush}
}

func (c *scriptedChannel) push(data []byte) {
	c.mu.Lock()
	c.in = append(c.in, append([]byte(nil), data...))
	c.mu.Unlock()
}

func (c *scriptedChannel) pushEOF() {
	c.mu.Lock()
	c.eof = true
	c.mu.Unlock()
}

func (c *scriptedChannel) setReadTasks(tasks ...func()) {
	c.mu.Lock()
	c.readTasks = tasks
	c.mu.Unlock()
}

func (c *scriptedChannel) writtenBytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.written.Bytes()...)
}

func (c *scriptedChannel) closeState() (calls int, forced bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls, c.forced
}

func (c *scriptedChannel) FD() int { return c.fd }

func (c *scriptedChannel) Read(dsts [][]byte) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.readTasks) > 0 {
		c.tasks, c.readTasks = c.readTasks, nil
		c.action = channel.WaitForTasksExecution
		return 0, nil
	}
	if len(c.in) == 0 {
		if c.eof {
			return 0, io.EOF
		}
		c.action = channel.WaitForChannelRead
		return 0, nil
	}

	var n int64
	for _, dst := range dsts {
		for len(dst) > 0 && len(c.in) > 0 {
			k := copy(dst, c.in[0])
			dst = dst[k:]
			n += int64(k)
			if c.in[0] = c.in[0][k:]; len(c.in[0]) == 0 {
				c.in = c.in[1:]
			}
		}
	}
	return n, nil
}

func (c *scriptedChannel) Write(srcs [][]byte) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	budget := c.maxWrite
	var n int64
	for _, src := range srcs {
		if c.maxWrite > 0 && budget < len(src) {
			src = src[:budget]
		}
		c.written.Write(src)
		n += int64(len(src))
		budget -= len(src)
		if c.maxWrite > 0 && budget == 0 {
			break
		}
	}
	c.action = c.writeAction
	return n, nil
}

func (c *scriptedChannel) Flush() (bool, error) { return true, nil }

func (c *scriptedChannel) CloseAsync() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	if c.closeIncomplete > 0 {
		c.closeIncomplete--
		c.action = c.closeAction
		return false, nil
	}
	return true, nil
}

func (c *scriptedChannel) CloseForcefully() error {
	c.mu.Lock()
	c.forced = true
	c.mu.Unlock()
	return nil
}

func (c *scriptedChannel) AsyncIOAction() channel.AsyncIO {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.action
}

func (c *scriptedChannel) Tasks() []func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	tasks := c.tasks
	c.tasks = nil
	return tasks
}

// --------------------------------------------------------------------------
// Test harness
// --------------------------------------------------------------------------

// frameSink collects the frames and the close of one FrameProtocol
type frameSink struct {
	frames chan Frame
	closed chan error
	opened atomic.Int32
}

func newFrameSink(conf common.ConnectionConf) (*frameSink, *FrameProtocol) {
	sink := &frameSink{frames: make(chan Frame, 64), closed: make(chan error, 1)}
	proto := NewFrameProtocol(func(_ *Endpoint, f Frame) { sink.frames <- f }, conf.MaxFrameSize)
	proto.OnOpen = func(*Endpoint) { sink.opened.Add(1) }
	proto.OnClose = func(_ *Endpoint, cause error) { sink.closed <- cause }
	return sink, proto
}

func (s *frameSink) next(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("no frame received")
		return Frame{}
	}
}

func (s *frameSink) awaitClose(t *testing.T) error {
	t.Helper()
	select {
	case cause := <-s.closed:
		return cause
	case <-time.After(5 * time.Second):
		t.Fatal("endpoint did not close")
		return nil
	}
}

// testPool creates a single executor pool on sel. Faults fail the test.
func testPool(t *testing.T, sel executor.ISelector) *executor.Pool {
	cfg := executor.DefaultConfig()
	cfg.Executors = 1
	cfg.QuiescentWindow = 0
	cfg.HeartbeatInterval = 0
	cfg.MaxSelectTimeout = 50 * time.Millisecond

	var opts []executor.Option
	if sel != nil {
		opts = append(opts, executor.WithSelectorFactory(func() (executor.ISelector, error) { return sel, nil }))
	}
	opts = append(opts, executor.WithFaultHandler(func(e *executor.Executor, err error) {
		t.Errorf("fault on executor %s: %v", e.Name(), err)
	}))

	pool, err := executor.NewPool("test", cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Shutdown(true)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.AwaitTermination(ctx)
	})
	return pool
}

func testConnectionConf() common.ConnectionConf {
	conf := common.DefaultConnectionConf()
	conf.SliceSize = 64
	conf.PoolSlices = 256
	conf.MaxFrameSize = 4096
	conf.MaxCloseAttempts = 3
	conf.CleanupRetryDelay = 10 * time.Millisecond
	return conf
}

func testSlices(conf common.ConnectionConf) *buffer.SlicePool {
	return buffer.NewSlicePool(conf.SliceSize, conf.PoolSlices, true)
}

// encodeFrame returns the wire encoding of f
func encodeFrame(f Frame) []byte {
	buf := make([]byte, 3*buffer.MaxLongLength+len(f.Payload))
	n := buffer.WritePackedLong(buf, int64(f.ShardID))
	n += buffer.WritePackedLong(buf[n:], int64(f.RequestID))
	n += buffer.WritePackedLong(buf[n:], int64(len(f.Payload)))
	n += copy(buf[n:], f.Payload)
	return buf[:n]
}
