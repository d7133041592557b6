//go:build linux

package nio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dNIO/lib/nio/buffer"
	"github.com/ValentinKolb/dNIO/lib/nio/channel"
	"github.com/ValentinKolb/dNIO/lib/nio/executor"
	"github.com/ValentinKolb/dNIO/rpc/common"
	"github.com/ValentinKolb/dNIO/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// serverConn is the per connection state of the server transport
type serverConn struct {
	ep      *Endpoint
	workers *semaphore.Weighted

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// serverTransport serves frames on executor driven connections. Requests run
// on their own goroutines, bounded per connection.
type serverTransport struct {
	handler transport.ServerHandleFunc
	config  common.ServerConfig

	pool     *executor.Pool
	slices   *buffer.SlicePool
	proto    *FrameProtocol
	listener *Listener
	conns    *xsync.MapOf[uint64, *serverConn]

	prepared  SocketPreparedFunc
	stopping  atomic.Bool
	listening chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	started   atomic.Bool
}

// NewNIOServerTransport creates the server transport. prepared receives
// connections that do not start with the configured magic, nil closes them.
func NewNIOServerTransport(prepared SocketPreparedFunc) transport.IRPCServerTransport {
	return &serverTransport{
		prepared:  prepared,
		conns:     xsync.NewMapOf[uint64, *serverConn](),
		listening: make(chan struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *serverTransport) Listen(config common.ServerConfig) error {
	if t.handler == nil {
		return fmt.Errorf("no handler registered")
	}
	if !t.started.CompareAndSwap(false, true) {
		return fmt.Errorf("server transport is already listening")
	}
	defer close(t.done)
	t.config = config

	// minimum one worker per connection
	if t.config.MaxWorkersPerConn < 1 {
		t.config.MaxWorkersPerConn = 1
	}

	pool, err := executor.NewPool("server", config.Executor)
	if err != nil {
		return fmt.Errorf("failed to create executor pool: %w", err)
	}
	t.pool = pool
	t.slices = buffer.NewSlicePool(config.Connection.SliceSize, config.Connection.PoolSlices, true)
	t.proto = NewFrameProtocol(t.handleFrame, config.Connection.MaxFrameSize)
	t.proto.OnClose = t.connectionClosed

	listener, err := Listen(t.config, pool, t.accept, t.prepared)
	if err != nil {
		t.shutdownPool()
		return fmt.Errorf("failed to create listener: %w", err)
	}
	t.listener = listener

	Logger.Infof("Starting nio server on %s with %d executors and %d workers per connection",
		listener.Addr(), pool.Config().Executors, t.config.MaxWorkersPerConn)
	close(t.listening)

	<-t.stop
	return t.shutdown()
}

func (t *serverTransport) Shutdown() error {
	t.stopOnce.Do(func() { close(t.stop) })
	if t.started.Load() {
		<-t.done
	}
	return nil
}

// Addr returns the bound address once Listen is serving, nil before
func (t *serverTransport) Addr() net.Addr {
	select {
	case <-t.listening:
		return t.listener.Addr()
	default:
		return nil
	}
}

// Listening is closed once Listen serves connections
func (t *serverTransport) Listening() <-chan struct{} { return t.listening }

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// accept turns a connection that passed the preamble check into an endpoint
func (t *serverTransport) accept(dc channel.IDataChannel, preload []byte, e *executor.Executor) error {
	if t.stopping.Load() {
		return dc.CloseForcefully()
	}

	conn := &serverConn{workers: semaphore.NewWeighted(int64(t.config.MaxWorkersPerConn))}
	ep := NewEndpoint(dc, Responder, t.proto, t.pool, t.slices, t.config.Connection, conn)
	conn.ep = ep
	ep.Preload(preload)

	t.conns.Store(ep.ID(), conn)
	if err := ep.Attach(e); err != nil {
		t.conns.Delete(ep.ID())
		return err
	}
	return nil
}

func (t *serverTransport) connectionClosed(ep *Endpoint, cause error) {
	t.conns.Delete(ep.ID())
	if cause != nil && !executor.IsExpected(cause) {
		Logger.Warningf("connection %d closed: %v", ep.ID(), cause)
		return
	}
	Logger.Debugf("connection %d closed: %v", ep.ID(), cause)
}

// handleFrame runs on the executor goroutine and hands the request to a
// worker goroutine
func (t *serverTransport) handleFrame(ep *Endpoint, f Frame) {
	conn := ep.Attachment().(*serverConn)
	conn.mu.Lock()
	if conn.closing {
		conn.mu.Unlock()
		Logger.Debugf("connection %d: dropping request %d during shutdown", ep.ID(), f.RequestID)
		return
	}
	conn.wg.Add(1)
	conn.mu.Unlock()

	go func() {
		defer conn.wg.Done()

		// Acquire a slot (blocks if maxWorkersPerConn is reached)
		if err := conn.workers.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer conn.workers.Release(1)

		start := time.Now()
		resp := t.handler(f.ShardID, f.Payload)
		Logger.Debugf("Processed request for shard %d with requestID %d took %s", f.ShardID, f.RequestID, time.Since(start))

		err := t.proto.WriteFrame(ep, Frame{ShardID: f.ShardID, RequestID: f.RequestID, Payload: resp})
		switch {
		case err == nil:
		case errors.Is(err, executor.ErrRejected):
			Logger.Debugf("Connection %d is gone, dropping response: %v", ep.ID(), err)
		default:
			Logger.Errorf("Failed to write response: %v", err)
		}
	}()
}

// shutdown closes the listener, waits for the running requests, closes the
// connections and stops the executors
func (t *serverTransport) shutdown() error {
	t.stopping.Store(true)
	if err := t.listener.Close(); err != nil {
		Logger.Warningf("closing listener: %v", err)
	}

	timeout := time.Duration(t.config.TimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// running requests get to write their responses before the close
	g, gctx := errgroup.WithContext(ctx)
	t.conns.Range(func(_ uint64, conn *serverConn) bool {
		conn.mu.Lock()
		conn.closing = true
		conn.mu.Unlock()

		g.Go(func() error {
			drained := make(chan struct{})
			go func() {
				conn.wg.Wait()
				close(drained)
			}()
			select {
			case <-drained:
			case <-gctx.Done():
			}
			if err := conn.ep.CloseAsync(nil); err != nil {
				Logger.Debugf("closing connection %d: %v", conn.ep.ID(), err)
			}
			return nil
		})
		return true
	})
	_ = g.Wait()

	t.shutdownPool()
	Logger.Infof("nio server on %s stopped", t.listener.Addr())
	return nil
}

func (t *serverTransport) shutdownPool() {
	timeout := time.Duration(t.config.TimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	t.pool.Shutdown(false)
	if err := t.pool.AwaitTermination(ctx); err != nil {
		Logger.Warningf("graceful shutdown timed out, forcing: %v", err)
		t.pool.Shutdown(true)
		forceCtx, forceCancel := context.WithTimeout(context.Background(), timeout)
		defer forceCancel()
		if err := t.pool.AwaitTermination(forceCtx); err != nil {
			Logger.Errorf("executors did not terminate: %v", err)
		}
	}
}
