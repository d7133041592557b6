//go:build linux

package nio

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dNIO/lib/nio/buffer"
	"github.com/ValentinKolb/dNIO/lib/nio/executor"
	"github.com/ValentinKolb/dNIO/rpc/common"
	"github.com/ValentinKolb/dNIO/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// responseResult contains the result of a request
type responseResult struct {
	data []byte
	err  error
}

// clientLink is the attachment of one client endpoint. Requests are
// correlated per endpoint, so a closing endpoint only fails its own requests.
type clientLink struct {
	ep           *Endpoint
	requestChans *xsync.MapOf[uint64, chan responseResult]
}

// clientConnection is one of the connections to an endpoint. It reconnects
// once its current endpoint terminated.
type clientConnection struct {
	endpoint string
	link     atomic.Pointer[clientLink]
	connMu   sync.Mutex // serializes reconnects
	parent   *clientTransport
}

// clientTransport implements the client transport on executor driven
// connections
type clientTransport struct {
	config    common.ClientConfig
	pool      *executor.Pool
	slices    *buffer.SlicePool
	proto     *FrameProtocol
	connector *Connector

	connections   []*clientConnection
	connectionsMu sync.RWMutex
	nextConnIndex atomic.Uint64 // Round Robin
	nextRequestID atomic.Uint64 // unique request IDs
	stopping      atomic.Bool
}

// -----------------------------------------------------------
// Transport Factory Method
// -----------------------------------------------------------

// NewNIOClientTransport creates a new client transport
func NewNIOClientTransport() transport.IRPCClientTransport {
	return &clientTransport{}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(config common.ClientConfig) error {
	if len(config.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}
	if t.pool != nil {
		return fmt.Errorf("client transport is already connected")
	}
	t.config = config
	t.stopping.Store(false)

	pool, err := executor.NewPool("client", config.Executor)
	if err != nil {
		return fmt.Errorf("failed to create executor pool: %w", err)
	}
	t.pool = pool
	t.slices = buffer.NewSlicePool(config.Connection.SliceSize, config.Connection.PoolSlices, true)
	t.proto = NewFrameProtocol(t.handleResponse, config.Connection.MaxFrameSize)
	t.proto.OnClose = t.connectionClosed
	t.connector = NewConnector(pool, t.slices, t.proto, config.Socket, config.TCP, config.Connection)

	// Set default value for ConnectionsPerEndpoint
	connectionsPerEP := 1
	if config.ConnectionsPerEndpoint > 0 {
		connectionsPerEP = config.ConnectionsPerEndpoint
	}

	connections := make([]*clientConnection, 0, len(config.Endpoints)*connectionsPerEP)
	for _, endpoint := range config.Endpoints {
		// Create multiple connections per endpoint
		for i := 0; i < connectionsPerEP; i++ {
			conn := &clientConnection{endpoint: endpoint, parent: t}

			// Establish the initial connection using reconnect
			if _, err := conn.reconnect(nil); err != nil {
				Logger.Warningf("Failed to connect to %s (connection %d/%d): %v", endpoint, i+1, connectionsPerEP, err)
				continue
			}
			connections = append(connections, conn)
			Logger.Infof("Connected to %s (connection %d/%d)", endpoint, i+1, connectionsPerEP)
		}
	}

	// Check if we have at least one connection
	if len(connections) == 0 {
		t.shutdownPool()
		t.pool = nil
		return fmt.Errorf("failed to connect to any endpoint")
	}

	t.connectionsMu.Lock()
	t.connections = connections
	t.connectionsMu.Unlock()

	Logger.Infof("Connected to %d out of %d connections to %d endpoints",
		len(connections), len(config.Endpoints)*connectionsPerEP, len(config.Endpoints))
	return nil
}

func (t *clientTransport) Send(shardId uint64, req []byte) (resp []byte, err error) {
	if t.pool == nil || t.stopping.Load() {
		return nil, common.ErrNotConnected
	}

	// Retry logic with exponential backoff
	var lastErr error

	// We always try at least once, and up to maxRetries times
	maxRetries := t.config.RetryCount
	if maxRetries < 1 {
		maxRetries = 1
	}

	// Initial backoff duration in milliseconds
	backoffMs := 50

	for i := 0; i < maxRetries; i++ {
		conn := t.getNextConnection()
		if conn == nil {
			return nil, fmt.Errorf("no active connections available")
		}

		// Try with this connection, a new request ID per attempt keeps late
		// responses of a previous attempt apart
		data, err := t.send(conn, shardId, t.nextRequestID.Add(1), req)
		if err == nil {
			return data, nil
		}

		lastErr = err
		Logger.Debugf("Request attempt %d/%d failed: %v", i+1, maxRetries, err)

		if i < maxRetries-1 && !t.stopping.Load() {
			// Exponential backoff with a small random jitter (+-10%)
			jitter := float64(backoffMs) * (0.9 + 0.2*rand.Float64())
			time.Sleep(time.Duration(jitter) * time.Millisecond)
			backoffMs *= 2
		}
	}

	// All attempts failed
	return nil, fmt.Errorf("failed to send request after %d attempts: %w", maxRetries, lastErr)
}

func (t *clientTransport) Close() error {
	if t.pool == nil || !t.stopping.CompareAndSwap(false, true) {
		return nil
	}

	t.connectionsMu.Lock()
	connections := t.connections
	t.connections = nil
	t.connectionsMu.Unlock()

	for _, conn := range connections {
		if link := conn.link.Load(); link != nil {
			if err := link.ep.CloseAsync(nil); err != nil {
				Logger.Debugf("closing connection to %s: %v", conn.endpoint, err)
			}
		}
	}
	t.shutdownPool()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (t *clientTransport) timeout() time.Duration {
	return time.Duration(t.config.TimeoutSecond) * time.Second
}

// send performs one request on conn and waits for its response
func (t *clientTransport) send(conn *clientConnection, shardId, requestID uint64, req []byte) ([]byte, error) {
	link, err := conn.current()
	if err != nil {
		return nil, err
	}

	// Create a channel for the response and register the request
	respCh := make(chan responseResult, 1)
	link.requestChans.Store(requestID, respCh)
	defer link.requestChans.Delete(requestID)

	// closed after the Store is seen by connectionClosed
	if link.ep.State() != Ready {
		return nil, fmt.Errorf("connection to %s: %w", conn.endpoint, ErrEndpointClosed)
	}

	if err := t.proto.WriteFrame(link.ep, Frame{ShardID: shardId, RequestID: requestID, Payload: req}); err != nil {
		return nil, err
	}

	// Wait for response or timeout
	var timeoutCh <-chan time.Time
	if t.timeout() > 0 {
		timer := time.NewTimer(t.timeout())
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case result := <-respCh:
		return result.data, result.err
	case <-timeoutCh:
		return nil, common.ErrTimeout
	}
}

// getNextConnection selects the next connection via Round Robin
func (t *clientTransport) getNextConnection() *clientConnection {
	t.connectionsMu.RLock()
	defer t.connectionsMu.RUnlock()

	if len(t.connections) == 0 {
		return nil
	}
	if len(t.connections) == 1 {
		// optimize for single connection
		return t.connections[0]
	}
	return t.connections[t.nextConnIndex.Add(1)%uint64(len(t.connections))]
}

// handleResponse runs on the executor goroutine and completes the waiting
// request
func (t *clientTransport) handleResponse(ep *Endpoint, f Frame) {
	link := ep.Attachment().(*clientLink)
	if respCh, found := link.requestChans.LoadAndDelete(f.RequestID); found {
		respCh <- responseResult{data: f.Payload}
		return
	}
	// Warning for unknown request ID (most likely timed out)
	Logger.Warningf("Received response for unknown request ID %d with shard ID %d", f.RequestID, f.ShardID)
}

// connectionClosed fails every request still waiting on ep
func (t *clientTransport) connectionClosed(ep *Endpoint, cause error) {
	link := ep.Attachment().(*clientLink)
	if cause == nil {
		cause = ErrEndpointClosed
	}
	link.requestChans.Range(func(id uint64, respCh chan responseResult) bool {
		if _, ok := link.requestChans.LoadAndDelete(id); ok {
			respCh <- responseResult{err: fmt.Errorf("connection closed: %w", cause)}
		}
		return true
	})
	if !t.stopping.Load() {
		Logger.Infof("Connection %d closed: %v", ep.ID(), cause)
	}
}

func (t *clientTransport) shutdownPool() {
	timeout := t.timeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	t.pool.Shutdown(false)
	if err := t.pool.AwaitTermination(ctx); err != nil {
		Logger.Warningf("graceful shutdown timed out, forcing: %v", err)
		t.pool.Shutdown(true)
		forceCtx, forceCancel := context.WithTimeout(context.Background(), timeout)
		defer forceCancel()
		_ = t.pool.AwaitTermination(forceCtx)
	}
}

// current returns a READY link, reconnecting if the last one terminated
func (c *clientConnection) current() (*clientLink, error) {
	link := c.link.Load()
	if link != nil && link.ep.State() == Ready {
		return link, nil
	}
	return c.reconnect(link)
}

// reconnect establishes or restores the connection unless another caller
// replaced stale meanwhile
func (c *clientConnection) reconnect(stale *clientLink) (*clientLink, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if link := c.link.Load(); link != stale && link != nil && link.ep.State() == Ready {
		return link, nil
	}
	if c.parent.stopping.Load() {
		return nil, common.ErrTransportClosed
	}

	// Close the old connection if it still exists
	if stale != nil && stale.ep.State() < Closing {
		_ = stale.ep.CloseAsync(nil)
	}

	link := &clientLink{requestChans: xsync.NewMapOf[uint64, chan responseResult]()}
	ep, err := c.parent.connector.Connect(c.endpoint, link)
	if err != nil {
		return nil, err
	}
	link.ep = ep

	timeout := c.parent.timeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ep.Ready():
	case <-timer.C:
		_ = ep.Terminate(common.ErrTimeout)
		return nil, fmt.Errorf("failed to connect to %s: %w", c.endpoint, common.ErrTimeout)
	}
	if ep.State() != Ready {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.endpoint, ep.Cause())
	}

	c.link.Store(link)
	return link, nil
}
