//go:build linux

package nio

import (
	"errors"
	"fmt"
	"net"

	"github.com/ValentinKolb/dNIO/lib/nio/buffer"
	"github.com/ValentinKolb/dNIO/lib/nio/channel"
	"github.com/ValentinKolb/dNIO/lib/nio/executor"
	"github.com/ValentinKolb/dNIO/rpc/common"
	"golang.org/x/sys/unix"
)

// Connector opens creator endpoints with non-blocking connects
type Connector struct {
	pool   *executor.Pool
	slices *buffer.SlicePool
	proto  Protocol
	socket common.SocketConf
	tcp    common.TCPConf
	conn   common.ConnectionConf
}

// NewConnector creates a connector whose endpoints speak proto
func NewConnector(pool *executor.Pool, slices *buffer.SlicePool, proto Protocol,
	socket common.SocketConf, tcp common.TCPConf, conn common.ConnectionConf) *Connector {
	return &Connector{pool: pool, slices: slices, proto: proto, socket: socket, tcp: tcp, conn: conn}
}

// Connect starts connecting to endpoint (host:port) and returns the endpoint
// in state CONNECTING. Endpoint.Ready is closed once the connect completed or
// failed.
func (c *Connector) Connect(endpoint string, attachment any) (*Endpoint, error) {
	addr, err := net.ResolveTCPAddr("tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", endpoint, err)
	}
	fd, sa, err := newStreamSocket(addr)
	if err != nil {
		return nil, err
	}
	if err := applySocketOptions(fd, c.socket, c.tcp); err != nil {
		Logger.Warningf("socket options for %s: %v", endpoint, err)
	}

	if err := unix.Connect(fd, sa); err != nil && !errors.Is(err, unix.EINPROGRESS) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	ep := NewEndpoint(channel.NewSocketChannel(fd), Creator, c.proto, c.pool, c.slices, c.conn, attachment)
	if err := ep.Attach(nil); err != nil {
		return nil, err
	}
	return ep, nil
}
