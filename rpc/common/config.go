package common

import (
	"fmt"
	"github.com/ValentinKolb/dNIO/lib/nio/executor"
	"math"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Socket configuration (shared by server and client)
// --------------------------------------------------------------------------

// SocketConf holds the options applied to every socket
type SocketConf struct {
	// WriteBufferSize is the kernel send buffer size in bytes, 0 keeps the OS default
	WriteBufferSize int
	// ReadBufferSize is the kernel receive buffer size in bytes, 0 keeps the OS default
	ReadBufferSize int
}

// TCPConf holds the TCP specific socket options
type TCPConf struct {
	TCPNoDelay bool
	// TCPKeepAliveSec enables keepalive probes with the given interval, 0 disables them
	TCPKeepAliveSec int
	// TCPLingerSec sets SO_LINGER, a negative value keeps the OS default
	TCPLingerSec int
}

// ConnectionConf holds the parameters of one endpoint (a single connection)
type ConnectionConf struct {
	// Magic is sent by the connecting side as the first bytes of every
	// connection. Connections not starting with it are handed off.
	Magic string

	// MaxFrameSize is the largest accepted frame payload in bytes
	MaxFrameSize int

	// SliceSize is the size of the pooled buffer slices in bytes
	SliceSize int
	// PoolSlices is the number of arena slots of the buffer pool
	PoolSlices int
	// OutputBufs is the number of slices handed to one gathering write
	OutputBufs int

	// MaxReadsPerEvent bounds the read loop of one readiness event
	MaxReadsPerEvent int

	// MaxCloseAttempts is the number of graceful close attempts before a
	// connection is closed forcefully
	MaxCloseAttempts int
	// CloseTimeout bounds a graceful close including the flush of the
	// pending output. 0 waits as long as the peer keeps the socket open.
	CloseTimeout time.Duration

	// CleanupRetries bounds the fallback cleanup after the executor of an
	// endpoint is gone
	CleanupRetries int
	// CleanupRetryDelay is the pause between two fallback cleanup attempts
	CleanupRetryDelay time.Duration
}

// DefaultConnectionConf returns the default connection parameters
func DefaultConnectionConf() ConnectionConf {
	return ConnectionConf{
		Magic:             "dNIO",
		MaxFrameSize:      16 << 20,
		SliceSize:         16 << 10,
		PoolSlices:        4096,
		OutputBufs:        64,
		MaxReadsPerEvent:  16,
		MaxCloseAttempts:  8,
		CloseTimeout:      5 * time.Second,
		CleanupRetries:    3,
		CleanupRetryDelay: 100 * time.Millisecond,
	}
}

func (c ConnectionConf) addTo(addField func(name, value string)) {
	magic := c.Magic
	if magic == "" {
		magic = "(none)"
	}
	addField("Magic", magic)
	addField("Max Frame Size", fmt.Sprintf("%d bytes", c.MaxFrameSize))
	addField("Slice Size", fmt.Sprintf("%d bytes", c.SliceSize))
	addField("Pool Slices", strconv.Itoa(c.PoolSlices))
	addField("Output Bufs", strconv.Itoa(c.OutputBufs))
	addField("Reads Per Event", strconv.Itoa(c.MaxReadsPerEvent))
	addField("Max Close Attempts", strconv.Itoa(c.MaxCloseAttempts))
	addField("Close Timeout", c.CloseTimeout.String())
	addField("Cleanup Retries", fmt.Sprintf("%d (every %s)", c.CleanupRetries, c.CleanupRetryDelay))
}

func addSocketFields(addField func(name, value string), socket SocketConf, tcp TCPConf) {
	orDefault := func(v int) string {
		if v <= 0 {
			return "os default"
		}
		return fmt.Sprintf("%d bytes", v)
	}
	addField("Write Buffer", orDefault(socket.WriteBufferSize))
	addField("Read Buffer", orDefault(socket.ReadBufferSize))
	addField("TCP No Delay", strconv.FormatBool(tcp.TCPNoDelay))
	if tcp.TCPKeepAliveSec > 0 {
		addField("TCP Keep Alive", fmt.Sprintf("%d sec", tcp.TCPKeepAliveSec))
	} else {
		addField("TCP Keep Alive", "disabled")
	}
	if tcp.TCPLingerSec >= 0 {
		addField("TCP Linger", fmt.Sprintf("%d sec", tcp.TCPLingerSec))
	} else {
		addField("TCP Linger", "os default")
	}
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters of the server transport
type ServerConfig struct {
	// Endpoint is the listen address (host:port). The port may be a range
	// (host:7000-7010), the first free port is used.
	Endpoint string

	// Backlog is the length of the accept queue
	Backlog int
	// AcceptBatch bounds the connections accepted per readiness event
	AcceptBatch int
	// BacklogClearInterval is how often pending connections are dropped
	// while the listener does not accept
	BacklogClearInterval time.Duration

	// MaxWorkersPerConn bounds the requests handled concurrently per connection
	MaxWorkersPerConn int

	// TimeoutSecond bounds the graceful shutdown
	TimeoutSecond int64

	Socket     SocketConf
	TCP        TCPConf
	Connection ConnectionConf
	Executor   executor.Config

	// Logging configuration
	LogLevel string
}

// DefaultServerConfig returns a server configuration with default values
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Endpoint:             "localhost:8080",
		Backlog:              1024,
		AcceptBatch:          64,
		BacklogClearInterval: time.Second,
		MaxWorkersPerConn:    64,
		TimeoutSecond:        10,
		TCP:                  TCPConf{TCPNoDelay: true, TCPLingerSec: -1},
		Connection:           DefaultConnectionConf(),
		Executor:             executor.DefaultConfig(),
		LogLevel:             "info",
	}
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// RPC settings
	addSection("RPC Server")
	addField("Endpoint", c.Endpoint)
	addField("Backlog", strconv.Itoa(c.Backlog))
	addField("Accept Batch", strconv.Itoa(c.AcceptBatch))
	addField("Backlog Clearing", c.BacklogClearInterval.String())
	addField("Workers Per Conn", strconv.Itoa(c.MaxWorkersPerConn))
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	addSection("Socket")
	addSocketFields(addField, c.Socket, c.TCP)

	addSection("Connection")
	c.Connection.addTo(addField)

	return sb.String() + c.Executor.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	Endpoints              []string
	TimeoutSecond          int
	RetryCount             int
	ConnectionsPerEndpoint int

	Socket     SocketConf
	TCP        TCPConf
	Connection ConnectionConf
	Executor   executor.Config
}

// DefaultClientConfig returns a client configuration with default values
func DefaultClientConfig() ClientConfig {
	cfg := executor.DefaultConfig()
	cfg.Executors = 1
	return ClientConfig{
		Endpoints:              []string{"localhost:8080"},
		TimeoutSecond:          5,
		RetryCount:             5,
		ConnectionsPerEndpoint: 1,
		TCP:                    TCPConf{TCPNoDelay: true, TCPLingerSec: -1},
		Connection:             DefaultConnectionConf(),
		Executor:               cfg,
	}
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(int(math.Max(1, float64(c.ConnectionsPerEndpoint)))))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	addSection("Socket")
	addSocketFields(addField, c.Socket, c.TCP)

	addSection("Connection")
	c.Connection.addTo(addField)

	return sb.String() + c.Executor.String()
}
