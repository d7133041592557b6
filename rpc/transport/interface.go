package transport

import (
	"github.com/ValentinKolb/dNIO/rpc/common"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc is a function type that handles incoming requests
// This function is called by a server transport layer when a request is received
// It takes a shardId and a request as parameters and returns a response
type ServerHandleFunc func(shardId uint64, req []byte) (resp []byte)

// IRPCServerTransport is the interface for the RPC transport layer
// It must accept a ServerConfig as a parameter
type IRPCServerTransport interface {
	// RegisterHandler registers a handler for the transport layer
	// This handler should be called when a request is received
	// The handler may be called concurrently, also for the same connection
	RegisterHandler(handler ServerHandleFunc)
	// Listen starts the transport layer and serves incoming requests
	// It blocks until Shutdown is called
	Listen(config common.ServerConfig) error
	// Shutdown stops accepting, lets running requests finish and closes all
	// connections. It returns once Listen returned.
	Shutdown() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// Send sends a request to the server and returns the response
	Send(shardId uint64, req []byte) (resp []byte, err error)
	// Close closes the transport connection
	Close() error
}
