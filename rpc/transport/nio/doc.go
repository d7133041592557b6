// Package nio implements the RPC transports on top of the executor pool of
// lib/nio/executor.
//
// An Endpoint is the executor handler of one connection. It drives an
// IDataChannel (a plain socket or a wrapper such as a TLS engine) and moves
// bytes between the channel and its Input/Output buffers:
//
//	CONNECTING -> READY -> CLOSING -> TERMINATED
//
// Incomplete channel operations are resumed according to the AsyncIO action
// reported by the channel: on the next read or write readiness, immediately,
// or after delegated tasks ran on the backup scheduler.
//
// The Listener accepts connections, optionally checks a magic preamble, and
// hands matching connections to the server transport. Connections that do
// not match are handed off unchanged to a SocketPreparedFunc. The Connector
// opens endpoints with non-blocking connects.
//
// On top of that the FrameProtocol implements the request/response frames
// (shard id, request id, payload) used by NewNIOServerTransport and
// NewNIOClientTransport.
//
// Usage:
//
//	server := nio.NewNIOServerTransport(nil)
//	server.RegisterHandler(func(shardID uint64, req []byte) []byte { return req })
//	go server.Listen(common.DefaultServerConfig())
//
//	client := nio.NewNIOClientTransport()
//	if err := client.Connect(common.DefaultClientConfig()); err != nil { ... }
//	resp, err := client.Send(1, []byte("ping"))
//
// The package is linux only, readiness is based on epoll.
package nio
