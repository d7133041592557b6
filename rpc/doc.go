// Package rpc provides the request/response layer of dNIO. Requests are
// opaque byte slices tagged with a shard ID, answered by a single handler on
// the server side.
//
// The package is organized into several subpackages:
//
//   - common: Configuration structures, the logger factory and the errors
//     shared by clients and servers.
//
//   - transport: The client and server transport interfaces.
//
//   - transport/nio: The transport implementation on top of the dNIO executor
//     pool, using length framed messages over non-blocking sockets.
package rpc
