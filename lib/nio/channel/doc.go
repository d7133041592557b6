// Package channel contains the byte level plumbing between a socket and the
// protocol layer.
//
// Key Components:
//
//   - Input: Receives socket reads into pooled slices and exposes them to the
//     protocol as a mark/reset capable stream. Incomplete messages are
//     handled by rewinding to the mark and waiting for more data.
//
//   - Output: Collects protocol writes in pooled slices and hands them to the
//     socket as a batch for gathering writes.
//
//   - IDataChannel: The capability an endpoint drives, either a plain socket
//     (SocketChannel) or a wrapper around one. Incomplete operations report
//     what they wait for as an AsyncIO continuation.
//
// None of the types in this package are safe for concurrent use. They are
// owned by the executor goroutine of their endpoint.
package channel
