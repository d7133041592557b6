package nio

import "github.com/ValentinKolb/dNIO/lib/nio/channel"

// Protocol is the message layer on top of an Endpoint. All callbacks run on
// the executor goroutine of the endpoint and must not block.
type Protocol interface {
	// OnConnected is called once the endpoint became READY. Output written
	// here is flushed right after.
	OnConnected(ep *Endpoint) error

	// OnDataAvailable is called after new bytes arrived. It should consume
	// every complete message from in and leave partial ones in place (see
	// channel.Input Mark and Reset).
	OnDataAvailable(ep *Endpoint, in *channel.Input) error

	// OnClosed is called exactly once after the endpoint terminated
	OnClosed(ep *Endpoint, cause error)
}
