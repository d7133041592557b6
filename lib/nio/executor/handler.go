package executor

import "sync/atomic"

// Handlers registered with an executor implement Cancellable plus any subset
// of the readiness capabilities below. Readiness callbacks for one event fire
// in the order connect, accept, read, write. A callback returning an error
// cancels the handler.

// Cancellable is implemented by every registered handler. Cancel is called on
// the executor goroutine when a callback failed, when the descriptor could
// not be (re)registered, or when the executor stops. The handler has to
// release its descriptor.
type Cancellable interface {
	Cancel(cause error)
}

// Registered is notified once the registration was applied, so the handler
// can change its interest set or start writing from the executor goroutine
type Registered interface {
	OnRegistered() error
}

// Acceptor is a listening socket
type Acceptor interface {
	OnAccept() error
}

// Connectable is a socket with a pending non-blocking connect
type Connectable interface {
	OnConnect() error
}

// Readable handles read readiness
type Readable interface {
	OnRead() error
}

// Writable handles write readiness
type Writable interface {
	OnWrite() error
}

// key is the executor's record of one registered descriptor
type key struct {
	fd       int
	interest Interest
	handler  Cancellable
}

// registration state
const (
	regPending int32 = iota
	regApplied
	regCancelled
)

// registration is a pending Register call, queued until the executor
// goroutine applies it
type registration struct {
	fd      int
	ops     Interest
	handler Cancellable
	state   atomic.Int32
}
