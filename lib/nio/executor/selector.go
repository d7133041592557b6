package executor

import (
	"strings"
	"time"
)

// Interest is a set of readiness operations
type Interest uint32

const (
	OpRead Interest = 1 << iota
	OpWrite
	OpAccept
	OpConnect
)

func (i Interest) String() string {
	var parts []string
	if i&OpRead != 0 {
		parts = append(parts, "READ")
	}
	if i&OpWrite != 0 {
		parts = append(parts, "WRITE")
	}
	if i&OpAccept != 0 {
		parts = append(parts, "ACCEPT")
	}
	if i&OpConnect != 0 {
		parts = append(parts, "CONNECT")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// ReadyEvent reports the readiness of one descriptor. Ops only ever contains
// OpRead and OpWrite; error and hangup conditions are reported as both, so the
// handler observes them through its next read or write.
type ReadyEvent struct {
	FD  int
	Ops Interest
}

// ISelector is an OS level readiness multiplexer. Register, Modify,
// Deregister and Select are only called from the executor goroutine; Wakeup
// may be called from any goroutine, also concurrently with Close.
type ISelector interface {
	// Register starts watching fd for ops
	Register(fd int, ops Interest) error

	// Modify replaces the interest set of fd
	Modify(fd int, ops Interest) error

	// Deregister stops watching fd
	Deregister(fd int) error

	// Select waits up to timeout for readiness and appends the ready
	// descriptors to ready. A negative timeout waits indefinitely. An
	// error means the multiplexer itself failed and has to be rebuilt.
	Select(timeout time.Duration, ready []ReadyEvent) ([]ReadyEvent, error)

	// Wakeup makes a blocked or the next Select return immediately
	Wakeup() error

	// Close releases the multiplexer
	Close() error
}

// SelectorFactory creates a new selector. It is called once at executor start
// and again whenever the selector has to be rebuilt.
type SelectorFactory func() (ISelector, error)

// toSelectorOps maps an interest set to the readiness the OS reports for it
func toSelectorOps(ops Interest) Interest {
	var r Interest
	if ops&(OpRead|OpAccept) != 0 {
		r |= OpRead
	}
	if ops&(OpWrite|OpConnect) != 0 {
		r |= OpWrite
	}
	return r
}
