package executor

import "sync/atomic"

// RunState is the lifecycle state of an executor. States only ever move
// forward in the order they are declared.
type RunState uint64

const (
	Running RunState = iota
	ShuttingDown
	Shutdown
	Stop
	Terminated
)

func (s RunState) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case ShuttingDown:
		return "SHUTTINGDOWN"
	case Shutdown:
		return "SHUTDOWN"
	case Stop:
		return "STOP"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Bit layout of the state word: bits 0-2 hold the run state, bits 3-63 the
// new-event count. Both fields only increase.
const (
	stateBits  = 3
	stateMask  = 1<<stateBits - 1
	countDelta = 1 << stateBits
)

// stateWord packs the run state and the new-event count into one atomic word
// so that a submission can bump the count conditioned on the state, and the
// quiescence monitor can change the state conditioned on the count, each with
// a single compare-and-swap.
type stateWord struct {
	v atomic.Uint64
}

func unpack(w uint64) (RunState, uint64) {
	return RunState(w & stateMask), w >> stateBits
}

func (w *stateWord) load() (RunState, uint64) {
	return unpack(w.v.Load())
}

func (w *stateWord) state() RunState {
	return RunState(w.v.Load() & stateMask)
}

// transit moves to state to. It is a no-op returning false unless to is
// strictly greater than the current state.
func (w *stateWord) transit(to RunState) bool {
	for {
		old := w.v.Load()
		if RunState(old&stateMask) >= to {
			return false
		}
		if w.v.CompareAndSwap(old, old&^stateMask|uint64(to)) {
			return true
		}
	}
}

// tryIncrementIf bumps the new-event count if the current state is at most
// max. Returns false without changing anything otherwise.
func (w *stateWord) tryIncrementIf(max RunState) bool {
	for {
		old := w.v.Load()
		if RunState(old&stateMask) > max {
			return false
		}
		if w.v.CompareAndSwap(old, old+countDelta) {
			return true
		}
	}
}

// transitIfCount moves to state to only if the new-event count still equals
// count. This is the commit step of quiescence detection: any event counted
// after the sample was taken makes it fail.
func (w *stateWord) transitIfCount(count uint64, to RunState) bool {
	for {
		old := w.v.Load()
		s, c := unpack(old)
		if c != count || s >= to {
			return false
		}
		if w.v.CompareAndSwap(old, old&^stateMask|uint64(to)) {
			return true
		}
	}
}
