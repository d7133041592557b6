package executor

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("nio/executor")

var (
	// ErrRejected is matched by every rejection of a task or registration
	ErrRejected = errors.New("rejected by executor")

	// ErrPoolShutdown is returned by Pool.Next after the pool was shut down
	ErrPoolShutdown = errors.New("executor pool is shut down")

	// ErrListenerFailure marks the failure of a listening socket. It is never
	// an expected error and always reaches the fault handler.
	ErrListenerFailure = errors.New("listener failure")

	// ErrRemoteClosed is reported when the peer closed the connection
	ErrRemoteClosed = errors.New("connection closed by remote")

	// ErrExecutorStopped is the cause handed to handlers that are cancelled
	// because their executor stopped
	ErrExecutorStopped = errors.New("executor stopped")
)

var (
	tasksExecutedTotal         = metrics.GetOrCreateCounter("dnio_executor_tasks_executed_total")
	tasksRejectedTotal         = metrics.GetOrCreateCounter("dnio_executor_tasks_rejected_total")
	registrationsRejectedTotal = metrics.GetOrCreateCounter("dnio_executor_registrations_rejected_total")
	unexpectedRejectionsTotal  = metrics.GetOrCreateCounter("dnio_executor_unexpected_rejections_total")
	selectorRebuildsTotal      = metrics.GetOrCreateCounter("dnio_executor_selector_rebuilds_total")
	faultsTotal                = metrics.GetOrCreateCounter("dnio_executor_faults_total")
)

// RejectedError is returned when an executor refuses a task or a channel
// registration. State is the run state of the rejecting executor.
type RejectedError struct {
	Executor string
	State    RunState
	What     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected by executor %s in state %s", e.What, e.Executor, e.State)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// FaultHandler receives errors that are neither expected I/O conditions nor
// rejections. The executor stops after the handler returns.
type FaultHandler func(e *Executor, err error)

// DefaultFaultHandler logs the fault and panics, which takes the process down.
// Restarting the process is preferred over running with a broken reactor.
func DefaultFaultHandler(e *Executor, err error) {
	Logger.Panicf("fatal fault on executor %s: %v", e.Name(), err)
}

// errorClass is the outcome of classifying a handler error
type errorClass int

const (
	classExpected errorClass = iota
	classUnexpectedRejection
	classFault
)

// IsExpected reports whether err is an expected transport condition: remote
// close, connection reset or another OS level socket error, or a rejection by
// a shutting down executor.
func IsExpected(err error) bool {
	return classify(err) == classExpected
}

func classify(err error) errorClass {
	if err == nil {
		return classExpected
	}
	if errors.Is(err, ErrListenerFailure) {
		return classFault
	}

	var rej *RejectedError
	if errors.As(err, &rej) {
		// an executor only rejects once it is past RUNNING. Anything else
		// rejecting work is a capacity problem and must not be masked.
		if rej.State >= ShuttingDown {
			return classExpected
		}
		return classUnexpectedRejection
	}
	if errors.Is(err, ErrRejected) {
		return classUnexpectedRejection
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, ErrRemoteClosed) || errors.Is(err, ErrExecutorStopped) {
		return classExpected
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return classExpected
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return classExpected
	}
	return classFault
}

// panicError wraps a value recovered from a panicking callback
type panicError struct {
	value interface{}
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

// Unwrap exposes panics raised with an error value (such as buffer invariant
// violations)
func (p *panicError) Unwrap() error {
	if err, ok := p.value.(error); ok {
		return err
	}
	return nil
}
