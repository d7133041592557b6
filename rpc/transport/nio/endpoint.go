package nio

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dNIO/lib/nio/buffer"
	"github.com/ValentinKolb/dNIO/lib/nio/channel"
	"github.com/ValentinKolb/dNIO/lib/nio/executor"
	"github.com/ValentinKolb/dNIO/rpc/common"
)

// EndpointState is the lifecycle state of an Endpoint
type EndpointState int32

const (
	Connecting EndpointState = iota
	Ready
	Closing
	Terminated
)

func (s EndpointState) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Ready:
		return "READY"
	case Closing:
		return "CLOSING"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Role tells which side opened the connection
type Role int

const (
	// Creator is the connecting side, it starts in CONNECTING
	Creator Role = iota
	// Responder is the accepting side, it is READY once registered
	Responder
)

func (r Role) String() string {
	if r == Creator {
		return "creator"
	}
	return "responder"
}

// ioOp is the operation an incompletion belongs to
type ioOp int

const (
	opRead ioOp = iota
	opWrite
	opClose
)

var endpointIDs atomic.Uint64

// weakHandle lets offloaded work find its endpoint again without keeping a
// terminated endpoint alive. It is cleared on termination.
type weakHandle struct {
	ep atomic.Pointer[Endpoint]
}

func (h *weakHandle) get() *Endpoint { return h.ep.Load() }
func (h *weakHandle) clear()         { h.ep.Store(nil) }

// Endpoint is the executor handler of one connection. It moves bytes between
// its IDataChannel and the Input/Output buffers and drives the Protocol.
//
// Apart from the methods documented as safe for concurrent use, everything
// runs on the executor goroutine the endpoint is registered with.
type Endpoint struct {
	id         uint64
	role       Role
	dc         channel.IDataChannel
	in         *channel.Input
	out        *channel.Output
	proto      Protocol
	conf       common.ConnectionConf
	pool       *executor.Pool
	attachment any

	// set once by Attach, before the registration is published
	exec *executor.Executor

	state     atomic.Int32
	causeMu   sync.Mutex
	cause     error
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	handle    *weakHandle
	opened    atomic.Bool
	cleaned   atomic.Bool

	// executor goroutine only
	registered      bool
	interest        executor.Interest
	needReadOnWrite bool
	needFlushOnRead bool
	waitingTasks    bool
	closeAttempts   int
	closeDeadline   *executor.Task
}

// NewEndpoint creates an endpoint for dc. The endpoint owns dc from now on.
// Its buffers are drawn from slices. attachment is an arbitrary value the
// protocol layer can retrieve with Attachment.
func NewEndpoint(dc channel.IDataChannel, role Role, proto Protocol, pool *executor.Pool,
	slices *buffer.SlicePool, conf common.ConnectionConf, attachment any) *Endpoint {
	if conf.MaxReadsPerEvent <= 0 {
		conf.MaxReadsPerEvent = common.DefaultConnectionConf().MaxReadsPerEvent
	}
	ep := &Endpoint{
		id:         endpointIDs.Add(1),
		role:       role,
		dc:         dc,
		in:         channel.NewInput(slices),
		out:        channel.NewOutput(slices, conf.OutputBufs),
		proto:      proto,
		conf:       conf,
		pool:       pool,
		attachment: attachment,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		handle:     &weakHandle{},
	}
	ep.handle.ep.Store(ep)
	if role == Responder {
		ep.interest = executor.OpRead
	} else {
		ep.interest = executor.OpConnect
	}
	return ep
}

// Preload hands bytes that were received before the endpoint existed to the
// protocol. Only valid before Attach.
func (ep *Endpoint) Preload(data []byte) {
	ep.in.Preload(data)
}

// Attach registers the endpoint. The preferred executor is tried first, if it
// is nil or rejects the registration, the pool picks one. An endpoint that
// cannot be registered is terminated and the error is returned.
func (ep *Endpoint) Attach(preferred *executor.Executor) error {
	register := func(e *executor.Executor) error {
		ep.exec = e
		return e.Register(ep.dc.FD(), ep.interest, ep)
	}

	var err error
	if preferred != nil {
		err = register(preferred)
		if err == nil {
			return nil
		}
		if !errors.Is(err, executor.ErrRejected) {
			ep.terminate(err)
			return err
		}
	}
	if _, err = ep.pool.RegisterWithRetry(register); err != nil {
		ep.terminate(err)
		return fmt.Errorf("failed to attach endpoint %d: %w", ep.id, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Accessors (safe for concurrent use)
// --------------------------------------------------------------------------

// ID returns the process wide unique id of the endpoint
func (ep *Endpoint) ID() uint64 { return ep.id }

// Role returns whether the endpoint connected or was accepted
func (ep *Endpoint) Role() Role { return ep.role }

// State returns the current lifecycle state
func (ep *Endpoint) State() EndpointState { return EndpointState(ep.state.Load()) }

// Attachment returns the value passed to NewEndpoint
func (ep *Endpoint) Attachment() any { return ep.attachment }

// Executor returns the executor the endpoint is registered with
func (ep *Endpoint) Executor() *executor.Executor { return ep.exec }

// Ready is closed once the endpoint is READY or terminated before
func (ep *Endpoint) Ready() <-chan struct{} { return ep.ready }

// Done is closed once the endpoint is TERMINATED
func (ep *Endpoint) Done() <-chan struct{} { return ep.done }

// Cause returns the recorded termination cause, nil for a graceful close
// initiated without a cause
func (ep *Endpoint) Cause() error {
	ep.causeMu.Lock()
	defer ep.causeMu.Unlock()
	return ep.cause
}

func (ep *Endpoint) String() string {
	return fmt.Sprintf("Endpoint{%d, %s, %s, fd %d}", ep.id, ep.role, ep.State(), ep.dc.FD())
}

// setCause records the first non-nil cause
func (ep *Endpoint) setCause(cause error) {
	if cause == nil {
		return
	}
	ep.causeMu.Lock()
	if ep.cause == nil {
		ep.cause = cause
	}
	ep.causeMu.Unlock()
}

// --------------------------------------------------------------------------
// Operations (safe for concurrent use)
// --------------------------------------------------------------------------

// Send runs encode against the output buffer on the executor goroutine and
// flushes the result. Data sent to an endpoint that is not READY is dropped
// with ErrEndpointClosed, which is only returned to callers on the executor
// goroutine.
func (ep *Endpoint) Send(encode func(out *channel.Output) error) error {
	direct := ep.exec != nil && ep.exec.InExecutorThread()
	return ep.onExecutor(func() error {
		if ep.State() != Ready {
			if direct {
				return ErrEndpointClosed
			}
			Logger.Debugf("endpoint %d: dropping output in state %s", ep.id, ep.State())
			return nil
		}
		if err := encode(ep.out); err != nil {
			return fmt.Errorf("endpoint %d: encode failed: %w", ep.id, err)
		}
		return ep.flush()
	})
}

// Flush writes the pending output
func (ep *Endpoint) Flush() error {
	return ep.onExecutor(ep.flush)
}

// CloseAsync starts a graceful close: the pending output is flushed, then
// the channel is closed. After MaxCloseAttempts incomplete attempts, or once
// CloseTimeout passed, the channel is closed forcefully. cause is recorded as termination cause.
func (ep *Endpoint) CloseAsync(cause error) error {
	return ep.onExecutor(func() error { return ep.closeAsync(cause) })
}

// Terminate closes the channel forcefully and terminates the endpoint
func (ep *Endpoint) Terminate(cause error) error {
	return ep.onExecutor(func() error {
		ep.terminate(cause)
		return nil
	})
}

// onExecutor runs fn right away on the executor goroutine, or submits it as
// a task. Errors of submitted tasks cancel the endpoint.
func (ep *Endpoint) onExecutor(fn func() error) error {
	e := ep.exec
	if e == nil {
		return ErrNotAttached
	}
	if e.InExecutorThread() {
		return fn()
	}
	return e.Execute(func() {
		if ep.State() == Terminated {
			return
		}
		if err := fn(); err != nil {
			ep.fail(err)
		}
	})
}

// fail cancels the endpoint from outside of a readiness callback
func (ep *Endpoint) fail(err error) {
	if !ep.registered {
		ep.terminate(err)
		return
	}
	ep.exec.HandleError(ep, ep.dc.FD(), err)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see executor.Registered, executor.Connectable,
// executor.Readable, executor.Writable and executor.Cancellable)
// --------------------------------------------------------------------------

func (ep *Endpoint) OnRegistered() error {
	ep.registered = true
	ep.opened.Store(true)
	ep.exec.Perf().EndpointOpened()
	if ep.role == Responder {
		return ep.becomeReady()
	}
	return nil
}

func (ep *Endpoint) OnConnect() error {
	if err := socketError(ep.dc.FD()); err != nil {
		return fmt.Errorf("connect of endpoint %d failed: %w", ep.id, err)
	}
	return ep.becomeReady()
}

func (ep *Endpoint) OnRead() error {
	if ep.State() == Closing {
		return ep.closeStep()
	}
	if ep.needReadOnWrite {
		ep.needReadOnWrite = false
		if err := ep.flush(); err != nil {
			return err
		}
	}
	return ep.read()
}

func (ep *Endpoint) OnWrite() error {
	if ep.State() == Closing {
		return ep.closeStep()
	}
	if err := ep.flush(); err != nil {
		return err
	}
	if ep.needFlushOnRead {
		ep.needFlushOnRead = false
		return ep.read()
	}
	return nil
}

func (ep *Endpoint) Cancel(cause error) {
	// the executor already dropped the registration
	ep.registered = false
	ep.terminate(cause)
}

// --------------------------------------------------------------------------
// I/O (executor goroutine)
// --------------------------------------------------------------------------

func (ep *Endpoint) becomeReady() error {
	if !ep.state.CompareAndSwap(int32(Connecting), int32(Ready)) {
		return nil
	}
	ep.readyOnce.Do(func() { close(ep.ready) })

	if ep.role == Creator {
		if ep.conf.Magic != "" {
			if _, err := ep.out.WriteString(ep.conf.Magic); err != nil {
				return err
			}
		}
		ep.interest = executor.OpRead
		if err := ep.applyInterest(); err != nil {
			return err
		}
	}

	if err := ep.proto.OnConnected(ep); err != nil {
		return err
	}
	if ep.out.HasRemaining() {
		if err := ep.flush(); err != nil {
			return err
		}
	}
	// bytes preloaded before the endpoint existed
	if ep.State() == Ready && ep.in.ReadableBytes() > 0 {
		return ep.proto.OnDataAvailable(ep, ep.in)
	}
	return nil
}

// read runs the bounded read loop. Level triggered readiness brings the
// endpoint back if data is left once the budget is used up.
func (ep *Endpoint) read() error {
	for i := 0; i < ep.conf.MaxReadsPerEvent; i++ {
		if ep.waitingTasks || ep.State() != Ready {
			return nil
		}

		bufs, err := ep.in.FlipToChannelRead()
		if err != nil {
			return err
		}
		n, err := ep.dc.Read(bufs)
		ep.in.FlipToProtocolRead(int(n))
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("endpoint %d: %w", ep.id, executor.ErrRemoteClosed)
			}
			return err
		}

		if n == 0 {
			retry, err := ep.incomplete(opRead)
			if err != nil || !retry {
				return err
			}
			continue
		}

		ep.exec.Perf().BytesRead(n)
		if err := ep.proto.OnDataAvailable(ep, ep.in); err != nil {
			return err
		}
	}
	return nil
}

// flushOutput writes the pending output and flushes the channel. done
// reports whether nothing is left.
func (ep *Endpoint) flushOutput() (done bool, err error) {
	retries := 0
	for ep.out.HasRemaining() {
		bufs := ep.out.GetBufs()
		want := bufs.Bytes()
		if want == 0 {
			break
		}
		n, err := ep.dc.Write(bufs.Array())
		if err != nil {
			return false, err
		}
		if n > 0 {
			ep.out.Written(int(n))
			ep.exec.Perf().BytesWritten(n)
		}
		if int(n) < want {
			retry, err := ep.incomplete(opWrite)
			if err != nil || !retry {
				return false, err
			}
			if retries++; retries > ep.conf.MaxReadsPerEvent {
				// let the selector bring us back
				return false, ep.addInterest(executor.OpWrite)
			}
		}
	}

	for {
		flushed, err := ep.dc.Flush()
		if err != nil {
			return false, err
		}
		if flushed {
			break
		}
		retry, err := ep.incomplete(opWrite)
		if err != nil || !retry {
			return false, err
		}
		if retries++; retries > ep.conf.MaxReadsPerEvent {
			return false, ep.addInterest(executor.OpWrite)
		}
	}
	return true, ep.removeInterest(executor.OpWrite)
}

func (ep *Endpoint) flush() error {
	if ep.State() == Terminated {
		return nil
	}
	_, err := ep.flushOutput()
	return err
}

// incomplete reacts to an operation that could not make progress. It
// reports whether op can be retried right away.
func (ep *Endpoint) incomplete(op ioOp) (retry bool, err error) {
	action := ep.dc.AsyncIOAction()
	switch action {
	case channel.RetryNow, channel.AppRead:
		return true, nil

	case channel.WaitForChannelRead:
		if op != opRead {
			ep.needReadOnWrite = true
		}
		return false, ep.addInterest(executor.OpRead)

	case channel.WaitForChannelWriteThenFlush:
		if op == opRead {
			ep.needFlushOnRead = true
		}
		return false, ep.addInterest(executor.OpWrite)

	case channel.WaitForTasksExecution:
		return false, ep.offloadTasks(op)
	}
	return false, fmt.Errorf("endpoint %d: unknown async action %v", ep.id, action)
}

// offloadTasks runs the delegated tasks of the channel on the backup
// scheduler. The endpoint stops listening for readiness until they are done.
func (ep *Endpoint) offloadTasks(op ioOp) error {
	tasks := ep.dc.Tasks()
	ep.waitingTasks = true
	if err := ep.applyInterest(); err != nil {
		return err
	}

	h, e := ep.handle, ep.exec
	err := ep.pool.Backup().Submit(func() {
		for _, task := range tasks {
			task()
		}
		err := e.Execute(func() {
			if ep := h.get(); ep != nil {
				ep.tasksDone(op)
			}
		})
		if err != nil {
			Logger.Debugf("endpoint %d: resume after tasks rejected: %v", ep.id, err)
		}
	})
	if err != nil {
		ep.waitingTasks = false
		return fmt.Errorf("endpoint %d: failed to offload %d tasks: %w", ep.id, len(tasks), err)
	}
	return nil
}

func (ep *Endpoint) tasksDone(op ioOp) {
	ep.waitingTasks = false
	err := ep.applyInterest()
	if err == nil {
		switch op {
		case opRead:
			err = ep.read()
		case opWrite:
			err = ep.flush()
		case opClose:
			err = ep.closeStep()
		}
	}
	if err != nil {
		ep.fail(err)
	}
}

func (ep *Endpoint) addInterest(ops executor.Interest) error {
	if ep.interest&ops == ops {
		return nil
	}
	ep.interest |= ops
	return ep.applyInterest()
}

func (ep *Endpoint) removeInterest(ops executor.Interest) error {
	if ep.interest&ops == 0 {
		return nil
	}
	ep.interest &^= ops
	return ep.applyInterest()
}

// applyInterest hands the interest set to the executor. While delegated
// tasks run the endpoint listens for nothing.
func (ep *Endpoint) applyInterest() error {
	if !ep.registered {
		return nil
	}
	ops := ep.interest
	if ep.waitingTasks {
		ops = 0
	}
	return ep.exec.SetInterest(ep.dc.FD(), ops)
}

// --------------------------------------------------------------------------
// Close and cleanup
// --------------------------------------------------------------------------

func (ep *Endpoint) closeAsync(cause error) error {
	for {
		s := ep.State()
		if s >= Closing {
			return nil
		}
		if ep.state.CompareAndSwap(int32(s), int32(Closing)) {
			break
		}
	}
	ep.setCause(cause)
	ep.readyOnce.Do(func() { close(ep.ready) })
	ep.armCloseDeadline()
	return ep.closeStep()
}

// armCloseDeadline terminates the endpoint if it is still CLOSING after
// CloseTimeout, e.g. because the peer stopped reading and the pending
// output never drains
func (ep *Endpoint) armCloseDeadline() {
	if ep.conf.CloseTimeout <= 0 || ep.exec == nil {
		return
	}
	t, err := ep.exec.Schedule(func() {
		if ep.State() != Closing {
			return
		}
		Logger.Debugf("endpoint %d: graceful close still running after %s, closing forcefully", ep.id, ep.conf.CloseTimeout)
		ep.terminate(nil)
	}, ep.conf.CloseTimeout)
	if err != nil {
		// a stopping executor cancels the endpoint anyway
		Logger.Debugf("endpoint %d: no close deadline: %v", ep.id, err)
		return
	}
	ep.closeDeadline = t
}

// closeStep advances a graceful close. Pending output goes out first.
func (ep *Endpoint) closeStep() error {
	if ep.waitingTasks {
		return nil
	}
	if ep.out.HasRemaining() {
		done, err := ep.flushOutput()
		if err != nil {
			ep.terminate(err)
			return nil
		}
		if !done {
			return nil
		}
	}

	for {
		done, err := ep.dc.CloseAsync()
		if err != nil {
			ep.terminate(err)
			return nil
		}
		if done {
			ep.terminate(nil)
			return nil
		}
		if ep.closeAttempts++; ep.closeAttempts >= ep.conf.MaxCloseAttempts {
			Logger.Debugf("endpoint %d: graceful close incomplete after %d attempts, closing forcefully", ep.id, ep.closeAttempts)
			ep.terminate(nil)
			return nil
		}
		retry, err := ep.incomplete(opClose)
		if err != nil {
			ep.terminate(err)
			return nil
		}
		if !retry {
			return nil
		}
	}
}

// terminate closes the channel (forcefully unless it is closed already),
// notifies the protocol and releases the buffers. Only the first call has
// an effect.
func (ep *Endpoint) terminate(cause error) {
	if EndpointState(ep.state.Swap(int32(Terminated))) == Terminated {
		return
	}
	ep.setCause(cause)
	ep.handle.clear()
	if ep.closeDeadline != nil {
		ep.closeDeadline.Cancel()
		ep.closeDeadline = nil
	}

	if ep.registered {
		ep.registered = false
		if err := ep.exec.Deregister(ep.dc.FD()); err != nil {
			Logger.Debugf("endpoint %d: %v", ep.id, err)
		}
	}
	if err := ep.dc.CloseForcefully(); err != nil {
		Logger.Debugf("endpoint %d: %v", ep.id, err)
	}

	ep.readyOnce.Do(func() { close(ep.ready) })
	ep.proto.OnClosed(ep, ep.Cause())
	close(ep.done)
	ep.cleanup()
}

// cleanup releases the buffers on the executor goroutine. If the executor
// is gone it falls back to the backup scheduler.
func (ep *Endpoint) cleanup() {
	e := ep.exec
	if e != nil && e.InExecutorThread() {
		ep.cleanupAttempt(0)
		return
	}
	if e != nil {
		if err := e.Execute(func() { ep.cleanupAttempt(0) }); err == nil {
			return
		}
	}
	ep.cleanupFallback(0)
}

// cleanupFallback runs the cleanup on the backup scheduler, retrying after
// CleanupRetryDelay on failure
func (ep *Endpoint) cleanupFallback(attempt int) {
	run := func() { ep.cleanupAttempt(attempt) }

	var err error
	if attempt == 0 {
		err = ep.pool.Backup().Submit(run)
	} else {
		_, err = ep.pool.Backup().Schedule(run, ep.conf.CleanupRetryDelay)
	}
	if err != nil {
		Logger.Warningf("endpoint %d: backup scheduler unavailable, cleaning up on the calling goroutine: %v", ep.id, err)
		if err := ep.release(); err != nil {
			cleanupFailuresTotal.Inc()
			Logger.Errorf("endpoint %d: cleanup failed permanently: %v", ep.id, err)
		}
	}
}

func (ep *Endpoint) cleanupAttempt(attempt int) {
	err := ep.release()
	if err == nil {
		return
	}
	if attempt+1 >= ep.conf.CleanupRetries {
		cleanupFailuresTotal.Inc()
		Logger.Errorf("endpoint %d: cleanup failed permanently after %d attempts: %v", ep.id, attempt+1, err)
		return
	}
	Logger.Warningf("endpoint %d: cleanup attempt %d failed: %v", ep.id, attempt+1, err)
	ep.cleanupFallback(attempt + 1)
}

// release frees the buffers and detaches the perf tracker
func (ep *Endpoint) release() (err error) {
	if ep.cleaned.Load() {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during cleanup: %v", r)
		}
	}()
	ep.in.Close()
	ep.out.Close()
	if ep.cleaned.CompareAndSwap(false, true) && ep.opened.Load() {
		ep.exec.Perf().EndpointClosed()
	}
	return nil
}
