package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

// Option configures an executor (or every executor of a pool)
type Option func(e *Executor)

// WithSelectorFactory replaces the default epoll selector
func WithSelectorFactory(f SelectorFactory) Option {
	return func(e *Executor) { e.newSelector = f }
}

// WithFaultHandler replaces DefaultFaultHandler
func WithFaultHandler(h FaultHandler) Option {
	return func(e *Executor) { e.fault = h }
}

// withTerminationHook is used by the pool to learn about terminated executors
func withTerminationHook(fn func(e *Executor)) Option {
	return func(e *Executor) { e.onTerminate = fn }
}

type selectorRef struct{ s ISelector }

// Executor is a single goroutine event loop that multiplexes socket readiness,
// immediate tasks and delayed tasks. The goroutine is locked to its OS
// thread.
//
// Registered handlers, interest sets and the delayed task heap are only
// touched by the executor goroutine. Other goroutines interact through the
// thread-safe submission methods, which enqueue first and then bump the
// new-event count conditioned on the run state. A submission whose bump fails
// is rejected, unless the executor already picked it up.
type Executor struct {
	name string
	cfg  Config

	word   stateWord
	forced atomic.Bool
	seq    atomic.Uint64

	tasks *mpsc[Task]
	regs  *mpsc[registration]

	cancelledTimers atomic.Int64
	wakeupNeeded    atomic.Bool
	sel             atomic.Pointer[selectorRef]
	newSelector     SelectorFactory

	goid           atomic.Uint64
	selecting      atomic.Bool
	epoch          time.Time
	lastResponsive atomic.Int64
	started        atomic.Bool

	fault       FaultHandler
	onTerminate func(e *Executor)
	terminated  chan struct{}
	perf        *PerfTracker

	unexpectedRejections atomic.Uint64

	// executor goroutine only
	runq           *queue.Queue
	timers         *timerHeap
	keys           map[int]*key
	ready          []ReadyEvent
	quiescentSince int64
	quiescentCount uint64
	lastSweep      int64
}

// NewExecutor creates an executor. It does not run before Start is called,
// but accepts submissions right away.
func NewExecutor(name string, cfg Config, opts ...Option) *Executor {
	cfg = cfg.withDefaults()
	e := &Executor{
		name:           name,
		cfg:            cfg,
		tasks:          newMPSC[Task](),
		regs:           newMPSC[registration](),
		epoch:          time.Now(),
		fault:          DefaultFaultHandler,
		terminated:     make(chan struct{}),
		perf:           newPerfTracker(),
		runq:           queue.New(),
		timers:         newTimerHeap(),
		keys:           make(map[int]*key),
		ready:          make([]ReadyEvent, 0, cfg.MaxEventsPerSelect),
		quiescentSince: -1,
	}
	e.newSelector = defaultSelectorFactory(cfg)
	e.lastResponsive.Store(e.epoch.UnixNano())
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start creates the selector and launches the executor goroutine
func (e *Executor) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("executor %s already started", e.name)
	}
	sel, err := e.newSelector()
	if err != nil {
		e.forced.Store(true)
		e.word.transit(Stop)
		e.finish()
		return fmt.Errorf("failed to create selector for executor %s: %w", e.name, err)
	}
	e.sel.Store(&selectorRef{s: sel})
	go e.run()
	return nil
}

// --------------------------------------------------------------------------
// Submission (any goroutine)
// --------------------------------------------------------------------------

// Execute runs fn on the executor goroutine
func (e *Executor) Execute(fn func()) error {
	_, err := e.Submit(fn)
	return err
}

// Submit runs fn on the executor goroutine and returns the task handle
func (e *Executor) Submit(fn func()) (*Task, error) {
	t := newTask(e, fn)
	return t, e.submit(t)
}

// Schedule runs fn once after delay
func (e *Executor) Schedule(fn func(), delay time.Duration) (*Task, error) {
	return e.ScheduleAt(fn, time.Now().Add(delay))
}

// ScheduleAt runs fn once at the given time. Tasks scheduled for the same
// time run in submission order.
func (e *Executor) ScheduleAt(fn func(), at time.Time) (*Task, error) {
	t := newTask(e, fn)
	t.delayed = true
	t.deadline = int64(at.Sub(e.epoch))
	return t, e.submit(t)
}

// ScheduleAtFixedRate runs fn periodically. Runs start every period after
// initialDelay, independent of how long each run takes.
func (e *Executor) ScheduleAtFixedRate(fn func(), initialDelay, period time.Duration) (*Task, error) {
	if period <= 0 {
		return nil, fmt.Errorf("invalid period %s", period)
	}
	return e.schedulePeriodic(fn, initialDelay, period)
}

// ScheduleWithFixedDelay runs fn periodically, each run starting delay after
// the previous one completed
func (e *Executor) ScheduleWithFixedDelay(fn func(), initialDelay, delay time.Duration) (*Task, error) {
	if delay <= 0 {
		return nil, fmt.Errorf("invalid delay %s", delay)
	}
	return e.schedulePeriodic(fn, initialDelay, -delay)
}

func (e *Executor) schedulePeriodic(fn func(), initialDelay, period time.Duration) (*Task, error) {
	t := newTask(e, fn)
	t.delayed = true
	t.period = period
	t.deadline = int64(time.Now().Add(initialDelay).Sub(e.epoch))
	return t, e.submit(t)
}

func (e *Executor) submit(t *Task) error {
	e.tasks.push(t)
	if !e.word.tryIncrementIf(ShuttingDown) {
		if t.state.CompareAndSwap(taskScheduled, taskCancelled) {
			tasksRejectedTotal.Inc()
			return &RejectedError{Executor: e.name, State: e.word.state(), What: "task"}
		}
		// the executor got to it first
		return nil
	}
	e.wakeup()
	return nil
}

// Register hands fd to the executor. The handler must implement the
// capabilities matching ops. Registrations are only accepted while the
// executor is RUNNING.
func (e *Executor) Register(fd int, ops Interest, h Cancellable) error {
	r := &registration{fd: fd, ops: ops, handler: h}
	e.regs.push(r)
	if !e.word.tryIncrementIf(Running) {
		if r.state.CompareAndSwap(regPending, regCancelled) {
			registrationsRejectedTotal.Inc()
			return &RejectedError{Executor: e.name, State: e.word.state(), What: fmt.Sprintf("registration of fd %d", fd)}
		}
		return nil
	}
	e.wakeup()
	return nil
}

// SetInterest replaces the interest set of a registered fd. Calls from other
// goroutines are executed as a task.
func (e *Executor) SetInterest(fd int, ops Interest) error {
	if !e.InExecutorThread() {
		return e.Execute(func() {
			if err := e.setInterest(fd, ops); err != nil {
				Logger.Debugf("executor %s: %v", e.name, err)
			}
		})
	}
	return e.setInterest(fd, ops)
}

// Deregister removes fd from the executor without closing it. Calls from
// other goroutines are executed as a task.
func (e *Executor) Deregister(fd int) error {
	if !e.InExecutorThread() {
		return e.Execute(func() { e.deregister(fd) })
	}
	e.deregister(fd)
	return nil
}

// Shutdown initiates a graceful shutdown (new registrations are rejected, the
// executor stops once all channels are gone and the queued work is done) or,
// if force is set, stops the executor and cancels everything it holds.
func (e *Executor) Shutdown(force bool) {
	if force {
		e.forced.Store(true)
		e.word.transit(Stop)
	} else {
		e.word.transit(ShuttingDown)
	}

	if e.started.CompareAndSwap(false, true) {
		// never started, nothing to drain asynchronously
		e.forced.Store(true)
		e.word.transit(Stop)
		e.finish()
		return
	}
	e.wakeup()
}

// AwaitTermination blocks until the executor terminated or ctx is done
func (e *Executor) AwaitTermination(ctx context.Context) error {
	select {
	case <-e.terminated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminated is closed once the executor reached TERMINATED
func (e *Executor) Terminated() <-chan struct{} { return e.terminated }

// State returns the current run state
func (e *Executor) State() RunState { return e.word.state() }

// Name returns the executor name
func (e *Executor) Name() string { return e.name }

// InExecutorThread reports whether the caller runs on the executor goroutine.
// While the loop blocks in the selector no caller can be the executor, so
// the goroutine ID is only looked up when the loop is busy.
func (e *Executor) InExecutorThread() bool {
	id := e.goid.Load()
	if id == 0 || e.selecting.Load() {
		return false
	}
	return id == getGoroutineID()
}

// LastResponsive returns the start time of the most recent loop iteration
func (e *Executor) LastResponsive() time.Time {
	return time.Unix(0, e.lastResponsive.Load())
}

// Perf returns the performance tracker of the executor
func (e *Executor) Perf() *PerfTracker { return e.perf }

// UnexpectedRejections returns how many handlers were cancelled because of a
// rejection that did not come from a shutting down executor
func (e *Executor) UnexpectedRejections() uint64 { return e.unexpectedRejections.Load() }

func (e *Executor) String() string {
	return fmt.Sprintf("Executor{%s, %s}", e.name, e.State())
}

// wakeup interrupts a blocking select, once per loop iteration
func (e *Executor) wakeup() {
	if !e.wakeupNeeded.CompareAndSwap(false, true) {
		return
	}
	if ref := e.sel.Load(); ref != nil {
		if err := ref.s.Wakeup(); err != nil {
			Logger.Warningf("executor %s: wakeup failed: %v", e.name, err)
		}
	}
}

func (e *Executor) selector() ISelector { return e.sel.Load().s }

// now returns the nanoseconds since the executor epoch (monotonic)
func (e *Executor) now() int64 { return int64(time.Since(e.epoch)) }

// --------------------------------------------------------------------------
// Run loop (executor goroutine)
// --------------------------------------------------------------------------

func (e *Executor) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	e.goid.Store(getGoroutineID())
	defer e.finish()

	if e.cfg.QuiescentWindow > 0 {
		e.scheduleQuiescenceCheck()
	}
	Logger.Debugf("executor %s started", e.name)

	for e.word.state() < Stop {
		start := time.Now()
		e.lastResponsive.Store(start.UnixNano())
		e.iterate()
		e.perf.loopIteration(time.Since(start))
	}
}

func (e *Executor) iterate() {
	e.selecting.Store(true)
	ready, err := e.selector().Select(e.selectTimeout(), e.ready[:0])
	e.selecting.Store(false)
	// from here on a new submission needs a new wakeup
	e.wakeupNeeded.Store(false)
	if err != nil {
		e.rebuildSelector(err)
		return
	}

	ioStart := time.Now()
	e.drainRegistrations()
	e.processReady(ready)
	e.ready = ready[:0]
	ioTime := time.Since(ioStart)

	e.runTasks(e.taskSlice(ioTime))
	e.advanceShutdown()
}

// selectTimeout is 0 if work is queued, otherwise bounded by the nearest
// deadline and by the sweep interval while cancelled timers are waiting
func (e *Executor) selectTimeout() time.Duration {
	if e.runq.Length() > 0 || !e.tasks.isEmpty() || !e.regs.isEmpty() {
		return 0
	}
	timeout := e.cfg.MaxSelectTimeout
	if t := e.timers.peek(); t != nil {
		timeout = min(timeout, max(time.Duration(t.deadline-e.now()), 0))
	}
	if e.cancelledTimers.Load() > 0 {
		timeout = min(timeout, e.cfg.SweepInterval)
	}
	return timeout
}

// taskSlice derives the time available for tasks from the time spent on I/O.
// A negative result means no limit.
func (e *Executor) taskSlice(ioTime time.Duration) time.Duration {
	if e.cfg.IORatio >= 100 {
		return -1
	}
	d := ioTime * time.Duration(100-e.cfg.IORatio) / time.Duration(e.cfg.IORatio)
	return max(d, e.cfg.MinTaskSlice)
}

// --------------------------------------------------------------------------
// Registrations and readiness (executor goroutine)
// --------------------------------------------------------------------------

func (e *Executor) drainRegistrations() {
	if e.word.state() >= Stop {
		return
	}
	for {
		r, ok := e.regs.pop()
		if !ok {
			return
		}
		if !r.state.CompareAndSwap(regPending, regApplied) {
			continue
		}
		e.applyRegistration(r)
	}
}

func (e *Executor) applyRegistration(r *registration) {
	if _, exists := e.keys[r.fd]; exists {
		e.handleError(r.handler, r.fd, fmt.Errorf("fd %d is already registered with executor %s", r.fd, e.name))
		return
	}
	if err := e.selector().Register(r.fd, r.ops); err != nil {
		e.handleError(r.handler, r.fd, err)
		return
	}
	k := &key{fd: r.fd, interest: r.ops, handler: r.handler}
	e.keys[r.fd] = k
	if h, ok := r.handler.(Registered); ok {
		e.callback(k, h.OnRegistered)
	}
}

func (e *Executor) setInterest(fd int, ops Interest) error {
	k, ok := e.keys[fd]
	if !ok {
		return fmt.Errorf("fd %d is not registered with executor %s", fd, e.name)
	}
	if k.interest == ops {
		return nil
	}
	if toSelectorOps(k.interest) != toSelectorOps(ops) {
		if err := e.selector().Modify(fd, ops); err != nil {
			return err
		}
	}
	k.interest = ops
	return nil
}

func (e *Executor) deregister(fd int) {
	// apply pending registrations first, so a deregistration never overtakes
	// the registration it belongs to
	e.drainRegistrations()
	if k, ok := e.keys[fd]; ok {
		e.removeKey(k)
	}
}

func (e *Executor) removeKey(k *key) {
	delete(e.keys, k.fd)
	if err := e.selector().Deregister(k.fd); err != nil {
		Logger.Debugf("executor %s: %v", e.name, err)
	}
}

// live reports whether k is still the registration of its fd
func (e *Executor) live(k *key) bool {
	return e.keys[k.fd] == k
}

func (e *Executor) processReady(ready []ReadyEvent) {
	for _, ev := range ready {
		k, ok := e.keys[ev.FD]
		if !ok {
			continue
		}
		e.dispatch(k, ev.Ops)
		if e.forced.Load() {
			return
		}
	}
}

// dispatch invokes the callbacks of one ready descriptor in the order
// connect, accept, read, write
func (e *Executor) dispatch(k *key, ready Interest) {
	if ready&OpWrite != 0 && k.interest&OpConnect != 0 {
		if h, ok := k.handler.(Connectable); ok && !e.callback(k, h.OnConnect) {
			return
		}
	}
	if ready&OpRead != 0 && k.interest&OpAccept != 0 && e.live(k) {
		if h, ok := k.handler.(Acceptor); ok && !e.callback(k, h.OnAccept) {
			return
		}
	}
	if ready&OpRead != 0 && k.interest&OpRead != 0 && e.live(k) {
		if h, ok := k.handler.(Readable); ok && !e.callback(k, h.OnRead) {
			return
		}
	}
	if ready&OpWrite != 0 && k.interest&OpWrite != 0 && e.live(k) {
		if h, ok := k.handler.(Writable); ok {
			e.callback(k, h.OnWrite)
		}
	}
}

// callback runs one handler callback of k. A returned error or a panic
// cancels the handler. It reports whether k is still registered afterwards.
func (e *Executor) callback(k *key, fn func() error) bool {
	var err error
	if perr := call(func() { err = fn() }); perr != nil {
		err = perr
	}
	if err != nil {
		e.handleError(k.handler, k.fd, err)
		return false
	}
	return e.live(k)
}

// HandleError reports an error a handler ran into outside of its readiness
// callbacks, for instance in a task resuming deferred work. The handler is
// cancelled and err is classified like a callback error. Must be called on
// the executor goroutine.
func (e *Executor) HandleError(h Cancellable, fd int, err error) {
	if !e.InExecutorThread() {
		panic(fmt.Sprintf("HandleError called outside of executor %s", e.name))
	}
	e.handleError(h, fd, err)
}

// handleError cancels the handler and classifies err. Expected errors end
// here, anything else reaches the fault handler.
func (e *Executor) handleError(h Cancellable, fd int, err error) {
	if k, ok := e.keys[fd]; ok && k.handler == h {
		e.removeKey(k)
	}
	e.cancelHandler(h, err)

	switch classify(err) {
	case classExpected:
		Logger.Debugf("executor %s: handler of fd %d cancelled: %v", e.name, fd, err)
	case classUnexpectedRejection:
		e.unexpectedRejections.Add(1)
		unexpectedRejectionsTotal.Inc()
		Logger.Warningf("executor %s: handler of fd %d cancelled by a rejection outside of shutdown: %v", e.name, fd, err)
	default:
		e.raiseFault(fmt.Errorf("handler of fd %d: %w", fd, err))
	}
}

func (e *Executor) cancelHandler(h Cancellable, cause error) {
	if err := call(func() { h.Cancel(cause) }); err != nil {
		e.raiseFault(fmt.Errorf("cancel of handler failed: %w", err))
	}
}

// raiseFault stops the executor and reports err to the fault handler
func (e *Executor) raiseFault(err error) {
	faultsTotal.Inc()
	e.forced.Store(true)
	e.word.transit(Stop)
	e.fault(e, err)
}

// rebuildSelector replaces a failed selector and moves every registration to
// the new one. Channels that cannot be moved are cancelled. A listener that
// cannot be moved is a fault.
func (e *Executor) rebuildSelector(cause error) {
	selectorRebuildsTotal.Inc()
	Logger.Warningf("executor %s: selector failed, rebuilding: %v", e.name, cause)

	old := e.selector()
	sel, err := e.newSelector()
	if err != nil {
		e.raiseFault(fmt.Errorf("failed to rebuild selector: %w (select failed with: %v)", err, cause))
		return
	}
	e.sel.Store(&selectorRef{s: sel})
	if err := old.Close(); err != nil {
		Logger.Debugf("executor %s: closing failed selector: %v", e.name, err)
	}

	keys := make([]*key, 0, len(e.keys))
	for _, k := range e.keys {
		keys = append(keys, k)
	}

	migrated := 0
	var listenerErr error
	for _, k := range keys {
		fd := k.fd
		if !e.live(k) {
			continue
		}
		err := sel.Register(fd, k.interest)
		if err == nil {
			migrated++
			continue
		}
		delete(e.keys, fd)
		cause := fmt.Errorf("re-registration after selector rebuild failed: %w", err)
		if _, ok := k.handler.(Acceptor); ok {
			listenerErr = errors.Join(listenerErr, fmt.Errorf("%w: fd %d: %v", ErrListenerFailure, fd, cause))
		}
		e.cancelHandler(k.handler, cause)
	}
	Logger.Infof("executor %s: selector rebuilt, %d channels migrated", e.name, migrated)

	if listenerErr != nil {
		e.raiseFault(listenerErr)
	}
	// submissions that raced with the swap may have woken the old selector
	e.wakeupNeeded.Store(false)
}

// --------------------------------------------------------------------------
// Tasks (executor goroutine)
// --------------------------------------------------------------------------

// runTasks runs the due delayed tasks, then the immediate tasks, until the
// queue is empty or the time slice is used up
func (e *Executor) runTasks(slice time.Duration) {
	now := e.now()
	for t := e.timers.peek(); t != nil && t.deadline <= now; t = e.timers.peek() {
		e.timers.poll()
		if !t.IsCancelled() {
			e.runq.Add(t)
		}
	}
	e.drainTaskQueue(now)

	var deadline time.Time
	if slice >= 0 {
		deadline = time.Now().Add(slice)
	}
	for i := 1; e.runq.Length() > 0; i++ {
		e.runTask(e.runq.Remove().(*Task))
		if e.forced.Load() {
			return
		}
		if slice >= 0 && i%64 == 0 && time.Now().After(deadline) {
			break
		}
	}
	e.maybeSweep(now)
}

func (e *Executor) drainTaskQueue(now int64) {
	for {
		t, ok := e.tasks.pop()
		if !ok {
			return
		}
		if t.IsCancelled() {
			continue
		}
		if t.delayed && t.deadline > now {
			e.timers.add(t)
			continue
		}
		e.runq.Add(t)
	}
}

func (e *Executor) runTask(t *Task) {
	if !t.state.CompareAndSwap(taskScheduled, taskRunning) {
		return
	}
	err := call(t.fn)
	tasksExecutedTotal.Inc()
	e.perf.taskExecuted()
	if err != nil {
		t.state.Store(taskDone)
		e.raiseFault(fmt.Errorf("task %d failed: %w", t.seq, err))
		return
	}

	if t.period == 0 {
		t.state.CompareAndSwap(taskRunning, taskDone)
		return
	}
	if e.word.state() >= Shutdown {
		t.state.CompareAndSwap(taskRunning, taskCancelled)
		return
	}
	if t.period > 0 {
		t.deadline += int64(t.period)
	} else {
		t.deadline = e.now() - int64(t.period)
	}
	t.seq = e.seq.Add(1)
	// fails if the task was cancelled while running
	if t.state.CompareAndSwap(taskRunning, taskScheduled) {
		e.timers.add(t)
	}
}

func (e *Executor) maybeSweep(now int64) {
	if e.cancelledTimers.Load() == 0 || time.Duration(now-e.lastSweep) < e.cfg.SweepInterval {
		return
	}
	e.cancelledTimers.Store(0)
	e.lastSweep = now
	if n := e.timers.sweep(); n > 0 {
		Logger.Debugf("executor %s: swept %d cancelled tasks", e.name, n)
	}
}

// call runs fn and converts a panic into an error
func call(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	fn()
	return nil
}

// --------------------------------------------------------------------------
// Quiescence and shutdown (executor goroutine)
// --------------------------------------------------------------------------

func (e *Executor) scheduleQuiescenceCheck() {
	period := max(e.cfg.QuiescentWindow/4, time.Millisecond)
	t := newTask(e, e.checkQuiescence)
	t.delayed = true
	t.exempt = true
	t.period = period
	t.deadline = e.now() + int64(period)
	e.timers.add(t)
}

// checkQuiescence stops the executor once it was idle for a whole window
// without a single new event being counted. The count is sampled before the
// idle check, so anything enqueued after the sample either shows up in the
// idle check or changes the count and makes the final transition fail.
func (e *Executor) checkQuiescence() {
	state, count := e.word.load()
	if state != Running {
		return
	}
	if !e.isIdle() {
		e.quiescentSince = -1
		return
	}
	now := e.now()
	if e.quiescentSince < 0 || count != e.quiescentCount {
		e.quiescentSince, e.quiescentCount = now, count
		return
	}
	if time.Duration(now-e.quiescentSince) < e.cfg.QuiescentWindow {
		return
	}
	if e.word.transitIfCount(count, Stop) {
		Logger.Debugf("executor %s quiescent for %s, stopping", e.name, e.cfg.QuiescentWindow)
	}
}

func (e *Executor) isIdle() bool {
	return len(e.keys) == 0 &&
		e.regs.isEmpty() &&
		e.tasks.isEmpty() &&
		e.runq.Length() == 0 &&
		!e.timers.hasPendingWork()
}

// advanceShutdown moves a shutting down executor forward: to SHUTDOWN once no
// channel is left, to STOP once no task is left
func (e *Executor) advanceShutdown() {
	if e.word.state() == ShuttingDown && len(e.keys) == 0 && e.regs.isEmpty() {
		if e.word.transit(Shutdown) {
			e.cancelPeriodic()
		}
	}
	if e.word.state() == Shutdown &&
		e.runq.Length() == 0 && e.tasks.isEmpty() && !e.timers.hasLive() {
		e.word.transit(Stop)
	}
}

func (e *Executor) cancelPeriodic() {
	for _, t := range e.timers.items {
		if t.period != 0 {
			t.Cancel()
		}
	}
}

// finish releases everything once the loop ended and notifies the pool
func (e *Executor) finish() {
	forced := e.forced.Load()

	var sel ISelector
	if ref := e.sel.Load(); ref != nil {
		sel = ref.s
	}
	for fd, k := range e.keys {
		delete(e.keys, fd)
		if sel != nil {
			_ = sel.Deregister(fd)
		}
		e.cancelHandler(k.handler, ErrExecutorStopped)
	}

	if forced {
		for r, ok := e.regs.pop(); ok; r, ok = e.regs.pop() {
			if r.state.CompareAndSwap(regPending, regCancelled) {
				e.cancelHandler(r.handler, ErrExecutorStopped)
			}
		}
		for t, ok := e.tasks.pop(); ok; t, ok = e.tasks.pop() {
			t.Cancel()
		}
		for e.runq.Length() > 0 {
			e.runq.Remove().(*Task).Cancel()
		}
	}
	// otherwise only submissions whose count bump failed can be left in the
	// queues, their submitters reject them
	e.timers.drain(func(t *Task) { t.Cancel() })

	if sel != nil {
		if err := sel.Close(); err != nil {
			Logger.Debugf("executor %s: closing selector: %v", e.name, err)
		}
	}
	e.perf.stop()
	e.word.transit(Terminated)
	close(e.terminated)
	Logger.Debugf("executor %s terminated", e.name)

	if e.onTerminate != nil {
		e.onTerminate(e)
	}
}

// getGoroutineID returns the current goroutine's ID
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
