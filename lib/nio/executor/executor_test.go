package executor

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestExecutor(t *testing.T, cfg Config, sels *fakeSelectors) (*Executor, *faultRecorder) {
	t.Helper()
	if sels == nil {
		sels = &fakeSelectors{}
	}
	faults := &faultRecorder{}
	e := NewExecutor(t.Name(), cfg, WithSelectorFactory(sels.factory()), WithFaultHandler(faults.handle))
	require.NoError(t, e.Start())
	t.Cleanup(func() {
		e.Shutdown(true)
		awaitTermination(t, e)
	})
	return e, faults
}

func awaitTermination(t *testing.T, e *Executor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.AwaitTermination(ctx), "executor %s did not terminate", e.Name())
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

// TestExecuteRunsOnExecutorGoroutine tests that tasks run on the executor
// goroutine and in submission order
func TestExecuteRunsOnExecutorGoroutine(t *testing.T) {
	e, _ := startTestExecutor(t, testConfig(), nil)
	assert.False(t, e.InExecutorThread())

	var order []int
	var inLoop atomic.Bool
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, e.Execute(func() {
			order = append(order, i)
			if i == 99 {
				inLoop.Store(e.InExecutorThread())
				close(done)
			}
		}))
	}
	waitClosed(t, done, "tasks")

	assert.True(t, inLoop.Load())
	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
	assert.GreaterOrEqual(t, e.Perf().Snapshot().Tasks, int64(100))
}

// TestSubmitBeforeStart tests that submissions are accepted before the
// executor is started and run once it is
func TestSubmitBeforeStart(t *testing.T) {
	sels := &fakeSelectors{}
	e := NewExecutor("early", testConfig(), WithSelectorFactory(sels.factory()))

	done := make(chan struct{})
	require.NoError(t, e.Execute(func() { close(done) }))
	require.NoError(t, e.Start())
	waitClosed(t, done, "task submitted before start")
	assert.Error(t, e.Start(), "second start must fail")

	e.Shutdown(false)
	awaitTermination(t, e)
}

// TestShutdownNeverStarted tests that an executor that was never started
// terminates synchronously
func TestShutdownNeverStarted(t *testing.T) {
	e := NewExecutor("idle", testConfig())
	e.Shutdown(false)

	select {
	case <-e.Terminated():
	default:
		t.Fatal("executor should be terminated")
	}
	assert.Equal(t, Terminated, e.State())

	err := e.Execute(func() {})
	require.ErrorIs(t, err, ErrRejected)
	var rej *RejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, Terminated, rej.State)
	assert.True(t, IsExpected(err))
}

// TestScheduleAtSameTimeKeepsOrder tests that delayed tasks with identical
// deadlines run in submission order
func TestScheduleAtSameTimeKeepsOrder(t *testing.T) {
	e, _ := startTestExecutor(t, testConfig(), nil)

	at := time.Now().Add(20 * time.Millisecond)
	var order []int
	done := make(chan struct{})
	const n = 200
	for i := 0; i < n; i++ {
		i := i
		_, err := e.ScheduleAt(func() {
			order = append(order, i)
			if i == n-1 {
				close(done)
			}
		}, at)
		require.NoError(t, err)
	}
	// an earlier deadline submitted last still runs first
	first := make(chan time.Time, 1)
	_, err := e.ScheduleAt(func() { first <- time.Now() }, at.Add(-10*time.Millisecond))
	require.NoError(t, err)

	waitClosed(t, done, "delayed tasks")
	assert.False(t, time.Now().Before(at), "tasks ran before their deadline")
	require.Len(t, order, n)
	for i, v := range order {
		require.Equal(t, i, v)
	}
	select {
	case <-first:
	default:
		t.Fatal("task with the earlier deadline did not run")
	}
}

// TestPeriodicTasks tests fixed rate and fixed delay scheduling and that a
// cancelled periodic task stops running
func TestPeriodicTasks(t *testing.T) {
	e, _ := startTestExecutor(t, testConfig(), nil)

	var rate, delay atomic.Int32
	rateTask, err := e.ScheduleAtFixedRate(func() { rate.Add(1) }, 0, 2*time.Millisecond)
	require.NoError(t, err)
	delayTask, err := e.ScheduleWithFixedDelay(func() { delay.Add(1) }, time.Millisecond, 2*time.Millisecond)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return rate.Load() >= 3 && delay.Load() >= 3 },
		2*time.Second, time.Millisecond)

	assert.True(t, rateTask.Cancel())
	assert.True(t, delayTask.Cancel())
	afterRate, afterDelay := rate.Load(), delay.Load()
	time.Sleep(30 * time.Millisecond)
	// a run in progress while cancelling still completes
	assert.LessOrEqual(t, rate.Load(), afterRate+1)
	assert.LessOrEqual(t, delay.Load(), afterDelay+1)
	assert.True(t, rateTask.IsCancelled())

	_, err = e.ScheduleAtFixedRate(func() {}, 0, 0)
	assert.Error(t, err)
}

// TestCancelPeriodicWhileRunning tests that cancelling a periodic task during
// a run lets the run complete and prevents the next one
func TestCancelPeriodicWhileRunning(t *testing.T) {
	e, _ := startTestExecutor(t, testConfig(), nil)

	running := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	task, err := e.ScheduleAtFixedRate(func() {
		if runs.Add(1) == 1 {
			close(running)
			<-release
		}
	}, 0, time.Millisecond)
	require.NoError(t, err)

	waitClosed(t, running, "first run")
	assert.True(t, task.Cancel())
	assert.False(t, task.Cancel(), "second cancel must report false")
	close(release)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
	assert.True(t, task.IsCancelled())
}

// TestCancelOneShotExactlyOnce tests that a one-shot task racing with Cancel
// either runs or is cancelled, never both and never neither
func TestCancelOneShotExactlyOnce(t *testing.T) {
	e, _ := startTestExecutor(t, testConfig(), nil)

	const n = 1000
	var ran atomic.Int32
	var cancelled int32
	tasks := make([]*Task, 0, n)
	for i := 0; i < n; i++ {
		task, err := e.Submit(func() { ran.Add(1) })
		require.NoError(t, err)
		tasks = append(tasks, task)
		if i%2 == 0 && task.Cancel() {
			cancelled++
		}
	}

	done := make(chan struct{})
	require.NoError(t, e.Execute(func() { close(done) }))
	waitClosed(t, done, "tasks")

	assert.Equal(t, int32(n), ran.Load()+cancelled)
	for _, task := range tasks {
		assert.True(t, task.IsDone() != task.IsCancelled(), "task %s", task)
	}
}

// TestDispatchOrder tests that callbacks of one ready event fire in the
// order connect, read, write
func TestDispatchOrder(t *testing.T) {
	sels := &fakeSelectors{}
	e, faults := startTestExecutor(t, testConfig(), sels)

	h := newRecordingHandler()
	require.NoError(t, e.Register(5, OpConnect|OpRead|OpWrite, h))
	require.Eventually(t, func() bool { return sels.current().has(5) }, time.Second, time.Millisecond)

	sels.current().fire(5, OpRead|OpWrite)
	require.Eventually(t, func() bool { return len(h.Calls()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"connect", "read", "write"}, h.Calls())

	// interest is tracked per descriptor
	require.NoError(t, e.SetInterest(5, OpRead))
	require.Eventually(t, func() bool { return sels.current().interest(5) == OpRead }, time.Second, time.Millisecond)
	sels.current().fire(5, OpRead|OpWrite)
	require.Eventually(t, func() bool { return len(h.Calls()) == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, "read", h.Calls()[3])

	require.NoError(t, e.Deregister(5))
	require.Eventually(t, func() bool { return !sels.current().has(5) }, time.Second, time.Millisecond)
	assert.Empty(t, faults.Faults())
}

// TestHandlerErrorClassification tests how errors returned by handlers are
// treated: expected errors and rejections by stopping executors only cancel
// the handler, rejections outside of shutdown are counted, anything else is
// a fault
func TestHandlerErrorClassification(t *testing.T) {
	sels := &fakeSelectors{}
	e, faults := startTestExecutor(t, testConfig(), sels)

	fire := func(fd int, err error) *recordingHandler {
		h := newRecordingHandler()
		h.onRead = err
		require.NoError(t, e.Register(fd, OpRead, h))
		require.Eventually(t, func() bool { return sels.current().has(fd) }, time.Second, time.Millisecond)
		sels.current().fire(fd, OpRead)
		waitClosed(t, h.canceled, "handler cancel")
		return h
	}

	h := fire(10, io.EOF)
	assert.ErrorIs(t, h.Cause(), io.EOF)
	assert.False(t, sels.current().has(10), "cancelled handler must be deregistered")

	fire(11, &RejectedError{Executor: "other", State: ShuttingDown, What: "task"})
	assert.Equal(t, uint64(0), e.UnexpectedRejections())

	// the handler is cancelled before the error is classified
	fire(12, &RejectedError{Executor: "other", State: Running, What: "task"})
	require.Eventually(t, func() bool { return e.UnexpectedRejections() == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, faults.Faults())
	assert.Equal(t, Running, e.State())

	fire(13, errors.New("boom"))
	require.Eventually(t, func() bool { return len(faults.Faults()) == 1 }, time.Second, time.Millisecond)
	assert.Contains(t, faults.Faults()[0].Error(), "boom")
	awaitTermination(t, e)
}

// TestTaskPanicIsFault tests that a panicking task reaches the fault handler
// and stops the executor
func TestTaskPanicIsFault(t *testing.T) {
	e, faults := startTestExecutor(t, testConfig(), nil)

	require.NoError(t, e.Execute(func() { panic("broken invariant") }))
	awaitTermination(t, e)

	require.Len(t, faults.Faults(), 1)
	assert.Contains(t, faults.Faults()[0].Error(), "broken invariant")
}

// TestForcedShutdown tests that a forced shutdown cancels handlers and
// delayed tasks and closes the selector
func TestForcedShutdown(t *testing.T) {
	sels := &fakeSelectors{}
	e, faults := startTestExecutor(t, testConfig(), sels)

	h := newRecordingHandler()
	require.NoError(t, e.Register(7, OpRead, h))
	require.Eventually(t, func() bool { return sels.current().has(7) }, time.Second, time.Millisecond)
	task, err := e.Schedule(func() {}, time.Hour)
	require.NoError(t, err)

	e.Shutdown(true)
	awaitTermination(t, e)

	waitClosed(t, h.canceled, "handler cancel")
	assert.ErrorIs(t, h.Cause(), ErrExecutorStopped)
	assert.True(t, task.IsCancelled())
	assert.True(t, sels.current().isClosed())
	assert.Empty(t, faults.Faults())

	err = e.Register(8, OpRead, newRecordingHandler())
	assert.ErrorIs(t, err, ErrRejected)
}

// TestGracefulShutdownUnderLoad runs concurrent task submissions and channel
// registrations while the executor shuts down gracefully. Every accepted task
// runs, every accepted registration is applied, and the executor only stops
// once all channels are gone.
func TestGracefulShutdownUnderLoad(t *testing.T) {
	sels := &fakeSelectors{}
	e, faults := startTestExecutor(t, testConfig(), sels)

	const workers = 8
	const perWorker = 1000

	var accepted, executed, regsAccepted atomic.Int64
	var handlers sync.Map
	var wg sync.WaitGroup
	start := make(chan struct{})
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			<-start
			for j := 0; j < perWorker; j++ {
				if err := e.Execute(func() { executed.Add(1) }); err == nil {
					accepted.Add(1)
				} else if !IsExpected(err) {
					t.Errorf("unexpected rejection: %v", err)
				}

				if j%10 != 0 {
					continue
				}
				fd := 1000 + w*perWorker + j
				h := newRecordingHandler()
				if err := e.Register(fd, OpRead, h); err != nil {
					if !errors.Is(err, ErrRejected) {
						t.Errorf("register: %v", err)
					}
					continue
				}
				regsAccepted.Add(1)
				handlers.Store(fd, h)
				if err := e.Deregister(fd); err != nil {
					t.Errorf("deregister of accepted fd %d rejected: %v", fd, err)
				}

				if w == 0 && j == perWorker/2 {
					e.Shutdown(false)
				}
			}
		}(w)
	}
	close(start)
	wg.Wait()
	awaitTermination(t, e)

	assert.Equal(t, accepted.Load(), executed.Load(), "accepted tasks must all run")
	sel := sels.current()
	sel.mu.Lock()
	applied := sel.registered
	sel.mu.Unlock()
	assert.Equal(t, int(regsAccepted.Load()), applied, "accepted registrations must all be applied")
	assert.Equal(t, 0, sel.size())
	handlers.Range(func(_, v any) bool {
		assert.Nil(t, v.(*recordingHandler).Cause(), "deregistered handler must not be cancelled")
		return true
	})
	assert.Empty(t, faults.Faults())
}

// TestInExecutorThreadIdleAndBusy checks the caller identification while the
// loop blocks in the selector and while it runs a task
func TestInExecutorThreadIdleAndBusy(t *testing.T) {
	e, _ := startTestExecutor(t, testConfig(), nil)

	require.Eventually(t, func() bool { return e.selecting.Load() }, time.Second, time.Millisecond)
	assert.False(t, e.InExecutorThread())

	running := make(chan struct{})
	release := make(chan struct{})
	var inside atomic.Bool
	require.NoError(t, e.Execute(func() {
		inside.Store(e.InExecutorThread())
		close(running)
		<-release
	}))
	waitClosed(t, running, "blocking task")

	// the loop is busy, so this goes through the goroutine ID
	assert.False(t, e.selecting.Load())
	assert.False(t, e.InExecutorThread())
	close(release)

	assert.True(t, inside.Load())
}

// TestQuiescenceWithRegistrations mixes tasks with channel registrations
// against an executor that stops itself when idle. Accepted tasks all run,
// accepted registrations are all applied and no channel is left behind.
func TestQuiescenceWithRegistrations(t *testing.T) {
	for round := 0; round < 5; round++ {
		sels := &fakeSelectors{}
		cfg := testConfig()
		cfg.QuiescentWindow = 20 * time.Millisecond
		e, faults := startTestExecutor(t, cfg, sels)

		var accepted, executed, regsAccepted atomic.Int64
		var handlers sync.Map
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				rnd := rand.New(rand.NewSource(int64(round*8 + w)))
				for j := 0; j < 200; j++ {
					if err := e.Execute(func() { executed.Add(1) }); err == nil {
						accepted.Add(1)
					} else if !errors.Is(err, ErrRejected) {
						t.Errorf("unexpected error: %v", err)
					}

					if j%4 == 0 {
						fd := 1000 + w*1000 + j
						h := newRecordingHandler()
						if err := e.Register(fd, OpRead, h); err == nil {
							regsAccepted.Add(1)
							handlers.Store(fd, h)
							if err := e.Deregister(fd); err != nil {
								t.Errorf("deregister of accepted fd %d rejected: %v", fd, err)
							}
						} else if !errors.Is(err, ErrRejected) {
							t.Errorf("register: %v", err)
						}
					}
					if j%25 == 0 {
						time.Sleep(time.Duration(rnd.Intn(30)) * time.Millisecond)
					}
				}
			}(w)
		}
		wg.Wait()

		awaitTermination(t, e)
		assert.Equal(t, accepted.Load(), executed.Load(), "round %d", round)
		sel := sels.current()
		sel.mu.Lock()
		applied := sel.registered
		sel.mu.Unlock()
		assert.Equal(t, int(regsAccepted.Load()), applied, "round %d", round)
		assert.Equal(t, 0, sel.size())
		handlers.Range(func(_, v any) bool {
			assert.Nil(t, v.(*recordingHandler).Cause(), "deregistered handler must not be cancelled")
			return true
		})
		assert.Empty(t, faults.Faults())
	}
}

// TestQuiescenceNeverLosesTasks runs bursts of submissions against an
// executor with a tiny quiescence window. The executor stops itself in one of
// the pauses, and every submission it accepted before must have run.
func TestQuiescenceNeverLosesTasks(t *testing.T) {
	cfg := testConfig()
	cfg.QuiescentWindow = 4 * time.Millisecond
	e, faults := startTestExecutor(t, cfg, nil)

	var accepted, executed, rejected atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for j := 0; j < 400; j++ {
				var err error
				if j%5 == 0 {
					_, err = e.Schedule(func() { executed.Add(1) }, time.Duration(rnd.Intn(2000))*time.Microsecond)
				} else {
					err = e.Execute(func() { executed.Add(1) })
				}
				switch {
				case err == nil:
					accepted.Add(1)
				case errors.Is(err, ErrRejected):
					rejected.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
				if j%20 == 0 {
					time.Sleep(time.Duration(rnd.Intn(3000)) * time.Microsecond)
				}
			}
		}(int64(w))
	}
	wg.Wait()

	// nothing is submitted any more, the executor stops on its own
	awaitTermination(t, e)
	assert.Equal(t, accepted.Load(), executed.Load(), "accepted=%d rejected=%d", accepted.Load(), rejected.Load())
	assert.Empty(t, faults.Faults())
}

// TestSelectorRebuildCancelsFailedChannels tests that a failing selector is
// replaced, channels that cannot be moved are cancelled and the rest keep
// working
func TestSelectorRebuildCancelsFailedChannels(t *testing.T) {
	sels := &fakeSelectors{failRegOnRebuild: func(fd int) bool { return fd == 10 }}
	e, faults := startTestExecutor(t, testConfig(), sels)

	broken := newRecordingHandler()
	healthy := newRecordingHandler()
	require.NoError(t, e.Register(10, OpRead, broken))
	require.NoError(t, e.Register(12, OpRead, healthy))
	first := sels.current()
	require.Eventually(t, func() bool { return first.has(10) && first.has(12) }, time.Second, time.Millisecond)

	first.failNextSelect()
	waitClosed(t, broken.canceled, "cancel of the channel that could not be moved")
	assert.ErrorContains(t, broken.Cause(), "re-registration")

	require.Equal(t, 2, sels.count())
	assert.True(t, first.isClosed())
	assert.True(t, sels.current().has(12))

	sels.current().fire(12, OpRead)
	require.Eventually(t, func() bool { return len(healthy.Calls()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, Running, e.State())
	assert.Empty(t, faults.Faults())
}

// TestSelectorRebuildListenerFailure tests that a listener that cannot be
// moved to a rebuilt selector is a fault
func TestSelectorRebuildListenerFailure(t *testing.T) {
	sels := &fakeSelectors{failRegOnRebuild: func(fd int) bool { return fd == 11 }}
	e, faults := startTestExecutor(t, testConfig(), sels)

	listener := acceptHandler{newRecordingHandler()}
	require.NoError(t, e.Register(11, OpAccept, listener))
	require.Eventually(t, func() bool { return sels.current().has(11) }, time.Second, time.Millisecond)

	sels.current().failNextSelect()
	awaitTermination(t, e)

	waitClosed(t, listener.canceled, "listener cancel")
	require.Len(t, faults.Faults(), 1)
	assert.ErrorIs(t, faults.Faults()[0], ErrListenerFailure)
	assert.False(t, IsExpected(faults.Faults()[0]))
}

// TestAcceptDispatch tests that a listener only receives accept callbacks
func TestAcceptDispatch(t *testing.T) {
	sels := &fakeSelectors{}
	e, _ := startTestExecutor(t, testConfig(), sels)

	listener := acceptHandler{newRecordingHandler()}
	require.NoError(t, e.Register(3, OpAccept, listener))
	require.Eventually(t, func() bool { return sels.current().has(3) }, time.Second, time.Millisecond)

	sels.current().fire(3, OpRead)
	require.Eventually(t, func() bool { return len(listener.Calls()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"accept"}, listener.Calls())
}

// registeringHandler changes its interest set as soon as it is registered
type registeringHandler struct {
	*recordingHandler
	e  *Executor
	fd int
}

func (h registeringHandler) OnRegistered() error {
	h.record("registered")
	return h.e.SetInterest(h.fd, OpRead|OpWrite)
}

// TestOnRegistered tests that OnRegistered runs once the registration is
// applied and may change the interest set
func TestOnRegistered(t *testing.T) {
	sels := &fakeSelectors{}
	e, _ := startTestExecutor(t, testConfig(), sels)

	h := registeringHandler{recordingHandler: newRecordingHandler(), e: e, fd: 11}
	require.NoError(t, e.Register(11, OpRead, h))
	require.Eventually(t, func() bool { return sels.current().interest(11) == OpRead|OpWrite },
		time.Second, time.Millisecond)
	assert.Equal(t, []string{"registered"}, h.Calls())
}

// TestHandleErrorFromTask tests that errors reported from a task are
// classified like callback errors
func TestHandleErrorFromTask(t *testing.T) {
	sels := &fakeSelectors{}
	e, faults := startTestExecutor(t, testConfig(), sels)

	h := newRecordingHandler()
	require.NoError(t, e.Register(12, OpRead, h))
	require.Eventually(t, func() bool { return sels.current().has(12) }, time.Second, time.Millisecond)

	require.NoError(t, e.Execute(func() { e.HandleError(h, 12, io.EOF) }))
	waitClosed(t, h.canceled, "cancel")
	assert.ErrorIs(t, h.Cause(), io.EOF)
	assert.False(t, sels.current().has(12))
	assert.Empty(t, faults.Faults())

	assert.Panics(t, func() { e.HandleError(h, 12, io.EOF) })
}
