package executor

import (
	"fmt"
	"sync/atomic"
	"time"
)

// task execution states
const (
	taskScheduled int32 = iota
	taskRunning
	taskDone
	taskCancelled
)

// Task is a unit of work submitted to an executor. One-shot tasks run once,
// periodic tasks are re-armed after every run until cancelled.
//
// The state field guards execution: the executor claims a task by moving it
// from scheduled to running, Cancel by moving it to cancelled. A task that was
// cancelled successfully never starts again.
type Task struct {
	fn    func()
	state atomic.Int32
	exec  *Executor

	// delayed and periodic tasks only, owned by the executor goroutine
	deadline int64         // nanoseconds since the executor epoch
	period   time.Duration // >0 fixed rate, <0 fixed delay, 0 one-shot
	seq      uint64
	delayed  bool
	exempt   bool // not counted as pending work by the quiescence check
	index    int  // heap index, -1 while not in the heap
}

func newTask(e *Executor, fn func()) *Task {
	t := &Task{fn: fn, exec: e, index: -1}
	t.seq = e.seq.Add(1)
	return t
}

// Cancel prevents any future run of the task. Safe to call from any
// goroutine.
//
// Returns false if the task already completed, was already cancelled, or is a
// one-shot task that is running right now (it completes exactly once). For a
// running periodic task the current run completes and no further run starts.
func (t *Task) Cancel() bool {
	for {
		switch s := t.state.Load(); s {
		case taskScheduled:
			if t.state.CompareAndSwap(s, taskCancelled) {
				t.cancelled()
				return true
			}
		case taskRunning:
			if t.period == 0 {
				return false
			}
			if t.state.CompareAndSwap(s, taskCancelled) {
				t.cancelled()
				return true
			}
		default:
			return false
		}
	}
}

// cancelled hints the executor that a sweep of the delayed task heap is due
func (t *Task) cancelled() {
	if t.delayed && t.exec != nil {
		t.exec.cancelledTimers.Add(1)
	}
}

// IsCancelled reports whether the task was cancelled
func (t *Task) IsCancelled() bool { return t.state.Load() == taskCancelled }

// IsDone reports whether a one-shot task completed
func (t *Task) IsDone() bool { return t.state.Load() == taskDone }

func (t *Task) String() string {
	state := "scheduled"
	switch t.state.Load() {
	case taskRunning:
		state = "running"
	case taskDone:
		state = "done"
	case taskCancelled:
		state = "cancelled"
	}
	return fmt.Sprintf("Task{seq=%d, state=%s, period=%s}", t.seq, state, t.period)
}
