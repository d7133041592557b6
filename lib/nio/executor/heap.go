package executor

import "container/heap"

// timerHeap orders delayed tasks by deadline, with the submission sequence
// number breaking ties, so tasks with identical deadlines run in submission
// order. The map allows removing cancelled tasks by key without popping.
//
// Not thread-safe, owned by the executor goroutine.
type timerHeap struct {
	items    []*Task
	itemsMap map[uint64]*Task
}

func newTimerHeap() *timerHeap {
	return &timerHeap{
		items:    make([]*Task, 0),
		itemsMap: make(map[uint64]*Task),
	}
}

// Len returns the number of tasks in the heap (part of heap.Interface)
func (h *timerHeap) Len() int { return len(h.items) }

// Less compares by deadline, then sequence (part of heap.Interface)
func (h *timerHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.seq < b.seq
}

// Swap exchanges tasks at positions i and j (part of heap.Interface)
func (h *timerHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

// Push adds a task (part of heap.Interface)
func (h *timerHeap) Push(x interface{}) {
	t := x.(*Task)
	t.index = len(h.items)
	h.items = append(h.items, t)
	h.itemsMap[t.seq] = t
}

// Pop removes the last task (part of heap.Interface)
func (h *timerHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	t := old[n-1]
	old[n-1] = nil // avoid memory leak
	t.index = -1
	h.items = old[:n-1]
	delete(h.itemsMap, t.seq)
	return t
}

// add schedules t at its deadline
func (h *timerHeap) add(t *Task) {
	heap.Push(h, t)
}

// peek returns the task with the earliest deadline without removing it
func (h *timerHeap) peek() *Task {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

// poll removes and returns the task with the earliest deadline
func (h *timerHeap) poll() *Task {
	if len(h.items) == 0 {
		return nil
	}
	return heap.Pop(h).(*Task)
}

// removeByKey removes the task with sequence number seq
func (h *timerHeap) removeByKey(seq uint64) (*Task, bool) {
	t, exists := h.itemsMap[seq]
	if !exists {
		return nil, false
	}
	heap.Remove(h, t.index)
	return t, true
}

// sweep removes all cancelled tasks and returns how many were removed
func (h *timerHeap) sweep() int {
	var cancelled []uint64
	for seq, t := range h.itemsMap {
		if t.IsCancelled() {
			cancelled = append(cancelled, seq)
		}
	}
	for _, seq := range cancelled {
		h.removeByKey(seq)
	}
	return len(cancelled)
}

// hasPendingWork reports whether a live task that is not exempt from the
// quiescence check is scheduled
func (h *timerHeap) hasPendingWork() bool {
	for _, t := range h.items {
		if !t.exempt && !t.IsCancelled() {
			return true
		}
	}
	return false
}

// hasLive reports whether any task that was not cancelled is scheduled
func (h *timerHeap) hasLive() bool {
	for _, t := range h.items {
		if !t.IsCancelled() {
			return true
		}
	}
	return false
}

// drain removes every task
func (h *timerHeap) drain(fn func(t *Task)) {
	for len(h.items) > 0 {
		fn(h.poll())
	}
}
