package executor

import (
	"runtime"
	"sync/atomic"
)

// node represents a single element in the queue
type node[T interface{}] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// mpsc is a lock-free multi-producer single-consumer queue. Producers may push
// from any goroutine; only the executor goroutine pops.
//
// Items pushed by the same producer are popped in push order. There is no
// ordering between producers beyond which push completed first.
type mpsc[T interface{}] struct {
	head atomic.Pointer[node[T]]
	tail atomic.Pointer[node[T]]
}

func newMPSC[T interface{}]() *mpsc[T] {
	// sentinel node (dummy node at the beginning)
	sentinel := &node[T]{}
	q := &mpsc[T]{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

// push appends value. Safe for concurrent use.
func (q *mpsc[T]) push(value *T) {
	newNode := &node[T]{value: value}
	var backoff uint8

	for {
		tailNode := q.tail.Load()
		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// may fail if another producer already helped, the tail
				// still moves forward eventually
				q.tail.CompareAndSwap(tailNode, newNode)
				return
			}
		} else {
			// help a producer that appended but did not move the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// pop removes the oldest value. Consumer goroutine only.
func (q *mpsc[T]) pop() (*T, bool) {
	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		return nil, false
	}
	value := next.value
	q.head.Store(next)
	// help go gc
	next.value = nil
	return value, true
}

// isEmpty reports whether nothing is left to pop. Consumer goroutine only.
func (q *mpsc[T]) isEmpty() bool {
	return q.head.Load().next.Load() == nil
}
