package buffer

import "sync/atomic"

// freeList is a bounded multi-producer multi-consumer ring of slot indices
// (Vyukov's sequence-numbered cells). Any executor may release a slice at any
// time, so both ends have to be lock-free.
type freeList struct {
	head  atomic.Uint64
	_     [56]byte
	tail  atomic.Uint64
	_     [56]byte
	mask  uint64
	cells []freeCell
}

type freeCell struct {
	sequence atomic.Uint64
	index    uint32
}

// newFreeList creates a ring with room for at least capacity indices
func newFreeList(capacity int) *freeList {
	size := 2
	for size < capacity {
		size <<= 1
	}

	l := &freeList{
		mask:  uint64(size - 1),
		cells: make([]freeCell, size),
	}
	for i := range l.cells {
		l.cells[i].sequence.Store(uint64(i))
	}
	return l
}

// push adds an index. Returns false if the ring is full.
func (l *freeList) push(index uint32) bool {
	for {
		tail := l.tail.Load()
		c := &l.cells[tail&l.mask]
		dif := int64(c.sequence.Load()) - int64(tail)

		switch {
		case dif == 0:
			if l.tail.CompareAndSwap(tail, tail+1) {
				c.index = index
				c.sequence.Store(tail + 1)
				return true
			}
		case dif < 0:
			return false
		}
	}
}

// pop removes an index. Returns false if the ring is empty.
func (l *freeList) pop() (uint32, bool) {
	for {
		head := l.head.Load()
		c := &l.cells[head&l.mask]
		dif := int64(c.sequence.Load()) - int64(head+1)

		switch {
		case dif == 0:
			if l.head.CompareAndSwap(head, head+1) {
				index := c.index
				c.sequence.Store(head + l.mask + 1)
				return index, true
			}
		case dif < 0:
			return 0, false
		}
	}
}
