package buffer

import (
	"errors"
	"fmt"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"strings"
	"sync/atomic"
)

var Logger = logger.GetLogger("nio/buffer")

var (
	// ErrPoolExhausted is returned by Acquire when every slot of the arena is
	// in use and the pool does not allow heap overflow
	ErrPoolExhausted = errors.New("buffer pool exhausted")

	acquiredTotal     = metrics.GetOrCreateCounter("dnio_buffer_slices_acquired_total")
	releasedTotal     = metrics.GetOrCreateCounter("dnio_buffer_slices_released_total")
	heapOverflowTotal = metrics.GetOrCreateCounter("dnio_buffer_heap_overflow_total")
)

// heapIndex marks a slot that lives outside of any arena
const heapIndex = ^uint32(0)

// InvariantError reports a broken buffer accounting rule (double free, use
// after free, over-long fork). It is a programming error, never an I/O
// condition, and is raised with panic.
type InvariantError struct {
	Op  string
	Msg string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("buffer invariant violated in %s: %s", e.Op, e.Msg)
}

func invariant(op, format string, args ...interface{}) {
	panic(&InvariantError{Op: op, Msg: fmt.Sprintf(format, args...)})
}

// --------------------------------------------------------------------------
// Arena slots
// --------------------------------------------------------------------------

// slot is one fixed-size storage unit. refs counts the live handles (the
// acquired slice plus every unreleased fork), gen is bumped each time the
// storage goes back to the free list so stale handles can be detected.
type slot struct {
	data []byte
	refs atomic.Int32
	gen  atomic.Uint32
}

// --------------------------------------------------------------------------
// SlicePool
// --------------------------------------------------------------------------

// PoolStats is a snapshot of the pool's bookkeeping counters
type PoolStats struct {
	BufSize       int
	Capacity      int
	Allocated     uint64 // slots whose storage has been created so far
	Acquired      uint64
	Released      uint64
	HeapOverflows uint64
	Outstanding   int64
}

// SlicePool hands out fixed-size BufferSlices backed by an arena of slots.
// Acquire and release are lock-free, so any goroutine may free a slice.
type SlicePool struct {
	bufSize       int
	slots         []slot
	free          *freeList
	allowOverflow bool

	allocated   atomic.Uint64
	acquired    atomic.Uint64
	released    atomic.Uint64
	overflows   atomic.Uint64
	outstanding atomic.Int64
}

// NewSlicePool creates a pool of capacity slots holding bufSize bytes each.
// Slot storage is created on first use. If allowOverflow is set, Acquire
// falls back to heap storage instead of failing once the arena is exhausted.
func NewSlicePool(bufSize, capacity int, allowOverflow bool) *SlicePool {
	if bufSize <= 0 {
		panic(fmt.Sprintf("invalid buffer size %d", bufSize))
	}
	if capacity < 0 || uint64(capacity) >= uint64(heapIndex) {
		panic(fmt.Sprintf("invalid pool capacity %d", capacity))
	}

	p := &SlicePool{
		bufSize:       bufSize,
		slots:         make([]slot, capacity),
		free:          newFreeList(capacity),
		allowOverflow: allowOverflow,
	}
	for i := 0; i < capacity; i++ {
		p.free.push(uint32(i))
	}
	return p
}

// BufSize returns the fixed size of every pooled buffer
func (p *SlicePool) BufSize() int { return p.bufSize }

// Outstanding returns the number of storage units currently held by live
// slices (arena slots and heap overflow buffers)
func (p *SlicePool) Outstanding() int64 { return p.outstanding.Load() }

// Acquire returns a slice with capacity BufSize and both cursors at 0
func (p *SlicePool) Acquire() (*BufferSlice, error) {
	index, ok := p.free.pop()
	if !ok {
		if !p.allowOverflow {
			return nil, ErrPoolExhausted
		}
		if p.overflows.Add(1) == 1 {
			Logger.Infof("slice pool exhausted (%d slots of %d bytes), falling back to heap storage", len(p.slots), p.bufSize)
		}
		heapOverflowTotal.Inc()
		s := &slot{data: make([]byte, p.bufSize)}
		return p.attach(s, heapIndex), nil
	}

	s := &p.slots[index]
	if s.data == nil {
		s.data = make([]byte, p.bufSize)
		p.allocated.Add(1)
	}
	return p.attach(s, index), nil
}

// attach hands out the first handle to a fresh slot
func (p *SlicePool) attach(s *slot, index uint32) *BufferSlice {
	s.refs.Store(1)
	p.acquired.Add(1)
	p.outstanding.Add(1)
	acquiredTotal.Inc()
	return &BufferSlice{
		pool:  p,
		s:     s,
		index: index,
		gen:   s.gen.Load(),
		buf:   s.data[:p.bufSize:p.bufSize],
	}
}

// release returns the storage of a slot whose last handle was freed
func (p *SlicePool) release(s *slot, index uint32) {
	s.gen.Add(1)
	p.released.Add(1)
	p.outstanding.Add(-1)
	releasedTotal.Inc()

	if index == heapIndex {
		return
	}
	if !p.free.push(index) {
		invariant("release", "free list overflow for slot %d", index)
	}
}

// Stats returns a snapshot of the pool counters
func (p *SlicePool) Stats() PoolStats {
	return PoolStats{
		BufSize:       p.bufSize,
		Capacity:      len(p.slots),
		Allocated:     p.allocated.Load(),
		Acquired:      p.acquired.Load(),
		Released:      p.released.Load(),
		HeapOverflows: p.overflows.Load(),
		Outstanding:   p.outstanding.Load(),
	}
}

// String returns a formatted string representation of the pool statistics
func (s PoolStats) String() string {
	var sb strings.Builder
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	sb.WriteString("SLICE POOL\n")
	addField("Buffer Size", fmt.Sprintf("%d bytes", s.BufSize))
	addField("Capacity", fmt.Sprintf("%d slots", s.Capacity))
	addField("Allocated", fmt.Sprintf("%d", s.Allocated))
	addField("Acquired / Released", fmt.Sprintf("%d / %d", s.Acquired, s.Released))
	addField("Heap Overflows", fmt.Sprintf("%d", s.HeapOverflows))
	addField("Outstanding", fmt.Sprintf("%d", s.Outstanding))
	return sb.String()
}
