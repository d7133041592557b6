package buffer

import "fmt"

// BufferSlice is a cursor-bearing view over pooled storage. The bytes between
// Pos and Limit are readable; the bytes between Limit and Cap are writable.
//
// A slice is owned by exactly one holder. Forking hands a second handle to the
// same storage to a new holder; the storage goes back to the pool once every
// handle was freed with MarkFree.
type BufferSlice struct {
	pool  *SlicePool
	s     *slot
	index uint32
	gen   uint32

	buf   []byte
	pos   int
	limit int

	// intrusive SliceList link
	next   *BufferSlice
	linked bool
	freed  bool
}

// NewHeapSlice wraps data in a slice that is not accounted to any pool. The
// whole of data is readable. Used for oversized payloads and in tests.
func NewHeapSlice(data []byte) *BufferSlice {
	s := &slot{data: data}
	s.refs.Store(1)
	return &BufferSlice{
		s:     s,
		index: heapIndex,
		buf:   data[:len(data):len(data)],
		limit: len(data),
	}
}

// check panics if the handle is stale or already freed
func (b *BufferSlice) check(op string) {
	if b.freed {
		invariant(op, "slice already freed")
	}
	if b.s.gen.Load() != b.gen {
		invariant(op, "stale slice handle (generation %d, slot generation %d)", b.gen, b.s.gen.Load())
	}
}

// --------------------------------------------------------------------------
// Cursor access
// --------------------------------------------------------------------------

// Pos returns the read cursor
func (b *BufferSlice) Pos() int { return b.pos }

// Limit returns the end of the readable region
func (b *BufferSlice) Limit() int { return b.limit }

// Cap returns the size of the view
func (b *BufferSlice) Cap() int { return len(b.buf) }

// Remaining returns the number of unread bytes
func (b *BufferSlice) Remaining() int { return b.limit - b.pos }

// Bytes returns the unread bytes without moving the cursor
func (b *BufferSlice) Bytes() []byte { return b.buf[b.pos:b.limit] }

// Writable returns the free space behind the readable region
func (b *BufferSlice) Writable() []byte { return b.buf[b.limit:] }

// Next returns the slice following b in its SliceList, or nil
func (b *BufferSlice) Next() *BufferSlice { return b.next }

// IsFree reports whether MarkFree was called on this handle
func (b *BufferSlice) IsFree() bool { return b.freed }

// Advance moves the read cursor n bytes forward
func (b *BufferSlice) Advance(n int) {
	if n < 0 || n > b.Remaining() {
		invariant("Advance", "cannot advance %d bytes, %d remaining", n, b.Remaining())
	}
	b.pos += n
}

// Commit extends the readable region by n bytes written into Writable
func (b *BufferSlice) Commit(n int) {
	if n < 0 || b.limit+n > len(b.buf) {
		invariant("Commit", "cannot commit %d bytes, %d writable", n, len(b.buf)-b.limit)
	}
	b.limit += n
}

// SetPos moves the read cursor to an absolute position within the readable
// region. Used to rewind after an incomplete protocol read.
func (b *BufferSlice) SetPos(pos int) {
	if pos < 0 || pos > b.limit {
		invariant("SetPos", "position %d outside [0, %d]", pos, b.limit)
	}
	b.pos = pos
}

// NextByte returns the byte at the read cursor and advances it
func (b *BufferSlice) NextByte() byte {
	if b.pos >= b.limit {
		invariant("NextByte", "no bytes remaining")
	}
	c := b.buf[b.pos]
	b.pos++
	return c
}

// Reset clears both cursors so the whole view is writable again
func (b *BufferSlice) Reset() {
	b.pos = 0
	b.limit = 0
}

// --------------------------------------------------------------------------
// Ownership
// --------------------------------------------------------------------------

// Fork splits off a child handle covering exactly n bytes at the read cursor
// and advances b past them. The child shares the storage with b and has to be
// freed independently.
func (b *BufferSlice) Fork(n int) *BufferSlice {
	b.check("Fork")
	if n < 0 || n > b.Remaining() {
		invariant("Fork", "cannot fork %d bytes, %d remaining", n, b.Remaining())
	}

	b.s.refs.Add(1)
	child := &BufferSlice{
		pool:  b.pool,
		s:     b.s,
		index: b.index,
		gen:   b.gen,
		buf:   b.buf[b.pos : b.pos+n : b.pos+n],
		limit: n,
	}
	b.pos += n
	return child
}

// MarkFree releases this handle. The storage goes back to the pool when the
// last handle sharing it is released.
func (b *BufferSlice) MarkFree() {
	b.check("MarkFree")
	if b.linked {
		invariant("MarkFree", "slice is still linked into a list")
	}
	b.freed = true
	b.buf = nil

	refs := b.s.refs.Add(-1)
	switch {
	case refs < 0:
		invariant("MarkFree", "negative reference count %d", refs)
	case refs == 0 && b.pool != nil:
		b.pool.release(b.s, b.index)
	case refs == 0:
		b.s.gen.Add(1)
	}
}

func (b *BufferSlice) String() string {
	if b.freed {
		return "BufferSlice{freed}"
	}
	kind := "pooled"
	if b.index == heapIndex {
		kind = "heap"
	}
	return fmt.Sprintf("BufferSlice{%s, pos=%d, limit=%d, cap=%d}", kind, b.pos, b.limit, len(b.buf))
}
