package buffer

// SliceList is an intrusive FIFO of slices representing a byte stream. The
// list owns its entries while they are enqueued; entries are freed by the
// caller after Poll, or all at once with FreeEntries during teardown.
//
// Not safe for concurrent use.
type SliceList struct {
	head *BufferSlice
	tail *BufferSlice
	size int
}

// NewSliceList creates an empty list
func NewSliceList() *SliceList {
	return &SliceList{}
}

// Add appends s to the tail of the list
func (l *SliceList) Add(s *BufferSlice) {
	if s.linked {
		invariant("SliceList.Add", "slice is already linked into a list")
	}
	s.check("SliceList.Add")

	s.linked = true
	s.next = nil
	if l.tail == nil {
		l.head = s
	} else {
		l.tail.next = s
	}
	l.tail = s
	l.size++
}

// Poll removes and returns the head of the list, or nil if the list is empty
func (l *SliceList) Poll() *BufferSlice {
	s := l.head
	if s == nil {
		return nil
	}

	l.head = s.next
	if l.head == nil {
		l.tail = nil
	}
	s.next = nil
	s.linked = false
	l.size--
	return s
}

// Head returns the head of the list without removing it
func (l *SliceList) Head() *BufferSlice { return l.head }

// Tail returns the last slice of the list
func (l *SliceList) Tail() *BufferSlice { return l.tail }

// Size returns the number of enqueued slices
func (l *SliceList) Size() int { return l.size }

// IsEmpty reports whether the list holds no slices
func (l *SliceList) IsEmpty() bool { return l.head == nil }

// Remaining returns the sum of unread bytes over all enqueued slices
func (l *SliceList) Remaining() int {
	n := 0
	for s := l.head; s != nil; s = s.next {
		n += s.Remaining()
	}
	return n
}

// CopyTo copies the unread bytes of all slices into dst without consuming
// them and returns the number of bytes copied
func (l *SliceList) CopyTo(dst []byte) int {
	n := 0
	for s := l.head; s != nil && n < len(dst); s = s.next {
		n += copy(dst[n:], s.Bytes())
	}
	return n
}

// FreeEntries polls every entry and frees it
func (l *SliceList) FreeEntries() {
	for s := l.Poll(); s != nil; s = l.Poll() {
		s.MarkFree()
	}
}
