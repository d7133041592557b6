package channel

import (
	"fmt"
	"github.com/ValentinKolb/dNIO/lib/nio/buffer"
	"github.com/eapache/queue"
	"unicode/utf8"
)

// DefaultBufsSize is the number of slices batched into one gathering write
const DefaultBufsSize = 64

// Bufs is a reusable view over the slices of an Output that are ready for a
// gathering write. Array returns the byte arrays in write order.
type Bufs struct {
	array  [][]byte
	slices []*buffer.BufferSlice
	offset int
	length int
}

// Array returns the pending byte arrays. The returned slice is only valid
// until the next call to Output.GetBufs or Output.Written.
func (b *Bufs) Array() [][]byte { return b.array[b.offset : b.offset+b.length] }

// Len returns the number of pending arrays
func (b *Bufs) Len() int { return b.length }

// Bytes returns the total number of pending bytes
func (b *Bufs) Bytes() int {
	n := 0
	for _, a := range b.Array() {
		n += len(a)
	}
	return n
}

// Output collects the bytes written by the protocol layer in pooled slices
// and hands them to the channel as a batch for a gathering write.
//
// Output is not safe for concurrent use. It is owned by the executor goroutine
// of its endpoint.
type Output struct {
	pool *buffer.SlicePool

	// current is the slice being written. Bytes between its read cursor and
	// limit are written but not yet sealed into the pending queue.
	current *buffer.BufferSlice
	pending *queue.Queue
	bufs    *Bufs

	tmp    [buffer.MaxLongLength]byte
	closed bool
}

// NewOutput creates an Output that batches up to bufsSize slices per write
func NewOutput(pool *buffer.SlicePool, bufsSize int) *Output {
	if bufsSize < 2 {
		bufsSize = DefaultBufsSize
	}
	return &Output{
		pool:    pool,
		pending: queue.New(),
		bufs: &Bufs{
			array:  make([][]byte, bufsSize),
			slices: make([]*buffer.BufferSlice, bufsSize),
		},
	}
}

// --------------------------------------------------------------------------
// Protocol side
// --------------------------------------------------------------------------

// Write appends p. Never returns a short write; an error means a buffer could
// not be acquired and the written data is incomplete.
func (out *Output) Write(p []byte) (int, error) {
	if out.closed {
		return 0, ErrClosed
	}
	written := 0
	for written < len(p) {
		if err := out.ensureCurrent(); err != nil {
			return written, err
		}
		c := copy(out.current.Writable(), p[written:])
		out.current.Commit(c)
		written += c
	}
	return written, nil
}

// WriteByte appends one byte
func (out *Output) WriteByte(c byte) error {
	out.tmp[0] = c
	_, err := out.Write(out.tmp[:1])
	return err
}

// WriteString appends the UTF-8 bytes of s
func (out *Output) WriteString(s string) (int, error) {
	if out.closed {
		return 0, ErrClosed
	}
	written := 0
	for written < len(s) {
		if err := out.ensureCurrent(); err != nil {
			return written, err
		}
		c := copy(out.current.Writable(), s[written:])
		out.current.Commit(c)
		written += c
	}
	return written, nil
}

// WriteUTF8 appends the encoding of s, which has to be valid UTF-8. The reader
// needs the encoded length (len(s)) to read it back with Input.ReadUTF8.
func (out *Output) WriteUTF8(s string) (int, error) {
	if !utf8.ValidString(s) {
		return 0, fmt.Errorf("malformed utf-8 string of %d bytes", len(s))
	}
	return out.WriteString(s)
}

// WritePackedLong appends the packed encoding of v
func (out *Output) WritePackedLong(v int64) error {
	n := buffer.WritePackedLong(out.tmp[:], v)
	_, err := out.Write(out.tmp[:n])
	return err
}

// WriteSlice appends s without copying. Ownership of s moves to the Output.
// An empty slice is freed right away.
func (out *Output) WriteSlice(s *buffer.BufferSlice) {
	if out.closed || s.Remaining() == 0 {
		s.MarkFree()
		return
	}
	out.seal()
	out.pending.Add(s)
}

// ensureCurrent makes sure there is a slice with free space to write into
func (out *Output) ensureCurrent() error {
	if out.current != nil && len(out.current.Writable()) == 0 {
		out.seal()
		out.current.MarkFree()
		out.current = nil
	}
	if out.current == nil {
		s, err := out.pool.Acquire()
		if err != nil {
			return fmt.Errorf("failed to acquire write buffer: %w", err)
		}
		out.current = s
	}
	return nil
}

// seal moves the written but unsealed bytes of the current slice to the
// pending queue as a fork, so the rest of the slice can still be written
func (out *Output) seal() {
	if out.current != nil && out.current.Remaining() > 0 {
		out.pending.Add(out.current.Fork(out.current.Remaining()))
	}
}

// --------------------------------------------------------------------------
// Channel side
// --------------------------------------------------------------------------

// GetBufs returns the batch for the next gathering write. The batch is only
// refilled from the pending queue when it is less than half full, so the
// compaction copy is amortized over many writes.
func (out *Output) GetBufs() *Bufs {
	b := out.bufs
	if out.closed {
		b.offset, b.length = 0, 0
		return b
	}
	out.seal()

	if b.length >= len(b.array)/2 || out.pending.Length() == 0 {
		return b
	}

	// compact
	if b.offset > 0 {
		copy(b.array, b.array[b.offset:b.offset+b.length])
		copy(b.slices, b.slices[b.offset:b.offset+b.length])
		for i := b.length; i < b.offset+b.length; i++ {
			b.array[i] = nil
			b.slices[i] = nil
		}
		b.offset = 0
	}

	// refill
	for b.length < len(b.array) && out.pending.Length() > 0 {
		s := out.pending.Remove().(*buffer.BufferSlice)
		b.array[b.length] = s.Bytes()
		b.slices[b.length] = s
		b.length++
	}
	return b
}

// Written consumes n bytes from the front of the batch after they were
// written to the channel. Fully written slices are freed.
func (out *Output) Written(n int) {
	if out.closed {
		return
	}
	b := out.bufs
	for b.length > 0 {
		s := b.slices[b.offset]
		rem := len(b.array[b.offset])
		if n < rem {
			s.Advance(n)
			b.array[b.offset] = b.array[b.offset][n:]
			return
		}

		s.MarkFree()
		b.array[b.offset] = nil
		b.slices[b.offset] = nil
		b.offset++
		b.length--
		n -= rem
	}
	if b.length == 0 {
		b.offset = 0
	}
	if n > 0 {
		invariant("Written", "%d bytes written beyond the batch", n)
	}
}

// HasRemaining reports whether written data is still waiting to be flushed
func (out *Output) HasRemaining() bool {
	if out.closed {
		return false
	}
	return out.bufs.length > 0 || out.pending.Length() > 0 ||
		(out.current != nil && out.current.Remaining() > 0)
}

// Close frees every slice. Further calls are no-ops.
func (out *Output) Close() {
	if out.closed {
		return
	}
	out.closed = true

	b := out.bufs
	for i := b.offset; i < b.offset+b.length; i++ {
		b.slices[i].MarkFree()
		b.slices[i] = nil
		b.array[i] = nil
	}
	b.offset, b.length = 0, 0

	for out.pending.Length() > 0 {
		out.pending.Remove().(*buffer.BufferSlice).MarkFree()
	}
	if out.current != nil {
		out.current.MarkFree()
		out.current = nil
	}
}

// IsClosed reports whether Close was called
func (out *Output) IsClosed() bool { return out.closed }
