package channel

import (
	"fmt"
	"github.com/ValentinKolb/dNIO/lib/nio/buffer"
	"unicode/utf8"
)

// Input adapts the bytes received from a socket to the protocol layer. It
// alternates between two modes:
//
//   - channel-read mode: FlipToChannelRead hands out two scratch buffers for a
//     gathering read
//   - protocol-read mode: FlipToProtocolRead forks the received bytes into the
//     backlog list, where the read primitives consume them
//
// Mark and Reset bracket a region of the backlog that has to survive until a
// partially received protocol message is complete.
//
// Input is not safe for concurrent use. It is owned by the executor goroutine
// of its endpoint.
type Input struct {
	pool *buffer.SlicePool

	// scratch buffers for the next channel read. scratch[0] is filled first.
	scratch   [2]*buffer.BufferSlice
	chnlBufs  [][]byte
	chnlReady bool

	// backlog of received bytes. protoSlice is the slice the protocol reads
	// from; everything before it in the list is consumed.
	backlog    *buffer.SliceList
	protoSlice *buffer.BufferSlice

	// mark state
	marked    bool
	markSlice *buffer.BufferSlice
	markPos   int

	readable int
	packed   [buffer.MaxLongLength]byte
	closed   bool
}

// NewInput creates an Input drawing its scratch buffers from pool
func NewInput(pool *buffer.SlicePool) *Input {
	return &Input{
		pool:     pool,
		backlog:  buffer.NewSliceList(),
		chnlBufs: make([][]byte, 2),
	}
}

// --------------------------------------------------------------------------
// Channel side
// --------------------------------------------------------------------------

// FlipToChannelRead returns exactly two buffers positioned for a gathering
// read. The first buffer is the unused remainder of the current scratch slice.
func (in *Input) FlipToChannelRead() ([][]byte, error) {
	if in.closed {
		return nil, ErrClosed
	}
	for i := range in.scratch {
		if in.scratch[i] == nil {
			s, err := in.pool.Acquire()
			if err != nil {
				return nil, fmt.Errorf("failed to acquire read buffer: %w", err)
			}
			in.scratch[i] = s
		}
	}

	in.chnlBufs[0] = in.scratch[0].Writable()
	in.chnlBufs[1] = in.scratch[1].Writable()
	in.chnlReady = true
	return in.chnlBufs, nil
}

// FlipToProtocolRead accounts for n bytes received into the buffers returned
// by the last FlipToChannelRead. The bytes are appended to the backlog as
// zero-copy forks of the scratch slices.
func (in *Input) FlipToProtocolRead(n int) {
	if in.closed {
		return
	}
	if !in.chnlReady {
		invariant("FlipToProtocolRead", "not in channel-read mode")
	}
	in.chnlReady = false
	in.chnlBufs[0], in.chnlBufs[1] = nil, nil

	for i := 0; i < len(in.scratch) && n > 0; i++ {
		s := in.scratch[i]
		filled := min(n, len(s.Writable()))
		s.Commit(filled)
		in.append(s.Fork(filled))
		n -= filled
	}
	if n > 0 {
		invariant("FlipToProtocolRead", "%d bytes received beyond the scratch buffers", n)
	}

	// retire exhausted scratch slices, the forks keep their storage alive
	for len(in.scratch[0].Writable()) == 0 {
		in.scratch[0].MarkFree()
		in.scratch[0], in.scratch[1] = in.scratch[1], nil
		if in.scratch[0] == nil {
			break
		}
	}
}

// Preload appends bytes that were received outside of the channel-read cycle
// (for instance while sniffing the connection preamble)
func (in *Input) Preload(data []byte) {
	if in.closed || len(data) == 0 {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	in.append(buffer.NewHeapSlice(cp))
}

func (in *Input) append(s *buffer.BufferSlice) {
	if s.Remaining() == 0 {
		s.MarkFree()
		return
	}
	in.backlog.Add(s)
	if in.protoSlice == nil {
		in.protoSlice = s
	}
	in.readable += s.Remaining()
}

// --------------------------------------------------------------------------
// Protocol side
// --------------------------------------------------------------------------

// ReadableBytes returns the number of bytes the protocol can read
func (in *Input) ReadableBytes() int {
	if in.closed {
		return 0
	}
	return in.readable
}

// ReadByte reads one byte and implements io.ByteReader. The caller has to
// check ReadableBytes first; the only error is ErrClosed.
func (in *Input) ReadByte() (byte, error) {
	if in.closed {
		return 0, ErrClosed
	}
	in.ensureReadable("ReadByte", 1)
	s := in.ensureProtoSliceNotConsumed()
	in.readable--
	return s.NextByte(), nil
}

// ReadBytes returns the next n bytes as a list of forked slices without
// copying. The caller owns the returned list and frees it with FreeEntries.
func (in *Input) ReadBytes(n int) *buffer.SliceList {
	out := buffer.NewSliceList()
	if in.closed {
		return out
	}
	in.ensureReadable("ReadBytes", n)

	for n > 0 {
		s := in.ensureProtoSliceNotConsumed()
		chunk := min(n, s.Remaining())
		out.Add(s.Fork(chunk))
		in.readable -= chunk
		n -= chunk
	}
	return out
}

// ReadFully copies len(dst) bytes into dst
func (in *Input) ReadFully(dst []byte) {
	if in.closed {
		return
	}
	in.ensureReadable("ReadFully", len(dst))

	for off := 0; off < len(dst); {
		s := in.ensureProtoSliceNotConsumed()
		c := copy(dst[off:], s.Bytes())
		s.Advance(c)
		in.readable -= c
		off += c
	}
}

// ReadPackedLong decodes a packed long. Encodings split across slices are
// assembled in a scratch array first. Returns ok=false without consuming
// anything if the complete encoding has not been received yet.
func (in *Input) ReadPackedLong() (v int64, ok bool) {
	if in.closed || in.readable == 0 {
		return 0, false
	}

	s := in.ensureProtoSliceNotConsumed()
	length := buffer.PackedLongLength(s.Bytes()[0])
	if in.readable < length {
		return 0, false
	}

	if s.Remaining() >= length {
		v, _ = buffer.ReadPackedLong(s.Bytes())
		s.Advance(length)
		in.readable -= length
		return v, true
	}

	in.ReadFully(in.packed[:length])
	v, _ = buffer.ReadPackedLong(in.packed[:length])
	return v, true
}

// ReadUTF8 reads a string of n encoded bytes. It returns ok=false and leaves
// the input untouched if fewer than n bytes are readable; the caller retries
// once more data arrived. Malformed encodings are reported as errors.
func (in *Input) ReadUTF8(n int) (string, bool, error) {
	if in.closed || in.readable < n {
		return "", false, nil
	}

	raw := make([]byte, n)
	in.ReadFully(raw)
	if !utf8.Valid(raw) {
		return "", false, fmt.Errorf("malformed utf-8 sequence of %d bytes", n)
	}
	return string(raw), true, nil
}

// --------------------------------------------------------------------------
// Mark and reset
// --------------------------------------------------------------------------

// Mark frees everything the protocol consumed before the current slice and
// remembers the read cursor. The marked region survives until the next Mark.
func (in *Input) Mark() {
	if in.closed {
		return
	}
	in.freeConsumed()
	in.marked = true
	in.markSlice = in.protoSlice
	if in.markSlice != nil {
		in.markPos = in.markSlice.Pos()
	}
}

// Reset rewinds the read cursor to the last Mark and recomputes the readable
// bytes
func (in *Input) Reset() {
	if in.closed {
		return
	}
	if !in.marked {
		invariant("Reset", "reset without mark")
	}

	start := in.markSlice
	if start == nil {
		// marked while the backlog was empty, everything received since
		// then is unread
		start = in.backlog.Head()
		if start == nil {
			in.readable = 0
			return
		}
		start.SetPos(0)
	} else {
		start.SetPos(in.markPos)
	}

	in.protoSlice = start
	in.readable = start.Remaining()
	for s := start.Next(); s != nil; s = s.Next() {
		s.SetPos(0)
		in.readable += s.Remaining()
	}
}

// freeConsumed frees the backlog slices in front of the protocol slice
func (in *Input) freeConsumed() {
	for h := in.backlog.Head(); h != nil && h != in.protoSlice; h = in.backlog.Head() {
		in.backlog.Poll().MarkFree()
	}
}

// ensureReadable panics if the caller reads more than it checked for
func (in *Input) ensureReadable(op string, n int) {
	if n < 0 || n > in.readable {
		invariant(op, "read of %d bytes with only %d readable", n, in.readable)
	}
}

// ensureProtoSliceNotConsumed advances the protocol cursor past drained
// slices. Running off the end of the backlog means the caller did not check
// ReadableBytes, which is an invariant violation.
func (in *Input) ensureProtoSliceNotConsumed() *buffer.BufferSlice {
	for in.protoSlice != nil && in.protoSlice.Remaining() == 0 {
		next := in.protoSlice.Next()
		if next == nil {
			break
		}
		in.protoSlice = next
		if !in.marked {
			// nothing to protect, drop drained slices right away
			in.freeConsumed()
		}
	}
	if in.protoSlice == nil || in.protoSlice.Remaining() == 0 {
		invariant("ensureProtoSliceNotConsumed", "protocol cursor ran off the end of the input")
	}
	return in.protoSlice
}

// --------------------------------------------------------------------------
// Teardown
// --------------------------------------------------------------------------

// Close frees every slice. Further calls are no-ops.
func (in *Input) Close() {
	if in.closed {
		return
	}
	in.closed = true
	in.backlog.FreeEntries()
	for i, s := range in.scratch {
		if s != nil {
			s.MarkFree()
			in.scratch[i] = nil
		}
	}
	in.protoSlice = nil
	in.markSlice = nil
	in.marked = false
	in.readable = 0
	in.chnlBufs = nil
}

// IsClosed reports whether Close was called
func (in *Input) IsClosed() bool { return in.closed }

func (in *Input) String() string {
	return fmt.Sprintf("Input{readable=%d, backlog=%d, marked=%t, closed=%t}",
		in.readable, in.backlog.Size(), in.marked, in.closed)
}
