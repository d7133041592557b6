package nio

import (
	"fmt"

	"github.com/ValentinKolb/dNIO/lib/nio/channel"
)

// Frame is one message of the frame protocol. On the wire it is encoded as
// three packed longs (shard id, request id, payload length) followed by the
// payload.
type Frame struct {
	ShardID   uint64
	RequestID uint64
	Payload   []byte
}

// FrameHandler receives every complete frame. It runs on the executor
// goroutine and must not block.
type FrameHandler func(ep *Endpoint, f Frame)

// FrameProtocol implements Protocol for length prefixed frames
type FrameProtocol struct {
	handle       FrameHandler
	maxFrameSize int

	// OnOpen and OnClose are optional hooks for the connection lifecycle
	OnOpen  func(ep *Endpoint)
	OnClose func(ep *Endpoint, cause error)
}

// NewFrameProtocol creates a frame protocol delivering frames to handle.
// Frames with a payload above maxFrameSize close the connection.
func NewFrameProtocol(handle FrameHandler, maxFrameSize int) *FrameProtocol {
	return &FrameProtocol{handle: handle, maxFrameSize: maxFrameSize}
}

// WriteFrame encodes f and flushes it. It can be called from any goroutine,
// f.Payload must not be modified until the frame was written.
func (p *FrameProtocol) WriteFrame(ep *Endpoint, f Frame) error {
	if len(f.Payload) > p.maxFrameSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(f.Payload), p.maxFrameSize)
	}
	return ep.Send(func(out *channel.Output) error {
		if err := out.WritePackedLong(int64(f.ShardID)); err != nil {
			return err
		}
		if err := out.WritePackedLong(int64(f.RequestID)); err != nil {
			return err
		}
		if err := out.WritePackedLong(int64(len(f.Payload))); err != nil {
			return err
		}
		if _, err := out.Write(f.Payload); err != nil {
			return err
		}
		framesSentTotal.Inc()
		return nil
	})
}

// --------------------------------------------------------------------------
// Interface Methods (docu see nio.Protocol)
// --------------------------------------------------------------------------

func (p *FrameProtocol) OnConnected(ep *Endpoint) error {
	if p.OnOpen != nil {
		p.OnOpen(ep)
	}
	return nil
}

func (p *FrameProtocol) OnDataAvailable(ep *Endpoint, in *channel.Input) error {
	for ep.State() == Ready {
		in.Mark()
		shardID, ok := in.ReadPackedLong()
		if !ok {
			in.Reset()
			return nil
		}
		requestID, ok := in.ReadPackedLong()
		if !ok {
			in.Reset()
			return nil
		}
		length, ok := in.ReadPackedLong()
		if !ok {
			in.Reset()
			return nil
		}

		if length < 0 || length > int64(p.maxFrameSize) {
			Logger.Warningf("endpoint %d: closing, frame of %d bytes announced", ep.ID(), length)
			return ep.closeAsync(fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, length, p.maxFrameSize))
		}
		if in.ReadableBytes() < int(length) {
			in.Reset()
			return nil
		}

		payload := make([]byte, length)
		in.ReadFully(payload)
		framesReceivedTotal.Inc()
		p.handle(ep, Frame{ShardID: uint64(shardID), RequestID: uint64(requestID), Payload: payload})
	}
	return nil
}

func (p *FrameProtocol) OnClosed(ep *Endpoint, cause error) {
	if p.OnClose != nil {
		p.OnClose(ep, cause)
	}
}
