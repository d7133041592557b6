package nio

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dNIO/lib/nio/buffer"
	"github.com/ValentinKolb/dNIO/lib/nio/channel"
	"github.com/ValentinKolb/dNIO/lib/nio/executor"
	"github.com/ValentinKolb/dNIO/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

// startResponder registers a responder endpoint on dc and waits until it is READY
func startResponder(t *testing.T, sel *memSelector, dc channel.IDataChannel) (*Endpoint, *frameSink) {
	return startResponderWith(t, sel, dc, testConnectionConf())
}

func startResponderWith(t *testing.T, sel *memSelector, dc channel.IDataChannel, conf common.ConnectionConf) (*Endpoint, *frameSink) {
	pool := testPool(t, sel)
	sink, proto := newFrameSink(conf)

	ep := NewEndpoint(dc, Responder, proto, pool, testSlices(conf), conf, nil)
	require.NoError(t, ep.Attach(nil))
	select {
	case <-ep.Ready():
	case <-time.After(waitFor):
		t.Fatal("endpoint did not become ready")
	}
	require.Equal(t, Ready, ep.State())
	return ep, sink
}

func TestEndpointResponderReceivesFrames(t *testing.T) {
	sel := newMemSelector()
	dc := newScriptedChannel(t)
	ep, sink := startResponder(t, sel, dc)
	assert.Equal(t, int32(1), sink.opened.Load())

	payload := bytes.Repeat([]byte("abcdefgh"), 40) // spans several slices
	wire := encodeFrame(Frame{ShardID: 7, RequestID: 1, Payload: payload})
	wire = append(wire, encodeFrame(Frame{ShardID: 8, RequestID: 2, Payload: []byte("second")})...)

	// deliver the bytes in small chunks, one readiness event each
	for len(wire) > 0 {
		n := min(13, len(wire))
		dc.push(wire[:n])
		wire = wire[n:]
		sel.fire(dc.FD(), executor.OpRead)
	}

	f := sink.next(t)
	assert.Equal(t, uint64(7), f.ShardID)
	assert.Equal(t, uint64(1), f.RequestID)
	assert.Equal(t, payload, f.Payload)

	f = sink.next(t)
	assert.Equal(t, uint64(8), f.ShardID)
	assert.Equal(t, []byte("second"), f.Payload)
	assert.Equal(t, Ready, ep.State())
}

func TestEndpointPartialWrites(t *testing.T) {
	sel := newMemSelector()
	dc := newScriptedChannel(t)
	dc.maxWrite = 5
	ep, _ := startResponder(t, sel, dc)

	f := Frame{ShardID: 1, RequestID: 99, Payload: bytes.Repeat([]byte{0x42}, 100)}
	want := encodeFrame(f)
	proto := ep.proto.(*FrameProtocol)
	require.NoError(t, proto.WriteFrame(ep, f))

	// the short write makes the endpoint wait for write readiness
	require.Eventually(t, func() bool {
		ops, _ := sel.interest(dc.FD())
		return ops&executor.OpWrite != 0
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		sel.fire(dc.FD(), executor.OpWrite)
		return len(dc.writtenBytes()) == len(want)
	}, waitFor, tick)
	assert.Equal(t, want, dc.writtenBytes())

	// nothing left, write interest is dropped again
	require.Eventually(t, func() bool {
		ops, _ := sel.interest(dc.FD())
		return ops == executor.OpRead
	}, waitFor, tick)
}

func TestEndpointOffloadsDelegatedTasks(t *testing.T) {
	sel := newMemSelector()
	dc := newScriptedChannel(t)
	ep, sink := startResponder(t, sel, dc)

	gate := make(chan struct{})
	var ran atomic.Bool
	dc.setReadTasks(func() {
		<-gate
		ran.Store(true)
	})
	dc.push(encodeFrame(Frame{ShardID: 3, RequestID: 4, Payload: []byte("after handshake")}))
	sel.fire(dc.FD(), executor.OpRead)

	// no readiness is watched while the tasks run
	require.Eventually(t, func() bool {
		ops, ok := sel.interest(dc.FD())
		return ok && ops == 0
	}, waitFor, tick)
	sel.fire(dc.FD(), executor.OpRead)
	select {
	case <-sink.frames:
		t.Fatal("frame delivered before the delegated tasks completed")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	f := sink.next(t)
	assert.True(t, ran.Load())
	assert.Equal(t, []byte("after handshake"), f.Payload)
	require.Eventually(t, func() bool {
		ops, _ := sel.interest(dc.FD())
		return ops == executor.OpRead
	}, waitFor, tick)
	assert.Equal(t, Ready, ep.State())
}

func TestEndpointRemoteClose(t *testing.T) {
	sel := newMemSelector()
	dc := newScriptedChannel(t)
	ep, sink := startResponder(t, sel, dc)

	dc.pushEOF()
	sel.fire(dc.FD(), executor.OpRead)

	cause := sink.awaitClose(t)
	assert.ErrorIs(t, cause, executor.ErrRemoteClosed)
	<-ep.Done()
	assert.Equal(t, Terminated, ep.State())
	_, forced := dc.closeState()
	assert.True(t, forced)

	_, registered := sel.interest(dc.FD())
	assert.False(t, registered)
	require.Eventually(t, ep.cleaned.Load, waitFor, tick)
}

func TestEndpointOversizedFrameCloses(t *testing.T) {
	sel := newMemSelector()
	dc := newScriptedChannel(t)
	ep, sink := startResponder(t, sel, dc)

	// header only, announcing a payload above MaxFrameSize
	header := make([]byte, 3*buffer.MaxLongLength)
	n := buffer.WritePackedLong(header, 1)
	n += buffer.WritePackedLong(header[n:], 1)
	n += buffer.WritePackedLong(header[n:], 1<<20)
	dc.push(header[:n])
	sel.fire(dc.FD(), executor.OpRead)

	cause := sink.awaitClose(t)
	assert.ErrorIs(t, cause, ErrFrameTooLarge)
	<-ep.Done()
	calls, _ := dc.closeState()
	assert.Equal(t, 1, calls)
}

func TestEndpointCloseGivesUpAfterMaxAttempts(t *testing.T) {
	sel := newMemSelector()
	dc := newScriptedChannel(t)
	dc.closeIncomplete = 100
	dc.closeAction = channel.RetryNow
	ep, sink := startResponder(t, sel, dc)

	require.NoError(t, ep.CloseAsync(nil))
	assert.NoError(t, sink.awaitClose(t))
	<-ep.Done()

	calls, forced := dc.closeState()
	assert.Equal(t, ep.conf.MaxCloseAttempts, calls)
	assert.True(t, forced)
	assert.Nil(t, ep.Cause())
}

// TestEndpointCloseTimeoutWithUndrainedOutput closes an endpoint whose peer
// never reads: write readiness does not come back, the close deadline
// forces the channel closed and the output is released.
func TestEndpointCloseTimeoutWithUndrainedOutput(t *testing.T) {
	sel := newMemSelector()
	dc := newScriptedChannel(t)
	dc.maxWrite = 8
	conf := testConnectionConf()
	conf.CloseTimeout = 100 * time.Millisecond
	ep, sink := startResponderWith(t, sel, dc, conf)

	proto := ep.proto.(*FrameProtocol)
	require.NoError(t, proto.WriteFrame(ep, Frame{ShardID: 1, RequestID: 1, Payload: bytes.Repeat([]byte{0x17}, 400)}))
	require.Eventually(t, func() bool {
		ops, _ := sel.interest(dc.FD())
		return ops&executor.OpWrite != 0
	}, waitFor, tick)

	start := time.Now()
	require.NoError(t, ep.CloseAsync(nil))
	assert.NoError(t, sink.awaitClose(t))
	<-ep.Done()
	assert.GreaterOrEqual(t, time.Since(start), conf.CloseTimeout)

	_, forced := dc.closeState()
	assert.True(t, forced)
	assert.Equal(t, Terminated, ep.State())
	assert.Less(t, len(dc.writtenBytes()), 400)
	require.Eventually(t, func() bool { return ep.cleaned.Load() }, waitFor, tick)
	_, registered := sel.interest(dc.FD())
	assert.False(t, registered)
}

func TestEndpointCloseResumesOnReadiness(t *testing.T) {
	sel := newMemSelector()
	dc := newScriptedChannel(t)
	dc.closeIncomplete = 1
	dc.closeAction = channel.WaitForChannelRead
	ep, sink := startResponder(t, sel, dc)

	require.NoError(t, ep.CloseAsync(nil))
	require.Eventually(t, func() bool { return ep.State() == Closing }, waitFor, tick)
	select {
	case <-ep.Done():
		t.Fatal("close completed without readiness")
	case <-time.After(50 * time.Millisecond):
	}

	sel.fire(dc.FD(), executor.OpRead)
	assert.NoError(t, sink.awaitClose(t))
	<-ep.Done()
	calls, _ := dc.closeState()
	assert.Equal(t, 2, calls)

	// output sent after the close is dropped
	assert.NoError(t, ep.Send(func(out *channel.Output) error {
		t.Error("encode called on a terminated endpoint")
		return nil
	}))
}

func TestEndpointCloseFlushesPendingOutput(t *testing.T) {
	sel := newMemSelector()
	dc := newScriptedChannel(t)
	dc.maxWrite = 8
	ep, sink := startResponder(t, sel, dc)

	f := Frame{ShardID: 2, RequestID: 2, Payload: bytes.Repeat([]byte{1}, 40)}
	want := encodeFrame(f)
	require.NoError(t, ep.proto.(*FrameProtocol).WriteFrame(ep, f))
	require.NoError(t, ep.CloseAsync(nil))

	require.Eventually(t, func() bool {
		sel.fire(dc.FD(), executor.OpWrite)
		return ep.State() == Terminated
	}, waitFor, tick)
	assert.NoError(t, sink.awaitClose(t))
	assert.Equal(t, want, dc.writtenBytes())
}

func TestEndpointCreatorSendsMagic(t *testing.T) {
	sel := newMemSelector()
	dc := newScriptedChannel(t)
	conf := testConnectionConf()
	pool := testPool(t, sel)
	sink, proto := newFrameSink(conf)

	ep := NewEndpoint(dc, Creator, proto, pool, testSlices(conf), conf, "attached")
	require.NoError(t, ep.Attach(nil))
	assert.Equal(t, Connecting, ep.State())
	assert.Equal(t, "attached", ep.Attachment())

	require.Eventually(t, func() bool {
		_, ok := sel.interest(dc.FD())
		return ok
	}, waitFor, tick)
	sel.fire(dc.FD(), executor.OpWrite)
	select {
	case <-ep.Ready():
	case <-time.After(waitFor):
		t.Fatal("connect did not complete")
	}
	require.Equal(t, Ready, ep.State())
	require.Eventually(t, func() bool { return string(dc.writtenBytes()) == conf.Magic }, waitFor, tick)
	assert.Equal(t, int32(1), sink.opened.Load())

	ops, _ := sel.interest(dc.FD())
	assert.Equal(t, executor.OpRead, ops)
}

func TestEndpointCleanupFallsBackToBackup(t *testing.T) {
	conf := testConnectionConf()
	pool := testPool(t, newMemSelector())
	pool.Shutdown(false)
	sink, proto := newFrameSink(conf)

	dc := newScriptedChannel(t)
	ep := NewEndpoint(dc, Responder, proto, pool, testSlices(conf), conf, nil)
	ep.Preload([]byte("never read"))

	err := ep.Attach(nil)
	require.ErrorIs(t, err, executor.ErrPoolShutdown)
	assert.Equal(t, Terminated, ep.State())
	assert.ErrorIs(t, sink.awaitClose(t), executor.ErrPoolShutdown)

	// the backup scheduler releases the buffers
	require.Eventually(t, ep.cleaned.Load, waitFor, tick)
}

func TestEndpointCleanupWithoutBackup(t *testing.T) {
	conf := testConnectionConf()
	pool := testPool(t, newMemSelector())
	pool.Shutdown(false)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, pool.AwaitTermination(ctx))
	_, proto := newFrameSink(conf)

	ep := NewEndpoint(newScriptedChannel(t), Responder, proto, pool, testSlices(conf), conf, nil)
	require.Error(t, ep.Attach(nil))

	// released on the calling goroutine
	assert.True(t, ep.cleaned.Load())
}

func TestEndpointNotAttached(t *testing.T) {
	conf := testConnectionConf()
	_, proto := newFrameSink(conf)
	ep := NewEndpoint(newScriptedChannel(t), Responder, proto, nil, testSlices(conf), conf, nil)

	assert.ErrorIs(t, ep.Flush(), ErrNotAttached)
	assert.ErrorIs(t, ep.CloseAsync(nil), ErrNotAttached)
	assert.Equal(t, Connecting, ep.State())
}
