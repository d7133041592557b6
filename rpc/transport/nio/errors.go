package nio

import (
	"errors"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport/nio")

var (
	// ErrFrameTooLarge is the close cause of a connection that announced a
	// frame above the configured limit
	ErrFrameTooLarge = errors.New("frame exceeds the maximum frame size")

	// ErrEndpointClosed is returned when writing to an endpoint that is no
	// longer READY
	ErrEndpointClosed = errors.New("endpoint is closed")

	// ErrNotAttached is returned by operations on an endpoint that was never
	// registered with an executor
	ErrNotAttached = errors.New("endpoint is not attached to an executor")

	// ErrListenerClosed is returned by operations on a closed listener
	ErrListenerClosed = errors.New("listener is closed")
)

var (
	connectionsAcceptedTotal = metrics.GetOrCreateCounter("dnio_transport_connections_accepted_total")
	connectionsDroppedTotal  = metrics.GetOrCreateCounter("dnio_transport_connections_dropped_total")
	handoffsTotal            = metrics.GetOrCreateCounter("dnio_transport_handoffs_total")
	framesReceivedTotal      = metrics.GetOrCreateCounter("dnio_transport_frames_received_total")
	framesSentTotal          = metrics.GetOrCreateCounter("dnio_transport_frames_sent_total")
	cleanupFailuresTotal     = metrics.GetOrCreateCounter("dnio_transport_cleanup_failures_total")
)
