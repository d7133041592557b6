package executor

import (
	"fmt"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"
)

// PerfTracker collects per-executor performance statistics. Endpoints attach
// to the tracker of their executor when they open and detach when they are
// cleaned up. Safe for concurrent use.
type PerfTracker struct {
	registry    metrics.Registry
	endpoints   metrics.Counter
	bytesIn     metrics.Meter
	bytesOut    metrics.Meter
	tasks       metrics.Counter
	loopLatency metrics.Histogram
}

func newPerfTracker() *PerfTracker {
	r := metrics.NewRegistry()
	return &PerfTracker{
		registry:    r,
		endpoints:   metrics.GetOrRegisterCounter("endpoints", r),
		bytesIn:     metrics.GetOrRegisterMeter("bytes.in", r),
		bytesOut:    metrics.GetOrRegisterMeter("bytes.out", r),
		tasks:       metrics.GetOrRegisterCounter("tasks", r),
		loopLatency: metrics.GetOrRegisterHistogram("loop.latency", r, metrics.NewExpDecaySample(1028, 0.015)),
	}
}

// EndpointOpened attaches an endpoint to the tracker
func (p *PerfTracker) EndpointOpened() { p.endpoints.Inc(1) }

// EndpointClosed detaches an endpoint from the tracker
func (p *PerfTracker) EndpointClosed() { p.endpoints.Dec(1) }

// BytesRead records n bytes received from a socket
func (p *PerfTracker) BytesRead(n int64) { p.bytesIn.Mark(n) }

// BytesWritten records n bytes written to a socket
func (p *PerfTracker) BytesWritten(n int64) { p.bytesOut.Mark(n) }

func (p *PerfTracker) taskExecuted() { p.tasks.Inc(1) }

func (p *PerfTracker) loopIteration(d time.Duration) { p.loopLatency.Update(int64(d)) }

// stop unregisters all metrics, which also stops the meter goroutine ticks
func (p *PerfTracker) stop() { p.registry.UnregisterAll() }

// PerfSnapshot is a point in time copy of a PerfTracker
type PerfSnapshot struct {
	Endpoints     int64
	BytesIn       int64
	BytesOut      int64
	BytesInRate   float64
	BytesOutRate  float64
	Tasks         int64
	LoopP50       time.Duration
	LoopP99       time.Duration
	LoopIterCount int64
}

// Snapshot returns the current values
func (p *PerfTracker) Snapshot() PerfSnapshot {
	in := p.bytesIn.Snapshot()
	out := p.bytesOut.Snapshot()
	lat := p.loopLatency.Snapshot()
	ps := lat.Percentiles([]float64{0.5, 0.99})
	return PerfSnapshot{
		Endpoints:     p.endpoints.Count(),
		BytesIn:       in.Count(),
		BytesOut:      out.Count(),
		BytesInRate:   in.Rate1(),
		BytesOutRate:  out.Rate1(),
		Tasks:         p.tasks.Count(),
		LoopP50:       time.Duration(ps[0]),
		LoopP99:       time.Duration(ps[1]),
		LoopIterCount: lat.Count(),
	}
}

// String returns a formatted string representation of the snapshot
func (s PerfSnapshot) String() string {
	var sb strings.Builder
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}
	addField("Endpoints", fmt.Sprintf("%d", s.Endpoints))
	addField("Bytes In", fmt.Sprintf("%d (%.1f/s)", s.BytesIn, s.BytesInRate))
	addField("Bytes Out", fmt.Sprintf("%d (%.1f/s)", s.BytesOut, s.BytesOutRate))
	addField("Tasks", fmt.Sprintf("%d", s.Tasks))
	addField("Loop Latency", fmt.Sprintf("p50=%s p99=%s (n=%d)", s.LoopP50, s.LoopP99, s.LoopIterCount))
	return sb.String()
}
