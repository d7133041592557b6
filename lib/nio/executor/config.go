package executor

import (
	"fmt"
	"strings"
	"time"
)

// Config holds the tuning parameters of an executor pool and its executors
type Config struct {
	// Executors is the number of executor slots in the pool
	Executors int

	// QuiescentWindow is how long an executor has to be idle, with no new
	// event arriving, before it stops itself. 0 disables quiescence.
	QuiescentWindow time.Duration

	// IORatio is the share (1..100) of loop time spent on I/O. The task time
	// slice of one iteration is derived from the measured I/O time.
	IORatio int

	// MinTaskSlice is the lower bound of the task time slice
	MinTaskSlice time.Duration

	// SweepInterval caps the select timeout while cancelled delayed tasks
	// wait to be removed from the heap
	SweepInterval time.Duration

	// MaxSelectTimeout caps every select call, so an idle executor still
	// reports itself responsive
	MaxSelectTimeout time.Duration

	// MaxEventsPerSelect is the size of the readiness batch
	MaxEventsPerSelect int

	// HeartbeatInterval is how often the pool checks executor liveness.
	// 0 disables the heartbeat.
	HeartbeatInterval time.Duration

	// HeartbeatThreshold is how long an executor may go without completing
	// a loop iteration before it is reported unresponsive
	HeartbeatThreshold time.Duration

	// BackupWorkers bounds the number of concurrently running backup tasks
	BackupWorkers int
}

// DefaultConfig returns the default executor configuration
func DefaultConfig() Config {
	return Config{
		Executors:          4,
		QuiescentWindow:    30 * time.Second,
		IORatio:            50,
		MinTaskSlice:       100 * time.Microsecond,
		SweepInterval:      100 * time.Millisecond,
		MaxSelectTimeout:   time.Second,
		MaxEventsPerSelect: 256,
		HeartbeatInterval:  5 * time.Second,
		HeartbeatThreshold: 10 * time.Second,
		BackupWorkers:      16,
	}
}

// withDefaults fills zero values that have no "disabled" meaning
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Executors <= 0 {
		c.Executors = d.Executors
	}
	if c.IORatio <= 0 || c.IORatio > 100 {
		c.IORatio = d.IORatio
	}
	if c.MinTaskSlice <= 0 {
		c.MinTaskSlice = d.MinTaskSlice
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.MaxSelectTimeout <= 0 {
		c.MaxSelectTimeout = d.MaxSelectTimeout
	}
	if c.MaxEventsPerSelect <= 0 {
		c.MaxEventsPerSelect = d.MaxEventsPerSelect
	}
	if c.HeartbeatThreshold <= 0 {
		c.HeartbeatThreshold = d.HeartbeatThreshold
	}
	if c.BackupWorkers <= 0 {
		c.BackupWorkers = d.BackupWorkers
	}
	return c
}

// String returns a formatted string representation of the configuration
func (c Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	disabledIfZero := func(d time.Duration) string {
		if d == 0 {
			return "disabled"
		}
		return d.String()
	}

	addSection("Executors")
	addField("Executors", fmt.Sprintf("%d", c.Executors))
	addField("Quiescent Window", disabledIfZero(c.QuiescentWindow))
	addField("IO Ratio", fmt.Sprintf("%d%%", c.IORatio))
	addField("Min Task Slice", c.MinTaskSlice.String())
	addField("Sweep Interval", c.SweepInterval.String())
	addField("Max Select Timeout", c.MaxSelectTimeout.String())
	addField("Events Per Select", fmt.Sprintf("%d", c.MaxEventsPerSelect))

	addSection("Heartbeat")
	addField("Interval", disabledIfZero(c.HeartbeatInterval))
	addField("Threshold", c.HeartbeatThreshold.String())
	addField("Backup Workers", fmt.Sprintf("%d", c.BackupWorkers))

	return sb.String()
}
