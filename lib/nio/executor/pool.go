package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

var (
	executorsStartedTotal     = metrics.GetOrCreateCounter("dnio_pool_executors_started_total")
	unresponsiveExecutorTotal = metrics.GetOrCreateCounter("dnio_pool_unresponsive_executors_total")
)

// Pool is a fixed number of executor slots. Executors are created lazily on
// first use, replaced once they shut down, and cleared from their slot when
// they terminate. Connections are assigned round-robin.
type Pool struct {
	name  string
	cfg   Config
	opts  []Option
	slots []atomic.Pointer[Executor]
	// every executor that did not terminate yet, including replaced ones
	live *xsync.MapOf[string, *Executor]

	next     atomic.Uint64
	ids      atomic.Uint64
	shutdown atomic.Bool

	backup        *Backup
	stopHeartbeat func()
	warnLimiter   *rate.Limiter
}

// NewPool creates a pool. The options are applied to every executor.
func NewPool(name string, cfg Config, opts ...Option) (*Pool, error) {
	cfg = cfg.withDefaults()
	p := &Pool{
		name:        name,
		cfg:         cfg,
		opts:        opts,
		slots:       make([]atomic.Pointer[Executor], cfg.Executors),
		live:        xsync.NewMapOf[string, *Executor](),
		backup:      NewBackup(cfg.BackupWorkers),
		warnLimiter: rate.NewLimiter(rate.Every(time.Minute), 3),
	}

	if cfg.HeartbeatInterval > 0 {
		stop, err := p.backup.ScheduleAtFixedRate(p.checkHeartbeats, cfg.HeartbeatInterval)
		if err != nil {
			return nil, fmt.Errorf("failed to schedule heartbeat: %w", err)
		}
		p.stopHeartbeat = stop
	}
	return p, nil
}

// Backup returns the scheduler for work that must not block an executor
func (p *Pool) Backup() *Backup { return p.backup }

// Config returns the pool configuration
func (p *Pool) Config() Config { return p.cfg }

// Next returns a running executor, creating one if the chosen slot is empty
// or holds an executor that is shutting down
func (p *Pool) Next() (*Executor, error) {
	for {
		if p.shutdown.Load() {
			return nil, ErrPoolShutdown
		}

		i := int(p.next.Add(1) % uint64(len(p.slots)))
		slot := &p.slots[i]
		cur := slot.Load()
		if cur != nil && cur.State() == Running {
			return cur, nil
		}

		e := p.newExecutor(slot)
		if !slot.CompareAndSwap(cur, e) {
			// another goroutine filled the slot, try again
			continue
		}
		p.live.Store(e.Name(), e)
		if err := e.Start(); err != nil {
			slot.CompareAndSwap(e, nil)
			return nil, err
		}
		executorsStartedTotal.Inc()
		Logger.Debugf("pool %s: started executor %s in slot %d", p.name, e.Name(), i)

		if p.shutdown.Load() {
			// lost the race against Shutdown, which may not have seen e
			e.Shutdown(false)
			return nil, ErrPoolShutdown
		}
		return e, nil
	}
}

func (p *Pool) newExecutor(slot *atomic.Pointer[Executor]) *Executor {
	name := fmt.Sprintf("%s-%d", p.name, p.ids.Add(1))
	opts := append([]Option{}, p.opts...)
	opts = append(opts, withTerminationHook(func(e *Executor) {
		slot.CompareAndSwap(e, nil)
		p.live.Delete(e.Name())
	}))
	return NewExecutor(name, p.cfg, opts...)
}

// RegisterWithRetry calls register with executors from Next until it is not
// rejected. Rejections are expected while executors reach quiescence or shut
// down, so the attempt moves on to the next executor. Gives up after trying
// every slot once more than the pool has slots, or when the pool shuts down.
func (p *Pool) RegisterWithRetry(register func(e *Executor) error) (*Executor, error) {
	var lastErr error
	for attempt := 0; attempt <= len(p.slots); attempt++ {
		e, err := p.Next()
		if err != nil {
			return nil, err
		}
		err = register(e)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, ErrRejected) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("registration rejected by %d executors: %w", len(p.slots)+1, lastErr)
}

// Executors returns the executors currently held by the pool
func (p *Pool) Executors() []*Executor {
	var result []*Executor
	for i := range p.slots {
		if e := p.slots[i].Load(); e != nil {
			result = append(result, e)
		}
	}
	return result
}

func (p *Pool) liveExecutors() []*Executor {
	var result []*Executor
	p.live.Range(func(_ string, e *Executor) bool {
		result = append(result, e)
		return true
	})
	return result
}

// Shutdown prevents new executors from being created and shuts down every
// executor of the pool. The backup scheduler is closed by AwaitTermination.
func (p *Pool) Shutdown(force bool) {
	if p.shutdown.CompareAndSwap(false, true) {
		Logger.Infof("pool %s shutting down (force=%v)", p.name, force)
	}
	for _, e := range p.liveExecutors() {
		e.Shutdown(force)
	}
}

// AwaitTermination waits until every executor terminated, then stops the
// heartbeat and closes the backup scheduler
func (p *Pool) AwaitTermination(ctx context.Context) error {
	for _, e := range p.liveExecutors() {
		if err := e.AwaitTermination(ctx); err != nil {
			return fmt.Errorf("executor %s did not terminate: %w", e.Name(), err)
		}
	}
	if p.stopHeartbeat != nil {
		p.stopHeartbeat()
	}
	p.backup.Close()
	return nil
}

// checkHeartbeats flags executors that did not complete a loop iteration
// within the threshold. Diagnostic only, nothing is killed.
func (p *Pool) checkHeartbeats() {
	now := time.Now()
	for _, e := range p.liveExecutors() {
		if e.State() >= Stop {
			continue
		}
		silent := now.Sub(e.LastResponsive())
		if silent <= p.cfg.HeartbeatThreshold {
			continue
		}
		unresponsiveExecutorTotal.Inc()
		if p.warnLimiter.Allow() {
			Logger.Warningf("pool %s: executor %s unresponsive for %s (state %s)", p.name, e.Name(), silent.Round(time.Millisecond), e.State())
		}
	}
}
