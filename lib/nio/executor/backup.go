package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrBackupClosed is returned by submissions to a closed Backup scheduler
var ErrBackupClosed = errors.New("backup scheduler closed")

// Backup runs work that must not run on an executor goroutine: blocking
// tasks delegated by data channels (handshake and cipher work), cleanup
// fallbacks for endpoints whose executor is gone, and the pool heartbeat.
// At most a fixed number of tasks run at the same time.
type Backup struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewBackup creates a scheduler running at most workers tasks concurrently
func NewBackup(workers int) *Backup {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Backup{
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit runs fn as soon as a worker slot is free
func (b *Backup) Submit(fn func()) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBackupClosed
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(fn)
	}()
	return nil
}

// Schedule runs fn once after delay. The returned function cancels the
// task if it did not start yet and reports whether it did.
func (b *Backup) Schedule(fn func(), delay time.Duration) (func() bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBackupClosed
	}
	t := time.AfterFunc(delay, func() {
		if err := b.Submit(fn); err != nil {
			Logger.Debugf("scheduled backup task dropped: %v", err)
		}
	})
	return t.Stop, nil
}

// ScheduleAtFixedRate runs fn every period until the returned stop function
// is called or the scheduler is closed. Runs never overlap.
func (b *Backup) ScheduleAtFixedRate(fn func(), period time.Duration) (func(), error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBackupClosed
	}

	stop := make(chan struct{})
	var once sync.Once
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-b.ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				b.run(fn)
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }, nil
}

// run executes fn within the concurrency bound. A panicking task is logged
// and does not affect other tasks.
func (b *Backup) run(fn func()) {
	if err := b.sem.Acquire(b.ctx, 1); err != nil {
		// closed while waiting for a slot
		return
	}
	defer b.sem.Release(1)
	if err := call(fn); err != nil {
		Logger.Errorf("backup task failed: %v", err)
	}
}

// Close rejects further submissions, abandons tasks still waiting for a
// worker slot and waits for the running ones
func (b *Backup) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}
