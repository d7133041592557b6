package executor

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"
)

var errSelectFailed = errors.New("select failed")

// fakeSelector is an in-memory ISelector. Readiness is injected with fire.
type fakeSelector struct {
	mu         sync.Mutex
	fds        map[int]Interest
	pending    []ReadyEvent
	failSelect int
	failReg    func(fd int) bool
	registered int
	closed     bool
	wake       chan struct{}
}

// fakeSelectors is a SelectorFactory that keeps every selector it created
type fakeSelectors struct {
	mu      sync.Mutex
	created []*fakeSelector
	// applied to every selector created after the first
	failRegOnRebuild func(fd int) bool
}

func (f *fakeSelectors) factory() SelectorFactory {
	return func() (ISelector, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		s := &fakeSelector{fds: make(map[int]Interest), wake: make(chan struct{}, 1)}
		if len(f.created) > 0 {
			s.failReg = f.failRegOnRebuild
		}
		f.created = append(f.created, s)
		return s, nil
	}
}

func (f *fakeSelectors) current() *fakeSelector {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[len(f.created)-1]
}

func (f *fakeSelectors) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (s *fakeSelector) Register(fd int, ops Interest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failReg != nil && s.failReg(fd) {
		return fmt.Errorf("register fd %d: %w", fd, syscall.EBADF)
	}
	if _, ok := s.fds[fd]; ok {
		return fmt.Errorf("fd %d registered twice", fd)
	}
	s.fds[fd] = ops
	s.registered++
	return nil
}

func (s *fakeSelector) Modify(fd int, ops Interest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fds[fd]; !ok {
		return fmt.Errorf("fd %d not registered", fd)
	}
	s.fds[fd] = ops
	return nil
}

func (s *fakeSelector) Deregister(fd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fds[fd]; !ok {
		return fmt.Errorf("fd %d not registered", fd)
	}
	delete(s.fds, fd)
	return nil
}

func (s *fakeSelector) Select(timeout time.Duration, ready []ReadyEvent) ([]ReadyEvent, error) {
	s.mu.Lock()
	if s.failSelect > 0 {
		s.failSelect--
		s.mu.Unlock()
		return ready, errSelectFailed
	}
	if len(s.pending) == 0 && timeout > 0 {
		s.mu.Unlock()
		timer := time.NewTimer(timeout)
		select {
		case <-s.wake:
		case <-timer.C:
		}
		timer.Stop()
		s.mu.Lock()
	}
	for _, ev := range s.pending {
		if _, ok := s.fds[ev.FD]; ok {
			ready = append(ready, ev)
		}
	}
	s.pending = s.pending[:0]
	s.mu.Unlock()
	return ready, nil
}

func (s *fakeSelector) Wakeup() error {
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *fakeSelector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fire reports fd as ready for ops with the next Select
func (s *fakeSelector) fire(fd int, ops Interest) {
	s.mu.Lock()
	s.pending = append(s.pending, ReadyEvent{FD: fd, Ops: ops})
	s.mu.Unlock()
	_ = s.Wakeup()
}

// failNextSelect makes the next Select return an error
func (s *fakeSelector) failNextSelect() {
	s.mu.Lock()
	s.failSelect++
	s.mu.Unlock()
	_ = s.Wakeup()
}

func (s *fakeSelector) has(fd int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.fds[fd]
	return ok
}

func (s *fakeSelector) interest(fd int) Interest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fds[fd]
}

func (s *fakeSelector) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fds)
}

func (s *fakeSelector) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// recordingHandler records its callbacks and returns the configured errors
type recordingHandler struct {
	mu       sync.Mutex
	calls    []string
	cause    error
	canceled chan struct{}

	onConnect, onRead, onWrite, onAccept error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{canceled: make(chan struct{})}
}

func (h *recordingHandler) record(call string) {
	h.mu.Lock()
	h.calls = append(h.calls, call)
	h.mu.Unlock()
}

func (h *recordingHandler) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *recordingHandler) Cancel(cause error) {
	h.mu.Lock()
	h.cause = cause
	h.mu.Unlock()
	h.record("cancel")
	close(h.canceled)
}

func (h *recordingHandler) Cause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cause
}

func (h *recordingHandler) OnConnect() error { h.record("connect"); return h.onConnect }
func (h *recordingHandler) OnRead() error    { h.record("read"); return h.onRead }
func (h *recordingHandler) OnWrite() error   { h.record("write"); return h.onWrite }

// acceptHandler is a listening socket
type acceptHandler struct {
	*recordingHandler
}

func (h acceptHandler) OnAccept() error { h.record("accept"); return h.onAccept }

// testConfig is a configuration with short timings and quiescence disabled
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Executors = 2
	cfg.QuiescentWindow = 0
	cfg.MaxSelectTimeout = 10 * time.Millisecond
	cfg.SweepInterval = 5 * time.Millisecond
	cfg.HeartbeatInterval = 0
	return cfg
}

// faultRecorder is a FaultHandler collecting faults instead of panicking
type faultRecorder struct {
	mu     sync.Mutex
	faults []error
}

func (f *faultRecorder) handle(_ *Executor, err error) {
	f.mu.Lock()
	f.faults = append(f.faults, err)
	f.mu.Unlock()
}

func (f *faultRecorder) Faults() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.faults...)
}
