//go:build linux

package executor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// epollSelector is the ISelector on Linux. Wakeups go through an eventfd that
// is registered with the epoll instance but never reported to the caller.
type epollSelector struct {
	epfd   int
	wakeFd int
	events []unix.EpollEvent

	// guards wakeFd against being closed (and its number reused) while a
	// concurrent Wakeup writes to it
	mu     sync.RWMutex
	closed bool
}

// NewEpollSelector creates an epoll based selector that reports up to
// maxEvents descriptors per Select
func NewEpollSelector(maxEvents int) (ISelector, error) {
	if maxEvents <= 0 {
		maxEvents = 256
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, ev); err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("failed to register eventfd: %w", err)
	}
	return &epollSelector{
		epfd:   epfd,
		wakeFd: wakeFd,
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

// EpollSelectorFactory returns a SelectorFactory for NewEpollSelector
func EpollSelectorFactory(maxEvents int) SelectorFactory {
	return func() (ISelector, error) { return NewEpollSelector(maxEvents) }
}

func defaultSelectorFactory(cfg Config) SelectorFactory {
	return EpollSelectorFactory(cfg.MaxEventsPerSelect)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see executor.ISelector)
// --------------------------------------------------------------------------

func (s *epollSelector) Register(fd int, ops Interest) error {
	ev := &unix.EpollEvent{Events: toEpoll(ops), Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

func (s *epollSelector) Modify(fd int, ops Interest) error {
	ev := &unix.EpollEvent{Events: toEpoll(ops), Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return fmt.Errorf("epoll_ctl mod fd %d: %w", fd, err)
	}
	return nil
}

func (s *epollSelector) Deregister(fd int) error {
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

func (s *epollSelector) Select(timeout time.Duration, ready []ReadyEvent) ([]ReadyEvent, error) {
	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	n, err := unix.EpollWait(s.epfd, s.events, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return ready, nil
		}
		return ready, fmt.Errorf("epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		ev := s.events[i]
		fd := int(ev.Fd)
		if fd == s.wakeFd {
			s.drainWakeup()
			continue
		}
		ready = append(ready, ReadyEvent{FD: fd, Ops: fromEpoll(ev.Events)})
	}
	return ready, nil
}

func (s *epollSelector) Wakeup() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(s.wakeFd, buf[:])
	// EAGAIN means the counter is saturated, a wakeup is pending anyway
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func (s *epollSelector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err1 := unix.Close(s.wakeFd)
	err2 := unix.Close(s.epfd)
	return errors.Join(err1, err2)
}

// drainWakeup resets the eventfd counter
func (s *epollSelector) drainWakeup() {
	var buf [8]byte
	for {
		if _, err := unix.Read(s.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

func toEpoll(ops Interest) uint32 {
	var events uint32
	r := toSelectorOps(ops)
	if r&OpRead != 0 {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if r&OpWrite != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

func fromEpoll(events uint32) Interest {
	var ops Interest
	if events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		ops |= OpRead
	}
	if events&unix.EPOLLOUT != 0 {
		ops |= OpWrite
	}
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ops |= OpRead | OpWrite
	}
	return ops
}
