//go:build linux

package network

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

const epollBatch = 128

// epollSelector контекст готовности на epoll
type epollSelector struct {
	epfd   int
	mu     sync.RWMutex
	byFD   map[int32]*Handle
	events []unix.EpollEvent
}

func newSelector() (selector, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, classifyError("epoll_create", err)
	}
	return &epollSelector{
		epfd:   epfd,
		byFD:   make(map[int32]*Handle),
		events: make([]unix.EpollEvent, epollBatch),
	}, nil
}

func (s *epollSelector) add(h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(h.fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, h.fd, &ev); err != nil {
		return classifyError("epoll_ctl add", err)
	}
	s.byFD[int32(h.fd)] = h
	return nil
}

func (s *epollSelector) remove(h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byFD[int32(h.fd)]; !ok {
		return nil
	}
	delete(s.byFD, int32(h.fd))
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, h.fd, nil); err != nil {
		return classifyError("epoll_ctl del", err)
	}
	return nil
}

func (s *epollSelector) setWritable(h *Handle, on bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.byFD[int32(h.fd)]; !ok {
		return fmt.Errorf("сокет %d не зарегистрирован", h.id)
	}

	events := uint32(unix.EPOLLIN)
	if on {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(h.fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, h.fd, &ev); err != nil {
		return classifyError("epoll_ctl mod", err)
	}
	return nil
}

func (s *epollSelector) poll(ready []readiness) ([]readiness, error) {
	n, err := unix.EpollWait(s.epfd, s.events, 0)
	if err != nil {
		if err == unix.EINTR {
			return ready, nil
		}
		return ready, classifyError("epoll_wait", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := 0; i < n; i++ {
		ev := s.events[i]
		h, ok := s.byFD[ev.Fd]
		if !ok {
			continue
		}
		ready = append(ready, readiness{
			handle:   h,
			readable: ev.Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0,
			writable: ev.Events&unix.EPOLLOUT != 0,
		})
	}
	return ready, nil
}

func (s *epollSelector) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byFD = make(map[int32]*Handle)
	return unix.Close(s.epfd)
}
