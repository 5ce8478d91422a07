//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package network

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// pollSelector контекст готовности на poll(2) для систем без epoll
type pollSelector struct {
	mu       sync.Mutex
	handles  []*Handle
	writable map[*Handle]bool
	fds      []unix.PollFd
	snapshot []*Handle
}

func newSelector() (selector, error) {
	return &pollSelector{writable: make(map[*Handle]bool)}, nil
}

func (s *pollSelector) add(h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles = append(s.handles, h)
	return nil
}

func (s *pollSelector) remove(h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.handles {
		if existing == h {
			s.handles = append(s.handles[:i], s.handles[i+1:]...)
			delete(s.writable, h)
			return nil
		}
	}
	return nil
}

func (s *pollSelector) setWritable(h *Handle, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.handles {
		if existing == h {
			if on {
				s.writable[h] = true
			} else {
				delete(s.writable, h)
			}
			return nil
		}
	}
	return fmt.Errorf("сокет %d не зарегистрирован", h.id)
}

func (s *pollSelector) poll(ready []readiness) ([]readiness, error) {
	s.mu.Lock()
	s.fds = s.fds[:0]
	s.snapshot = append(s.snapshot[:0], s.handles...)
	for _, h := range s.snapshot {
		events := int16(unix.POLLIN)
		if s.writable[h] {
			events |= unix.POLLOUT
		}
		s.fds = append(s.fds, unix.PollFd{Fd: int32(h.fd), Events: events})
	}
	s.mu.Unlock()

	if len(s.fds) == 0 {
		return ready, nil
	}

	n, err := unix.Poll(s.fds, 0)
	if err != nil {
		if err == unix.EINTR {
			return ready, nil
		}
		return ready, classifyError("poll", err)
	}
	if n == 0 {
		return ready, nil
	}

	for i, fd := range s.fds {
		if fd.Revents == 0 {
			continue
		}
		ready = append(ready, readiness{
			handle:   s.snapshot[i],
			readable: fd.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0,
			writable: fd.Revents&unix.POLLOUT != 0,
		})
	}
	return ready, nil
}

func (s *pollSelector) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles = nil
	s.writable = make(map[*Handle]bool)
	return nil
}
