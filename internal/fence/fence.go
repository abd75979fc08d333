// Package fence provides a file-descriptor backed completion signal.
//
// A Fence is a set of descriptors, each the read end of a pipe. A descriptor
// is signaled once the write end of its pipe has been closed, so a fence is
// signaled when every descriptor it holds is. The nil *Fence is always
// signaled and every method accepts it.
//
// A Signal happens-before every Wait or Signaled call that observes it, as
// seen by the race detector too, so work handed over through a fence needs
// no other synchronization.
package fence

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned when waiting on a fence that has already been closed.
var ErrClosed = errors.New("fence closed")

// signalMu is held for writing while a descriptor is signaled and taken for
// reading after one is observed signaled, ordering the two in the memory model.
var signalMu sync.RWMutex

// Fence is an owned handle on one or more completion descriptors.
type Fence struct {
	mu  sync.Mutex
	fds []int
	tag string
}

// Signaler is the producer side of a fence created with New.
type Signaler struct {
	mu sync.Mutex
	fd int
}

// New creates an unsignaled fence and the signaler that completes it.
func New(tag string) (*Fence, *Signaler, error) {
	p := make([]int, 2)
	if err := unix.Pipe(p); err != nil {
		return nil, nil, fmt.Errorf("creating fence pipe: %w", err)
	}
	unix.CloseOnExec(p[0])
	unix.CloseOnExec(p[1])
	return &Fence{fds: []int{p[0]}, tag: tag}, &Signaler{fd: p[1]}, nil
}

// FromRaw takes ownership of fd. A negative fd yields a nil (signaled) fence.
func FromRaw(fd int, tag string) *Fence {
	if fd < 0 {
		return nil
	}
	return &Fence{fds: []int{fd}, tag: tag}
}

// Signal completes the fence. Calling it more than once is harmless.
func (s *Signaler) Signal() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd < 0 {
		return nil
	}
	signalMu.Lock()
	err := unix.Close(s.fd)
	signalMu.Unlock()
	s.fd = -1
	return err
}

// Dup returns an independently owned copy of f.
func Dup(f *Fence) (*Fence, error) {
	if f == nil {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fds == nil {
		return nil, ErrClosed
	}
	fds, err := dupAll(f.fds)
	if err != nil {
		return nil, err
	}
	return &Fence{fds: fds, tag: f.tag}, nil
}

// Merge returns a new fence that signals once both a and b have signaled.
// Neither input is consumed.
func Merge(a, b *Fence) (*Fence, error) {
	switch {
	case a == nil && b == nil:
		return nil, nil
	case a == nil:
		return Dup(b)
	case b == nil:
		return Dup(a)
	}

	left, err := Dup(a)
	if err != nil {
		return nil, err
	}
	right, err := Dup(b)
	if err != nil {
		left.Close()
		return nil, err
	}
	return &Fence{fds: append(left.fds, right.fds...), tag: a.tag + "+" + b.tag}, nil
}

// Wait blocks until f is signaled.
func Wait(f *Fence) error {
	return f.wait(-1)
}

// Signaled reports whether f has signaled without blocking.
func (f *Fence) Signaled() bool {
	return f.wait(0) == nil
}

// Tag returns the debug name of the fence.
func (f *Fence) Tag() string {
	if f == nil {
		return ""
	}
	return f.tag
}

// Fd returns the first descriptor of f or -1. Ownership stays with f.
func (f *Fence) Fd() int {
	if f == nil {
		return -1
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fds) == 0 {
		return -1
	}
	return f.fds[0]
}

// Detach hands the single descriptor of f to the caller, leaving f closed.
// Merged fences hold several descriptors and cannot be detached.
func (f *Fence) Detach() (int, error) {
	if f == nil {
		return -1, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch len(f.fds) {
	case 0:
		return -1, ErrClosed
	case 1:
		fd := f.fds[0]
		f.fds = nil
		return fd, nil
	default:
		return -1, fmt.Errorf("fence %s holds %d descriptors", f.tag, len(f.fds))
	}
}

// Close releases every descriptor held by f. It is idempotent.
func (f *Fence) Close() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	for _, fd := range f.fds {
		if err := unix.Close(fd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.fds = nil
	return firstErr
}

func (f *Fence) String() string {
	if f == nil {
		return "fence(signaled)"
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("fence(%s, fds=%v)", f.tag, f.fds)
}

var errNotSignaled = errors.New("fence not signaled")

// wait polls every descriptor with the given timeout in milliseconds.
func (f *Fence) wait(timeout int) error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	if f.fds == nil {
		f.mu.Unlock()
		return ErrClosed
	}
	pending := make([]unix.PollFd, len(f.fds))
	for i, fd := range f.fds {
		pending[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}
	f.mu.Unlock()

	for len(pending) > 0 {
		n, err := unix.Poll(pending, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("polling fence %s: %w", f.tag, err)
		}
		if n == 0 {
			return errNotSignaled
		}

		remaining := pending[:0]
		for _, p := range pending {
			if p.Revents&unix.POLLNVAL != 0 {
				return fmt.Errorf("polling fence %s: invalid descriptor %d", f.tag, p.Fd)
			}
			if p.Revents&(unix.POLLHUP|unix.POLLIN|unix.POLLERR) == 0 {
				p.Revents = 0
				remaining = append(remaining, p)
			}
		}
		pending = remaining
	}

	signalMu.RLock()
	signalMu.RUnlock()
	return nil
}

func dupAll(fds []int) ([]int, error) {
	out := make([]int, 0, len(fds))
	for _, fd := range fds {
		nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			for _, c := range out {
				unix.Close(c)
			}
			return nil, fmt.Errorf("duplicating fence fd %d: %w", fd, err)
		}
		out = append(out, nfd)
	}
	return out, nil
}
