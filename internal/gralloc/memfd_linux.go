//go:build linux

package gralloc

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/xupit3r/tonemapper/internal/fence"
)

// Memfd allocates each buffer as an anonymous memory file mapped shared, so
// allocations carry a real descriptor that can be handed to another process.
type Memfd struct {
	*registry
}

// NewMemfd creates a memfd-backed allocator
func NewMemfd(opts Options) (*Memfd, error) {
	return &Memfd{registry: newRegistry(opts, allocateMemfd)}, nil
}

func allocateMemfd(size uint32) ([]byte, int, func() error, error) {
	fd, err := unix.MemfdCreate("tonemap-buffer", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, -1, nil, fmt.Errorf("memfd_create: %w", err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, -1, nil, fmt.Errorf("ftruncate: %w", err)
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, -1, nil, fmt.Errorf("mmap: %w", err)
	}

	release := func() error {
		merr := unix.Munmap(data)
		cerr := unix.Close(fd)
		if merr != nil {
			return merr
		}
		return cerr
	}
	return data, fd, release, nil
}

func (m *Memfd) Name() string {
	return fmt.Sprintf("memfd (align %d)", m.opts.Alignment)
}

func (m *Memfd) Allocate(info *BufferInfo) error {
	return m.allocate(info)
}

func (m *Memfd) Free(info *BufferInfo) error {
	return m.free(info)
}

func (m *Memfd) Map(handle Handle) ([]byte, error) {
	return m.mapRW(handle)
}

// MapForRead creates a separate read-only mapping of the buffer's file
func (m *Memfd) MapForRead(handle Handle, f *fence.Fence) ([]byte, error) {
	a, err := m.lookup(handle)
	if err != nil {
		return nil, err
	}
	if a.secure {
		return nil, ErrSecureMapping
	}
	if err := fence.Wait(f); err != nil {
		return nil, fmt.Errorf("waiting before map: %w", err)
	}

	data, err := unix.Mmap(a.info.Fd, 0, int(a.info.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap read-only: %w", err)
	}
	return data, nil
}

func (m *Memfd) Unmap(handle Handle, data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}
