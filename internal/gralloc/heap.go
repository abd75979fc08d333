package gralloc

import (
	"bytes"
	"fmt"

	"github.com/xupit3r/tonemapper/internal/fence"
)

// Heap allocates buffers from Go memory. It is portable and has no file
// descriptors, so allocations report Fd -1.
type Heap struct {
	*registry
}

// NewHeap creates a heap-backed allocator
func NewHeap(opts Options) *Heap {
	return &Heap{
		registry: newRegistry(opts, func(size uint32) ([]byte, int, func() error, error) {
			return make([]byte, size), -1, nil, nil
		}),
	}
}

func (h *Heap) Name() string {
	return fmt.Sprintf("heap (align %d)", h.opts.Alignment)
}

func (h *Heap) Allocate(info *BufferInfo) error {
	return h.allocate(info)
}

func (h *Heap) Free(info *BufferInfo) error {
	return h.free(info)
}

func (h *Heap) Map(handle Handle) ([]byte, error) {
	return h.mapRW(handle)
}

// MapForRead returns a snapshot of the buffer taken once f has signaled.
// Heap memory cannot be write protected, so writes to the snapshot are not
// seen by the buffer.
func (h *Heap) MapForRead(handle Handle, f *fence.Fence) ([]byte, error) {
	a, err := h.lookup(handle)
	if err != nil {
		return nil, err
	}
	if a.secure {
		return nil, ErrSecureMapping
	}
	if err := fence.Wait(f); err != nil {
		return nil, fmt.Errorf("waiting before map: %w", err)
	}
	return bytes.Clone(a.data), nil
}

func (h *Heap) Unmap(handle Handle, data []byte) error {
	return nil
}
