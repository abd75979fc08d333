package gralloc

import (
	"fmt"
	"sync"
)

// allocation is the backend-independent record kept per live handle
type allocation struct {
	info    AllocatedBuffer
	secure  bool
	data    []byte
	release func() error
}

// registry tracks live handles and statistics for a backend
type registry struct {
	mu      sync.RWMutex
	opts    Options
	nextID  uint64
	live    map[Handle]*allocation
	stats   Stats
	backing func(size uint32) (data []byte, fd int, release func() error, err error)
}

func newRegistry(opts Options, backing func(uint32) ([]byte, int, func() error, error)) *registry {
	if opts.Alignment == 0 {
		opts.Alignment = DefaultOptions().Alignment
	}
	return &registry{
		opts:    opts,
		live:    make(map[Handle]*allocation),
		backing: backing,
	}
}

// layout computes the aligned geometry and byte size for cfg
func (r *registry) layout(cfg BufferConfig) (AllocatedBuffer, error) {
	bpp := cfg.Format.BytesPerPixel()
	if cfg.Width == 0 || cfg.Height == 0 || bpp == 0 {
		return AllocatedBuffer{}, fmt.Errorf("%w: %dx%d %s", ErrInvalidConfig, cfg.Width, cfg.Height, cfg.Format)
	}

	alignedW := alignUp(cfg.Width, r.opts.Alignment)
	return AllocatedBuffer{
		Fd:              -1,
		Stride:          alignedW * bpp,
		Size:            alignedW * cfg.Height * bpp,
		AlignedWidth:    alignedW,
		AlignedHeight:   cfg.Height,
		UnalignedWidth:  cfg.Width,
		UnalignedHeight: cfg.Height,
	}, nil
}

func (r *registry) allocate(info *BufferInfo) error {
	buf, err := r.layout(info.Config)
	if err != nil {
		r.mu.Lock()
		r.stats.Failures++
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.opts.MaxBytes > 0 && r.stats.LiveBytes+int64(buf.Size) > r.opts.MaxBytes {
		r.stats.Failures++
		return fmt.Errorf("%w: %d bytes live, %d requested, limit %d",
			ErrOutOfMemory, r.stats.LiveBytes, buf.Size, r.opts.MaxBytes)
	}

	data, fd, release, err := r.backing(buf.Size)
	if err != nil {
		r.stats.Failures++
		return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}

	r.nextID++
	buf.Handle = Handle(r.nextID)
	buf.ID = r.nextID
	buf.Fd = fd

	r.live[buf.Handle] = &allocation{
		info:    buf,
		secure:  info.Config.Secure,
		data:    data,
		release: release,
	}
	r.stats.Allocations++
	r.stats.LiveBuffers++
	r.stats.LiveBytes += int64(buf.Size)

	info.Alloc = buf
	return nil
}

func (r *registry) free(info *BufferInfo) error {
	r.mu.Lock()
	a, ok := r.live[info.Alloc.Handle]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownHandle, info.Alloc.Handle)
	}
	delete(r.live, info.Alloc.Handle)
	r.stats.Frees++
	r.stats.LiveBuffers--
	r.stats.LiveBytes -= int64(a.info.Size)
	r.mu.Unlock()

	info.Alloc = AllocatedBuffer{Fd: -1}
	if a.release != nil {
		return a.release()
	}
	return nil
}

func (r *registry) lookup(h Handle) (*allocation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.live[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	return a, nil
}

func (r *registry) mapRW(h Handle) ([]byte, error) {
	a, err := r.lookup(h)
	if err != nil {
		return nil, err
	}
	return a.data, nil
}

func (r *registry) field(h Handle, get func(AllocatedBuffer) uint32) (uint32, error) {
	a, err := r.lookup(h)
	if err != nil {
		return 0, err
	}
	return get(a.info), nil
}

func (r *registry) UnalignedWidth(h Handle) (uint32, error) {
	return r.field(h, func(b AllocatedBuffer) uint32 { return b.UnalignedWidth })
}

func (r *registry) UnalignedHeight(h Handle) (uint32, error) {
	return r.field(h, func(b AllocatedBuffer) uint32 { return b.UnalignedHeight })
}

func (r *registry) Width(h Handle) (uint32, error) {
	return r.field(h, func(b AllocatedBuffer) uint32 { return b.AlignedWidth })
}

func (r *registry) Height(h Handle) (uint32, error) {
	return r.field(h, func(b AllocatedBuffer) uint32 { return b.AlignedHeight })
}

func (r *registry) AllocationSize(h Handle) (uint32, error) {
	return r.field(h, func(b AllocatedBuffer) uint32 { return b.Size })
}

func (r *registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}
