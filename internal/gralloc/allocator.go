package gralloc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xupit3r/tonemapper/internal/fence"
)

var (
	// ErrOutOfMemory is returned when an allocation would exceed the allocator's budget
	ErrOutOfMemory = errors.New("graphics memory exhausted")

	// ErrInvalidConfig is returned for zero-sized or unknown-format requests
	ErrInvalidConfig = errors.New("invalid buffer config")

	// ErrUnknownHandle is returned for handles that are not live in the allocator
	ErrUnknownHandle = errors.New("unknown buffer handle")

	// ErrSecureMapping is returned when CPU access to a secure buffer is requested
	ErrSecureMapping = errors.New("secure buffers cannot be mapped")
)

// Handle identifies a live allocation. The zero Handle means "no buffer".
type Handle uint64

// Valid reports whether h refers to an allocation.
func (h Handle) Valid() bool { return h != 0 }

// PixelFormat is the layout of a pixel in a graphics buffer
type PixelFormat int

const (
	FormatUnknown PixelFormat = iota
	FormatRGBA8888
	FormatRGBA1010102
	FormatRGBAFP16
)

func (f PixelFormat) String() string {
	switch f {
	case FormatRGBA8888:
		return "RGBA8888"
	case FormatRGBA1010102:
		return "RGBA1010102"
	case FormatRGBAFP16:
		return "RGBA_FP16"
	default:
		return "Unknown"
	}
}

// BytesPerPixel returns the pixel stride of the format, or 0 if unknown.
func (f PixelFormat) BytesPerPixel() uint32 {
	switch f {
	case FormatRGBA8888, FormatRGBA1010102:
		return 4
	case FormatRGBAFP16:
		return 8
	default:
		return 0
	}
}

// ParseFormat converts a format name as used in configuration files.
func ParseFormat(name string) (PixelFormat, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "RGBA8888":
		return FormatRGBA8888, nil
	case "RGBA1010102":
		return FormatRGBA1010102, nil
	case "RGBA_FP16", "RGBAFP16":
		return FormatRGBAFP16, nil
	default:
		return FormatUnknown, fmt.Errorf("unknown pixel format: %s", name)
	}
}

// BufferConfig describes a buffer to allocate
type BufferConfig struct {
	Width     uint32
	Height    uint32
	Format    PixelFormat
	Secure    bool
	GfxClient bool // buffer is written by the GPU
}

// AllocatedBuffer is what the allocator reports back for a live buffer
type AllocatedBuffer struct {
	Handle          Handle
	Fd              int
	ID              uint64
	Size            uint32
	Stride          uint32
	AlignedWidth    uint32
	AlignedHeight   uint32
	UnalignedWidth  uint32
	UnalignedHeight uint32
}

// BufferInfo pairs a request with its allocation
type BufferInfo struct {
	Config BufferConfig
	Alloc  AllocatedBuffer
}

// Allocated reports whether the slot currently holds an allocation.
func (b *BufferInfo) Allocated() bool {
	return b.Alloc.Handle.Valid()
}

// Allocator allocates, frees and maps graphics buffers
type Allocator interface {
	// Name returns a human-readable backend name
	Name() string

	// Allocate fills info.Alloc for info.Config
	Allocate(info *BufferInfo) error

	// Free releases info.Alloc and clears it
	Free(info *BufferInfo) error

	// Map returns the persistent read-write CPU view of the buffer. It stays
	// valid until the buffer is freed and needs no Unmap.
	Map(h Handle) ([]byte, error)

	// MapForRead waits for f and returns a read-only view that must be
	// released with Unmap
	MapForRead(h Handle, f *fence.Fence) ([]byte, error)

	// Unmap releases a view returned by MapForRead
	Unmap(h Handle, data []byte) error

	UnalignedWidth(h Handle) (uint32, error)
	UnalignedHeight(h Handle) (uint32, error)
	Width(h Handle) (uint32, error)
	Height(h Handle) (uint32, error)
	AllocationSize(h Handle) (uint32, error)

	// Stats returns allocation counters
	Stats() Stats
}

// Stats tracks allocator activity
type Stats struct {
	Allocations int64 // Successful allocations
	Frees       int64 // Buffers released
	Failures    int64 // Rejected allocation requests
	LiveBuffers int64 // Buffers currently allocated
	LiveBytes   int64 // Bytes currently allocated
}

// Options configures an allocator backend
type Options struct {
	Alignment uint32 // Width alignment in pixels, power of two
	MaxBytes  int64  // Maximum live bytes (0 = unlimited)
}

// DefaultOptions returns the options used when none are given
func DefaultOptions() Options {
	return Options{Alignment: 64}
}

// New returns an allocator for the named backend ("heap" or "memfd")
func New(backend string, opts Options) (Allocator, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "heap":
		return NewHeap(opts), nil
	case "memfd":
		m, err := NewMemfd(opts)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown allocator backend: %s", backend)
	}
}

func alignUp(v, align uint32) uint32 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
