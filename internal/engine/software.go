package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/xupit3r/tonemapper/internal/display"
	"github.com/xupit3r/tonemapper/internal/fence"
	"github.com/xupit3r/tonemapper/internal/gralloc"
	"github.com/xupit3r/tonemapper/internal/logging"
)

// ErrEngineClosed is returned by Blit after Close
var ErrEngineClosed = errors.New("engine closed")

// SoftwareFactory creates CPU engines that apply the 3D LUT directly to
// mapped buffers
type SoftwareFactory struct {
	Allocator   gralloc.Allocator
	AllowSecure bool
}

func (f *SoftwareFactory) Name() string {
	return "software"
}

// Create returns nil for secure sessions unless AllowSecure is set, since the
// CPU cannot read protected content, and for tables whose entry count does not
// match their dimension.
func (f *SoftwareFactory) Create(p Params) Engine {
	log := logging.WithFields(logrus.Fields{"type": p.Type, "lut_dim": p.LutDim, "secure": p.Secure})

	if p.Secure && !f.AllowSecure {
		log.Warn("software engine cannot serve secure content")
		return nil
	}
	if p.LutDim == 0 || uint64(len(p.LutEntries)) != uint64(p.LutDim)*uint64(p.LutDim)*uint64(p.LutDim) {
		log.Errorf("lut has %d entries, want %d^3", len(p.LutEntries), p.LutDim)
		return nil
	}

	lut := make([]display.Color10Bit, len(p.LutEntries))
	copy(lut, p.LutEntries)

	log.Debug("created software tone-map engine")
	return &Software{
		alloc:  f.Allocator,
		typ:    p.Type,
		lut:    lut,
		dim:    p.LutDim,
		secure: p.Secure,
	}
}

// Software is a CPU tone-map engine. Each blit runs on its own goroutine and
// signals a fence when done.
type Software struct {
	alloc  gralloc.Allocator
	typ    Type
	lut    []display.Color10Bit
	dim    uint32
	secure bool

	mu       sync.Mutex
	closed   bool
	inFlight sync.WaitGroup
	blits    int64
}

func (e *Software) Blit(dst, src gralloc.Handle, wait *fence.Fence) (int, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		wait.Close()
		return -1, ErrEngineClosed
	}
	e.inFlight.Add(1)
	e.blits++
	e.mu.Unlock()

	done, signal, err := fence.New("tonemap-sw")
	if err != nil {
		e.inFlight.Done()
		wait.Close()
		return -1, err
	}

	go func() {
		defer e.inFlight.Done()
		defer signal.Signal()
		defer wait.Close()

		if err := fence.Wait(wait); err != nil {
			logging.Errorf("software blit: waiting for inputs: %v", err)
			return
		}
		if err := e.convert(dst, src); err != nil {
			logging.Errorf("software blit: %v", err)
		}
	}()

	fd, err := done.Detach()
	if err != nil {
		done.Close()
		return -1, err
	}
	return fd, nil
}

// Blits returns the number of blits dispatched so far.
func (e *Software) Blits() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blits
}

func (e *Software) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.inFlight.Wait()
	return nil
}

// convert applies the LUT with nearest-entry lookup, reading both buffers as
// 8-bit RGBA.
func (e *Software) convert(dst, src gralloc.Handle) error {
	out, err := e.alloc.Map(dst)
	if err != nil {
		return fmt.Errorf("mapping destination: %w", err)
	}
	in, err := e.alloc.Map(src)
	if err != nil {
		return fmt.Errorf("mapping source: %w", err)
	}

	n := len(out)
	if len(in) < n {
		n = len(in)
	}
	n -= n % 4

	dim := e.dim
	for i := 0; i < n; i += 4 {
		r := lutIndex(in[i], dim)
		g := lutIndex(in[i+1], dim)
		b := lutIndex(in[i+2], dim)
		c := e.lut[(b*dim+g)*dim+r]
		out[i] = uint8(c.R >> 2)
		out[i+1] = uint8(c.G >> 2)
		out[i+2] = uint8(c.B >> 2)
		out[i+3] = in[i+3]
	}
	return nil
}

func lutIndex(v uint8, dim uint32) uint32 {
	return (uint32(v)*(dim-1) + 127) / 255
}

// IdentityLut builds a dim^3 table that maps every colour to itself.
func IdentityLut(dim uint32) []display.Color10Bit {
	if dim == 0 {
		return nil
	}
	lut := make([]display.Color10Bit, dim*dim*dim)
	scale := func(i uint32) uint16 {
		if dim == 1 {
			return 0
		}
		return uint16(i * 1023 / (dim - 1))
	}
	for b := uint32(0); b < dim; b++ {
		for g := uint32(0); g < dim; g++ {
			for r := uint32(0); r < dim; r++ {
				lut[(b*dim+g)*dim+r] = display.Color10Bit{R: scale(r), G: scale(g), B: scale(b)}
			}
		}
	}
	return lut
}
