// Package engine defines the tone-map engine capability and a software
// implementation of it.
package engine

import (
	"fmt"
	"strings"

	"github.com/xupit3r/tonemapper/internal/display"
	"github.com/xupit3r/tonemapper/internal/fence"
	"github.com/xupit3r/tonemapper/internal/gralloc"
)

// Type is the direction of a tone-map conversion
type Type int

const (
	// Forward maps HDR content down to SDR
	Forward Type = iota
	// Inverse maps SDR content up to HDR
	Inverse
)

func (t Type) String() string {
	switch t {
	case Forward:
		return "Forward"
	case Inverse:
		return "Inverse"
	default:
		return "Unknown"
	}
}

// Params selects and configures an engine instance
type Params struct {
	Type        Type
	LutEntries  []display.Color10Bit
	LutDim      uint32
	GridEntries []display.Color10Bit // nil unless the LUT marks them valid
	GridSize    int
	Secure      bool
}

// Engine performs tone-map blits. Implementations may complete a blit
// asynchronously; the returned descriptor signals completion.
type Engine interface {
	// Blit converts src into dst once wait has signaled. The engine takes
	// ownership of wait. It returns a fence descriptor owned by the caller,
	// or -1 if the blit completed synchronously.
	Blit(dst, src gralloc.Handle, wait *fence.Fence) (int, error)

	// Close releases the engine, waiting for in-flight blits.
	Close() error
}

// Factory creates engines. Create returns nil when no engine can serve p.
type Factory interface {
	Name() string
	Create(p Params) Engine
}

// NewFactory returns a factory for the named backend ("software" or "none")
func NewFactory(backend string, alloc gralloc.Allocator, allowSecure bool) (Factory, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "software":
		return &SoftwareFactory{Allocator: alloc, AllowSecure: allowSecure}, nil
	case "none":
		return unavailable{}, nil
	default:
		return nil, fmt.Errorf("unknown engine backend: %s", backend)
	}
}

// unavailable never produces an engine. It models a device without a GPU
// tone mapper.
type unavailable struct{}

func (unavailable) Name() string         { return "none" }
func (unavailable) Create(Params) Engine { return nil }
