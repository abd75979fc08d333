// Package display holds the per-frame layer data handed to the tone mapper by
// the composition pipeline.
package display

import (
	"fmt"

	"github.com/xupit3r/tonemapper/internal/fence"
	"github.com/xupit3r/tonemapper/internal/gralloc"
)

// Composition is how the pipeline decided to compose a layer
type Composition int

const (
	// CompositionDevice layers are scanned out directly by display hardware
	CompositionDevice Composition = iota
	// CompositionGPU layers are drawn into the frame buffer by the GPU
	CompositionGPU
	// CompositionGPUTarget is the frame buffer layer produced by GPU composition
	CompositionGPUTarget
)

func (c Composition) String() string {
	switch c {
	case CompositionDevice:
		return "Device"
	case CompositionGPU:
		return "GPU"
	case CompositionGPUTarget:
		return "GPUTarget"
	default:
		return "Unknown"
	}
}

// Primaries identifies a set of colour primaries
type Primaries int

const (
	PrimariesBT709 Primaries = iota
	PrimariesDCIP3
	PrimariesBT2020
)

func (p Primaries) String() string {
	switch p {
	case PrimariesBT709:
		return "BT709"
	case PrimariesDCIP3:
		return "DCI-P3"
	case PrimariesBT2020:
		return "BT2020"
	default:
		return "Unknown"
	}
}

// Transfer identifies a transfer function
type Transfer int

const (
	TransferSRGB Transfer = iota
	TransferLinear
	TransferGamma22
	TransferPQ
	TransferHLG
)

func (t Transfer) String() string {
	switch t {
	case TransferSRGB:
		return "sRGB"
	case TransferLinear:
		return "Linear"
	case TransferGamma22:
		return "Gamma2.2"
	case TransferPQ:
		return "PQ"
	case TransferHLG:
		return "HLG"
	default:
		return "Unknown"
	}
}

// ColorSpace is a primaries/transfer pair, used as the blend space of a stack
type ColorSpace struct {
	Primaries Primaries
	Transfer  Transfer
}

func (c ColorSpace) String() string {
	return fmt.Sprintf("%s/%s", c.Primaries, c.Transfer)
}

// ColorMetadata describes the content of an input buffer
type ColorMetadata struct {
	Primaries Primaries
	Transfer  Transfer
}

// Color10Bit is one 10-bit-per-channel LUT entry
type Color10Bit struct {
	R, G, B uint16
}

// Lut3D is the 3D lookup table the pipeline generated for a layer
type Lut3D struct {
	Entries          []Color10Bit // Dim*Dim*Dim entries, red fastest
	Dim              uint32
	GridEntries      []Color10Bit
	GridSize         uint32
	ValidGridEntries bool
}

// Valid reports whether the table can drive a tone-map engine.
func (l *Lut3D) Valid() bool {
	return len(l.Entries) > 0 && l.Dim > 0
}

// BufferFlags describe the content of a layer buffer
type BufferFlags struct {
	HDR bool
}

// LayerBuffer is a layer's input buffer. After tone mapping it describes the
// tone-mapped output instead. The buffer owns both of its fences.
type LayerBuffer struct {
	Width         uint32
	Height        uint32
	Format        gralloc.PixelFormat
	Handle        gralloc.Handle
	Fd            int
	Size          uint32
	HandleID      uint64
	Flags         BufferFlags
	ColorMetadata ColorMetadata
	AcquireFence  *fence.Fence
	ReleaseFence  *fence.Fence
}

// SetAcquireFence replaces the acquire fence, closing the previous one.
func (b *LayerBuffer) SetAcquireFence(f *fence.Fence) {
	if b.AcquireFence != nil && b.AcquireFence != f {
		b.AcquireFence.Close()
	}
	b.AcquireFence = f
}

// SetReleaseFence replaces the release fence, closing the previous one.
func (b *LayerBuffer) SetReleaseFence(f *fence.Fence) {
	if b.ReleaseFence != nil && b.ReleaseFence != f {
		b.ReleaseFence.Close()
	}
	b.ReleaseFence = f
}

// Close releases the buffer's fences.
func (b *LayerBuffer) Close() {
	b.SetAcquireFence(nil)
	b.SetReleaseFence(nil)
}

// RequestFlags are the pipeline's requests for a layer
type RequestFlags struct {
	ToneMap bool
	Secure  bool
}

// LayerRequest is what the pipeline needs the layer converted to
type LayerRequest struct {
	Width  uint32
	Height uint32
	Format gralloc.PixelFormat
	Flags  RequestFlags
}

// Layer is one entry of a layer stack
type Layer struct {
	Composition Composition
	InputBuffer LayerBuffer
	Request     LayerRequest
	Lut3D       Lut3D
}

// LayerStack is the set of layers composed into one display frame
type LayerStack struct {
	Layers  []*Layer
	BlendCS ColorSpace
}

// Close releases the fences held by every layer.
func (s *LayerStack) Close() {
	for _, l := range s.Layers {
		l.InputBuffer.Close()
	}
}
