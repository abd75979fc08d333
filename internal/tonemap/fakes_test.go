package tonemap

import (
	"errors"
	"sync"

	"github.com/xupit3r/tonemapper/internal/display"
	"github.com/xupit3r/tonemapper/internal/engine"
	"github.com/xupit3r/tonemapper/internal/fence"
	"github.com/xupit3r/tonemapper/internal/gralloc"
)

var errInjected = errors.New("injected allocation failure")

// countingAllocator wraps the heap allocator and can fail a chosen call
type countingAllocator struct {
	*gralloc.Heap
	allocCalls int
	failAt     int // 1-based Allocate call to fail, 0 = never
}

func newCountingAllocator() *countingAllocator {
	return &countingAllocator{Heap: gralloc.NewHeap(gralloc.Options{Alignment: 64})}
}

func (a *countingAllocator) Allocate(info *gralloc.BufferInfo) error {
	a.allocCalls++
	if a.failAt != 0 && a.allocCalls == a.failAt {
		return errInjected
	}
	return a.Heap.Allocate(info)
}

type blitCall struct {
	dst, src gralloc.Handle
	ready    bool // wait fence already signaled when the blit was issued
}

// fakeEngine completes every blit synchronously
type fakeEngine struct {
	mu     sync.Mutex
	params engine.Params
	blits  []blitCall
	closed int
}

func (e *fakeEngine) Blit(dst, src gralloc.Handle, wait *fence.Fence) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ready := wait.Signaled()
	wait.Close()
	e.blits = append(e.blits, blitCall{dst: dst, src: src, ready: ready})
	return -1, nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed++
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	refuse  bool
	engines []*fakeEngine
}

func (f *fakeFactory) Name() string { return "fake" }

func (f *fakeFactory) Create(p engine.Params) engine.Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return nil
	}
	e := &fakeEngine{params: p}
	f.engines = append(f.engines, e)
	return e
}

func (f *fakeFactory) totalBlits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.engines {
		e.mu.Lock()
		n += len(e.blits)
		e.mu.Unlock()
	}
	return n
}

func (f *fakeFactory) openEngines() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.engines {
		e.mu.Lock()
		if e.closed == 0 {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

var blendSRGB = display.ColorSpace{Primaries: display.PrimariesBT709, Transfer: display.TransferSRGB}

// toneMapLayer returns a device-composited layer requesting tone mapping
func toneMapLayer(hdr bool, w, h uint32) *display.Layer {
	transfer := display.TransferSRGB
	if hdr {
		transfer = display.TransferPQ
	}
	return &display.Layer{
		Composition: display.CompositionDevice,
		InputBuffer: display.LayerBuffer{
			Width:         w,
			Height:        h,
			Format:        gralloc.FormatRGBA1010102,
			Fd:            -1,
			Flags:         display.BufferFlags{HDR: hdr},
			ColorMetadata: display.ColorMetadata{Primaries: display.PrimariesBT2020, Transfer: transfer},
		},
		Request: display.LayerRequest{
			Width:  w,
			Height: h,
			Format: gralloc.FormatRGBA8888,
			Flags:  display.RequestFlags{ToneMap: true},
		},
		Lut3D: display.Lut3D{Entries: engine.IdentityLut(17), Dim: 17},
	}
}

func stackOf(layers ...*display.Layer) *display.LayerStack {
	return &display.LayerStack{Layers: layers, BlendCS: blendSRGB}
}

func newTestManager(opts Options) (*Manager, *countingAllocator, *fakeFactory) {
	alloc := newCountingAllocator()
	factory := &fakeFactory{}
	return NewManager(alloc, factory, opts), alloc, factory
}

// runFrame runs one HandleFrame/PostCommit cycle
func runFrame(m *Manager, stack *display.LayerStack) error {
	err := m.HandleFrame(stack)
	m.PostCommit(stack)
	return err
}
