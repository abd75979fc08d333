// Package simulate drives a tone-map Manager with synthetic layer stacks,
// playing the part of the composition pipeline and the display.
package simulate

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xupit3r/tonemapper/internal/config"
	"github.com/xupit3r/tonemapper/internal/display"
	"github.com/xupit3r/tonemapper/internal/engine"
	"github.com/xupit3r/tonemapper/internal/fence"
	"github.com/xupit3r/tonemapper/internal/gralloc"
	"github.com/xupit3r/tonemapper/internal/logging"
	"github.com/xupit3r/tonemapper/internal/tonemap"
)

// Options controls the shape of the generated frames
type Options struct {
	Frames        int
	Layers        int // Tone-mapped device layers per frame
	Width         uint32
	Height        uint32
	Format        gralloc.PixelFormat
	HDR           bool
	Secure        bool
	LutDim        uint32
	FrameBuffer   bool // Add a GPU composed layer and a tone-mapped frame buffer target
	ResizeAtFrame int  // Halve the geometry from this frame on (0 = never)
	IdleEvery     int  // Every Nth frame carries no tone-map layers (0 = never)
}

// OptionsFromConfig converts the simulate section of the configuration.
func OptionsFromConfig(c config.SimulateConfig) (Options, error) {
	format, err := gralloc.ParseFormat(c.Format)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Frames:        c.Frames,
		Layers:        c.Layers,
		Width:         c.Width,
		Height:        c.Height,
		Format:        format,
		HDR:           c.HDR,
		Secure:        c.Secure,
		LutDim:        c.LutDim,
		FrameBuffer:   c.FrameBuffer,
		ResizeAtFrame: c.ResizeAtFrame,
		IdleEvery:     c.IdleEveryFrame,
	}, nil
}

// FrameStats describes one simulated frame
type FrameStats struct {
	Frame       int
	Width       uint32
	Height      uint32
	ToneMapped  int  // Layers requesting tone mapping
	Idle        bool // Frame carried no tone-map layers
	Sessions    int  // Live sessions after PostCommit
	FrameBuffer int  // Frame-buffer session index after PostCommit
	Created     int64
	Destroyed   int64
	Reuses      int64
	FBReuses    int64
	Blits       int64
	Dumps       int64
	Failed      bool
	Err         error
	Duration    time.Duration
}

// Simulator generates frames and runs them through a Manager.
type Simulator struct {
	mgr   *tonemap.Manager
	alloc gralloc.Allocator
	opts  Options

	frame   int
	lut     []display.Color10Bit
	sources []gralloc.BufferInfo // Input buffers, one per stack position
	prev    tonemap.Stats
}

// New creates a simulator. Source buffers are allocated lazily from alloc.
func New(mgr *tonemap.Manager, alloc gralloc.Allocator, opts Options) (*Simulator, error) {
	if opts.Width == 0 || opts.Height == 0 {
		return nil, fmt.Errorf("invalid geometry %dx%d", opts.Width, opts.Height)
	}
	if opts.Format == gralloc.FormatUnknown {
		opts.Format = gralloc.FormatRGBA8888
	}
	if opts.Layers < 0 {
		opts.Layers = 0
	}

	return &Simulator{
		mgr:   mgr,
		alloc: alloc,
		opts:  opts,
		lut:   engine.IdentityLut(opts.LutDim),
		prev:  mgr.Stats(),
	}, nil
}

// Manager returns the manager being driven.
func (s *Simulator) Manager() *tonemap.Manager { return s.mgr }

// Frame returns the index of the next frame.
func (s *Simulator) Frame() int { return s.frame }

// Done reports whether every configured frame has run.
func (s *Simulator) Done() bool {
	return s.opts.Frames > 0 && s.frame >= s.opts.Frames
}

// geometry returns the tone-map geometry of the given frame
func (s *Simulator) geometry(frame int) (uint32, uint32) {
	w, h := s.opts.Width, s.opts.Height
	if s.opts.ResizeAtFrame > 0 && frame >= s.opts.ResizeAtFrame {
		w, h = max(w/2, 1), max(h/2, 1)
	}
	return w, h
}

func (s *Simulator) idle(frame int) bool {
	return s.opts.IdleEvery > 0 && (frame+1)%s.opts.IdleEvery == 0
}

// Step runs one HandleFrame/PostCommit cycle. A failed frame is reported in
// the returned stats; the error is reserved for problems of the simulator
// itself.
func (s *Simulator) Step() (FrameStats, error) {
	start := time.Now()
	frame := s.frame
	s.frame++

	w, h := s.geometry(frame)
	stats := FrameStats{Frame: frame, Width: w, Height: h, Idle: s.idle(frame)}
	log := logging.WithFields(logrus.Fields{"frame": frame, "geometry": fmt.Sprintf("%dx%d", w, h)})

	stack, signalers, err := s.buildStack(frame, w, h, stats.Idle)
	if err != nil {
		return stats, err
	}
	defer stack.Close()

	// Producers finished rendering the inputs.
	for _, sig := range signalers {
		sig.Signal()
	}

	for _, l := range stack.Layers {
		if l.Request.Flags.ToneMap {
			stats.ToneMapped++
		}
	}

	if err := s.mgr.HandleFrame(stack); err != nil {
		stats.Failed = true
		stats.Err = err
		log.Warnf("frame failed: %v", err)
	}

	releases, err := s.present(stack)
	if err != nil {
		return stats, err
	}

	s.mgr.PostCommit(stack)

	// The display moved on to the next frame.
	for _, sig := range releases {
		sig.Signal()
	}

	cur := s.mgr.Stats()
	stats.Sessions = s.mgr.SessionCount()
	stats.FrameBuffer = s.mgr.FrameBufferSessionIndex()
	stats.Created = cur.SessionsCreated - s.prev.SessionsCreated
	stats.Destroyed = cur.SessionsDestroyed - s.prev.SessionsDestroyed
	stats.Reuses = cur.Reuses - s.prev.Reuses
	stats.FBReuses = cur.FrameBufferReuses - s.prev.FrameBufferReuses
	stats.Blits = cur.Blits - s.prev.Blits
	stats.Dumps = cur.Dumps - s.prev.Dumps
	s.prev = cur
	stats.Duration = time.Since(start)

	log.WithFields(logrus.Fields{
		"sessions": stats.Sessions,
		"created":  stats.Created,
		"blits":    stats.Blits,
	}).Debug("frame committed")

	return stats, nil
}

// buildStack lays out the frame: tone-mapped device layers first, then the
// GPU composed layer and the frame buffer target. On odd frames the GPU
// layer is left out so the frame buffer content is unchanged.
func (s *Simulator) buildStack(frame int, w, h uint32, idle bool) (*display.LayerStack, []*fence.Signaler, error) {
	stack := &display.LayerStack{
		BlendCS: display.ColorSpace{Primaries: display.PrimariesBT709, Transfer: display.TransferSRGB},
	}

	if idle {
		stack.Layers = append(stack.Layers, &display.Layer{
			Composition: display.CompositionDevice,
			InputBuffer: display.LayerBuffer{Width: w, Height: h, Fd: -1},
		})
		return stack, nil, nil
	}

	var comps []display.Composition
	for i := 0; i < s.opts.Layers; i++ {
		comps = append(comps, display.CompositionDevice)
	}
	if s.opts.FrameBuffer {
		if frame%2 == 0 {
			comps = append(comps, display.CompositionGPU)
		}
		comps = append(comps, display.CompositionGPUTarget)
	}

	var signalers []*fence.Signaler
	for i, comp := range comps {
		if comp == display.CompositionGPU {
			stack.Layers = append(stack.Layers, &display.Layer{
				Composition: comp,
				InputBuffer: display.LayerBuffer{Width: w, Height: h, Fd: -1},
			})
			continue
		}

		src, err := s.source(i, w, h)
		if err != nil {
			stack.Close()
			signalAll(signalers)
			return nil, nil, err
		}

		acquire, sig, err := fence.New(fmt.Sprintf("acquire-%d", i))
		if err != nil {
			stack.Close()
			signalAll(signalers)
			return nil, nil, fmt.Errorf("creating acquire fence: %w", err)
		}
		signalers = append(signalers, sig)

		stack.Layers = append(stack.Layers, s.toneMapLayer(comp, src, acquire, w, h))
	}
	return stack, signalers, nil
}

func (s *Simulator) toneMapLayer(comp display.Composition, src *gralloc.BufferInfo, acquire *fence.Fence, w, h uint32) *display.Layer {
	transfer := display.TransferSRGB
	primaries := display.PrimariesBT709
	if s.opts.HDR {
		transfer = display.TransferPQ
		primaries = display.PrimariesBT2020
	}

	return &display.Layer{
		Composition: comp,
		InputBuffer: display.LayerBuffer{
			Width:         w,
			Height:        h,
			Format:        src.Config.Format,
			Handle:        src.Alloc.Handle,
			Fd:            src.Alloc.Fd,
			Size:          src.Alloc.Size,
			HandleID:      src.Alloc.ID,
			Flags:         display.BufferFlags{HDR: s.opts.HDR},
			ColorMetadata: display.ColorMetadata{Primaries: primaries, Transfer: transfer},
			AcquireFence:  acquire,
		},
		Request: display.LayerRequest{
			Width:  w,
			Height: h,
			Format: s.opts.Format,
			Flags:  display.RequestFlags{ToneMap: true, Secure: s.opts.Secure},
		},
		Lut3D: display.Lut3D{Entries: s.lut, Dim: s.opts.LutDim},
	}
}

// source returns the input buffer for stack position i, reallocating it when
// the geometry changed.
func (s *Simulator) source(i int, w, h uint32) (*gralloc.BufferInfo, error) {
	for len(s.sources) <= i {
		s.sources = append(s.sources, gralloc.BufferInfo{Alloc: gralloc.AllocatedBuffer{Fd: -1}})
	}
	info := &s.sources[i]
	if info.Allocated() {
		if info.Config.Width == w && info.Config.Height == h {
			return info, nil
		}
		if err := s.alloc.Free(info); err != nil {
			return nil, fmt.Errorf("freeing source %d: %w", i, err)
		}
	}

	info.Config = gralloc.BufferConfig{
		Width:  w,
		Height: h,
		Format: gralloc.FormatRGBA8888,
		Secure: s.opts.Secure,
	}
	if err := s.alloc.Allocate(info); err != nil {
		return nil, fmt.Errorf("allocating source %d: %w", i, err)
	}

	data, err := s.alloc.Map(info.Alloc.Handle)
	if err != nil {
		return nil, fmt.Errorf("mapping source %d: %w", i, err)
	}
	fillGradient(data, info.Alloc.Stride, w, h)
	return info, nil
}

// present waits for every tone-mapped output like a display would and hands
// each layer a release fence for PostCommit to collect.
func (s *Simulator) present(stack *display.LayerStack) ([]*fence.Signaler, error) {
	var releases []*fence.Signaler
	for i, l := range stack.Layers {
		if !l.Request.Flags.ToneMap {
			continue
		}
		if err := fence.Wait(l.InputBuffer.AcquireFence); err != nil {
			logging.Warnf("layer %d: waiting for output: %v", i, err)
		}

		release, sig, err := fence.New(fmt.Sprintf("release-%d", i))
		if err != nil {
			signalAll(releases)
			return nil, fmt.Errorf("creating release fence: %w", err)
		}
		l.InputBuffer.SetReleaseFence(release)
		releases = append(releases, sig)
	}
	return releases, nil
}

// Run steps until every configured frame has run or ctx is done, calling
// onFrame after each frame when it is not nil.
func (s *Simulator) Run(ctx context.Context, onFrame func(FrameStats)) ([]FrameStats, error) {
	var all []FrameStats
	for !s.Done() {
		select {
		case <-ctx.Done():
			return all, ctx.Err()
		default:
		}

		stats, err := s.Step()
		if err != nil {
			return all, err
		}
		all = append(all, stats)
		if onFrame != nil {
			onFrame(stats)
		}
	}
	return all, nil
}

// Close frees the source buffers and terminates the manager.
func (s *Simulator) Close() {
	s.mgr.Terminate()
	for i := range s.sources {
		if s.sources[i].Allocated() {
			if err := s.alloc.Free(&s.sources[i]); err != nil {
				logging.Warnf("freeing source %d: %v", i, err)
			}
		}
	}
	s.sources = nil
}

// Totals aggregates the stats of a run
type Totals struct {
	Frames       int
	Failed       int
	Created      int64
	Destroyed    int64
	Reuses       int64
	FBReuses     int64
	Blits        int64
	Dumps        int64
	PeakSessions int
	Elapsed      time.Duration
}

// Summarize adds up per-frame stats.
func Summarize(frames []FrameStats) Totals {
	var t Totals
	for _, f := range frames {
		t.Frames++
		if f.Failed {
			t.Failed++
		}
		t.Created += f.Created
		t.Destroyed += f.Destroyed
		t.Reuses += f.Reuses
		t.FBReuses += f.FBReuses
		t.Blits += f.Blits
		t.Dumps += f.Dumps
		t.PeakSessions = max(t.PeakSessions, f.Sessions)
		t.Elapsed += f.Duration
	}
	return t
}

// fillGradient writes a red/green ramp with a constant blue channel
func fillGradient(data []byte, stride, w, h uint32) {
	for y := uint32(0); y < h; y++ {
		row := y * stride
		for x := uint32(0); x < w; x++ {
			off := row + x*4
			if int(off+3) >= len(data) {
				return
			}
			data[off] = uint8(x * 255 / max(w-1, 1))
			data[off+1] = uint8(y * 255 / max(h-1, 1))
			data[off+2] = 128
			data[off+3] = 255
		}
	}
}

func signalAll(sigs []*fence.Signaler) {
	for _, sig := range sigs {
		sig.Signal()
	}
}
