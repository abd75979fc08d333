package tonemap

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/xupit3r/tonemapper/internal/display"
	"github.com/xupit3r/tonemapper/internal/engine"
	"github.com/xupit3r/tonemapper/internal/fence"
	"github.com/xupit3r/tonemapper/internal/gralloc"
	"github.com/xupit3r/tonemapper/internal/logging"
)

// NumIntermediateBuffers is the size of every session's output pool. The GPU
// writes one slot while the display may still scan out another.
const NumIntermediateBuffers = 2

// Config is the tone-map configuration a session was built for
type Config struct {
	Type     engine.Type
	BlendCS  display.ColorSpace
	Transfer display.Transfer
	Secure   bool
	Format   gralloc.PixelFormat
}

func (c Config) String() string {
	secure := ""
	if c.Secure {
		secure = " secure"
	}
	return fmt.Sprintf("%s %s->%s %s%s", c.Type, c.Transfer, c.BlendCS, c.Format, secure)
}

// configFor derives the configuration a layer needs
func configFor(layer *display.Layer, blendCS display.ColorSpace) Config {
	typ := engine.Inverse
	if layer.InputBuffer.Flags.HDR {
		typ = engine.Forward
	}
	return Config{
		Type:     typ,
		BlendCS:  blendCS,
		Transfer: layer.InputBuffer.ColorMetadata.Transfer,
		Secure:   layer.Request.Flags.Secure,
		Format:   layer.Request.Format,
	}
}

// Session owns one tone-map configuration together with the engine and the
// intermediate buffers that serve it. The engine and buffers live exactly as
// long as the session.
type Session struct {
	id      uint64
	alloc   gralloc.Allocator
	factory engine.Factory

	config        Config
	buffers       []gralloc.BufferInfo
	releaseFences []*fence.Fence
	cursor        int

	runner *engine.Runner
	engine engine.Engine

	acquired   bool
	layerIndex int
}

// NewSession creates an empty session. It holds no engine and no buffers
// until AcquireEngine and AllocateBuffers succeed.
func NewSession(id uint64, alloc gralloc.Allocator, factory engine.Factory) *Session {
	return &Session{
		id:            id,
		alloc:         alloc,
		factory:       factory,
		buffers:       make([]gralloc.BufferInfo, NumIntermediateBuffers),
		releaseFences: make([]*fence.Fence, NumIntermediateBuffers),
		layerIndex:    -1,
	}
}

func (s *Session) log() *logrus.Entry {
	return logging.WithFields(logrus.Fields{"session": s.id, "slot": s.cursor})
}

// SetConfig records the configuration derived from layer.
func (s *Session) SetConfig(layer *display.Layer, blendCS display.ColorSpace) {
	s.config = configFor(layer, blendCS)
}

// MatchesConfig reports whether layer can be served by this session: the
// derived configuration must be identical and the requested geometry must
// equal the unaligned geometry of the session's buffers.
func (s *Session) MatchesConfig(layer *display.Layer, blendCS display.ColorSpace) bool {
	if configFor(layer, blendCS) != s.config {
		return false
	}

	if len(s.buffers) == 0 || !s.buffers[0].Allocated() {
		return false
	}
	handle := s.buffers[0].Alloc.Handle
	width, err := s.alloc.UnalignedWidth(handle)
	if err != nil {
		s.log().Debugf("reading buffer width: %v", err)
		return false
	}
	height, err := s.alloc.UnalignedHeight(handle)
	if err != nil {
		s.log().Debugf("reading buffer height: %v", err)
		return false
	}

	return layer.Request.Width == width && layer.Request.Height == height
}

// AllocateBuffers fills every slot with a buffer of the layer's requested
// geometry. Either all slots are allocated or none are.
func (s *Session) AllocateBuffers(layer *display.Layer) error {
	for i := range s.buffers {
		info := &s.buffers[i]
		info.Config = gralloc.BufferConfig{
			Width:     layer.Request.Width,
			Height:    layer.Request.Height,
			Format:    layer.Request.Format,
			Secure:    layer.Request.Flags.Secure,
			GfxClient: true,
		}
		if err := s.alloc.Allocate(info); err != nil {
			s.FreeBuffers()
			return fmt.Errorf("%w: slot %d: %w", ErrAllocationFailure, i, err)
		}
	}
	return nil
}

// FreeBuffers releases every allocated slot. Empty slots are skipped, so it
// is safe to call repeatedly.
func (s *Session) FreeBuffers() {
	for i := range s.buffers {
		info := &s.buffers[i]
		if !info.Allocated() {
			continue
		}
		if err := s.alloc.Free(info); err != nil {
			s.log().Warnf("freeing slot %d: %v", i, err)
		}
		info.Alloc = gralloc.AllocatedBuffer{Fd: -1}
	}
}

// AcquireEngine creates the session's engine on the session's task runner.
// Grid entries are only passed when the LUT marks them valid.
func (s *Session) AcquireEngine(layer *display.Layer) error {
	if s.engine != nil {
		return nil
	}
	if s.runner == nil {
		s.runner = engine.NewRunner(fmt.Sprintf("tonemap-%d", s.id))
	}

	lut := &layer.Lut3D
	params := engine.Params{
		Type:       s.config.Type,
		LutEntries: lut.Entries,
		LutDim:     lut.Dim,
		Secure:     s.config.Secure,
	}
	if lut.ValidGridEntries {
		params.GridEntries = lut.GridEntries
		params.GridSize = int(lut.GridSize)
	}

	var created engine.Engine
	if err := s.runner.Perform(engine.TaskGetInstance, func() {
		created = s.factory.Create(params)
	}); err != nil {
		return fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}
	if created == nil {
		return fmt.Errorf("%w: %s", ErrEngineUnavailable, s.config)
	}
	s.engine = created
	return nil
}

// Blit converts the layer's input buffer into the slot at the cursor once
// merged has signaled. merged stays owned by the caller. The returned fence
// signals completion of the blit.
func (s *Session) Blit(merged *fence.Fence, layer *display.Layer) (*fence.Fence, error) {
	if s.engine == nil {
		return nil, ErrEngineUnavailable
	}

	wait, err := fence.Dup(merged)
	if err != nil {
		return nil, fmt.Errorf("duplicating wait fence: %w", err)
	}

	dst := s.buffers[s.cursor].Alloc.Handle
	src := layer.InputBuffer.Handle

	var (
		fd      int
		blitErr error
	)
	if err := s.runner.Perform(engine.TaskBlit, func() {
		fd, blitErr = s.engine.Blit(dst, src, wait)
	}); err != nil {
		wait.Close()
		return nil, fmt.Errorf("dispatching blit: %w", err)
	}
	if blitErr != nil {
		return nil, fmt.Errorf("blit into slot %d: %w", s.cursor, blitErr)
	}

	return fence.FromRaw(fd, "tonemap"), nil
}

// AdvanceBuffer moves the cursor to the next slot.
func (s *Session) AdvanceBuffer() {
	s.cursor = (s.cursor + 1) % NumIntermediateBuffers
}

// UpdateOutputBuffer points out at the current slot and hands it f as its
// acquire fence. out takes ownership of f.
func (s *Session) UpdateOutputBuffer(f *fence.Fence, out *display.LayerBuffer) {
	alloc := s.buffers[s.cursor].Alloc
	out.SetAcquireFence(f)
	out.Size = alloc.Size
	out.Fd = alloc.Fd
	out.HandleID = alloc.ID
}

// RecordReleaseFence stores f as the release fence of the current slot,
// closing the one it replaces. The session takes ownership of f.
func (s *Session) RecordReleaseFence(f *fence.Fence) {
	if old := s.releaseFences[s.cursor]; old != nil && old != f {
		old.Close()
	}
	s.releaseFences[s.cursor] = f
}

// ReleaseFence returns the release fence recorded for the current slot.
func (s *Session) ReleaseFence() *fence.Fence {
	return s.releaseFences[s.cursor]
}

// Close destroys the engine, frees the buffers and drops the slot records,
// in that order. It tolerates partially built sessions and repeated calls.
func (s *Session) Close() {
	if s.runner != nil {
		if s.engine != nil {
			eng := s.engine
			if err := s.runner.Perform(engine.TaskDestroy, func() {
				if err := eng.Close(); err != nil {
					s.log().Warnf("closing engine: %v", err)
				}
			}); err != nil {
				s.log().Warnf("destroying engine: %v", err)
			}
			s.engine = nil
		}
		s.runner.Stop()
		s.runner = nil
	}

	s.FreeBuffers()

	for i, f := range s.releaseFences {
		f.Close()
		s.releaseFences[i] = nil
	}
	s.buffers = nil
	s.releaseFences = nil
}

// ID returns the session's identifier, stable for its lifetime.
func (s *Session) ID() uint64 { return s.id }

// Config returns the configuration the session serves.
func (s *Session) Config() Config { return s.config }

// Cursor returns the index of the current slot.
func (s *Session) Cursor() int { return s.cursor }

// Acquired reports whether a layer of the current frame is bound to the session.
func (s *Session) Acquired() bool { return s.acquired }

// LayerIndex returns the index of the layer bound this frame.
func (s *Session) LayerIndex() int { return s.layerIndex }

// currentBuffer returns the slot at the cursor
func (s *Session) currentBuffer() *gralloc.BufferInfo {
	return &s.buffers[s.cursor]
}
