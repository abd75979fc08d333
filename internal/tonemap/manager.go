package tonemap

import (
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/xupit3r/tonemapper/internal/display"
	"github.com/xupit3r/tonemapper/internal/engine"
	"github.com/xupit3r/tonemapper/internal/fence"
	"github.com/xupit3r/tonemapper/internal/gralloc"
	"github.com/xupit3r/tonemapper/internal/logging"
)

// noSession marks the frame-buffer session index as unset
const noSession = -1

// Options configures a Manager
type Options struct {
	DumpDir     string // Root of debug dumps
	MaxSessions int    // Live session limit (0 = unlimited)
}

// Stats counts manager activity since creation
type Stats struct {
	Frames            int64 // HandleFrame calls
	FailedFrames      int64 // Frames that ended in Terminate
	SessionsCreated   int64
	SessionsDestroyed int64
	Reuses            int64 // Layers served by an existing session
	FrameBufferReuses int64 // Frames short-circuited onto the frame-buffer session
	Blits             int64
	Dumps             int64
}

// SessionInfo is a read-only view of one session
type SessionInfo struct {
	Index       int
	ID          uint64
	Config      Config
	Cursor      int
	Acquired    bool
	LayerIndex  int
	Width       uint32
	Height      uint32
	FrameBuffer bool
}

// Manager matches tone-map layers to sessions frame by frame. HandleFrame and
// PostCommit are called in that order once per display frame.
type Manager struct {
	mu      sync.Mutex
	alloc   gralloc.Allocator
	factory engine.Factory
	opts    Options

	sessions       []*Session
	fbSessionIndex int
	nextSessionID  uint64

	dumpFrameCount uint32
	dumpFrameIndex uint32

	stats Stats
}

// NewManager creates a manager with no sessions
func NewManager(alloc gralloc.Allocator, factory engine.Factory, opts Options) *Manager {
	return &Manager{
		alloc:          alloc,
		factory:        factory,
		opts:           opts,
		fbSessionIndex: noSession,
	}
}

// HandleFrame tone maps every layer of stack that requests it. Any failure
// tears down all sessions and fails the whole frame.
func (m *Manager) HandleFrame(stack *display.LayerStack) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.Frames++
	gpuCount := 0

	for i, layer := range stack.Layers {
		if layer.Composition == display.CompositionGPU {
			gpuCount++
		}
		if !layer.Request.Flags.ToneMap {
			continue
		}

		log := logging.WithFields(logrus.Fields{"layer": i, "composition": layer.Composition})
		log.Debug("tone mapping layer")

		var (
			index int
			err   error
		)
		switch layer.Composition {
		case display.CompositionGPUTarget:
			// Nothing was GPU composed, so the frame buffer still holds last
			// frame's content. Reuse its tone-mapped output without a blit.
			// Later layers of this frame are left untouched.
			if gpuCount == 0 && len(m.sessions) > 0 && m.fbSessionIndex != noSession {
				fb := m.sessions[m.fbSessionIndex]
				fb.UpdateOutputBuffer(nil, &layer.InputBuffer)
				fb.layerIndex = i
				fb.acquired = true
				m.stats.FrameBufferReuses++
				log.WithField("session", fb.id).Debug("reusing frame buffer tone-map output")
				return nil
			}
			index, err = m.acquireSession(layer, stack.BlendCS)
			if err == nil {
				m.fbSessionIndex = index
			}
		default:
			index, err = m.acquireSession(layer, stack.BlendCS)
		}

		if err != nil {
			log.Errorf("acquiring tone-map session: %v", err)
			m.fail()
			return fmt.Errorf("%w: layer %d: %w", ErrFrameFailed, i, err)
		}

		session := m.sessions[index]
		if err := m.toneMap(layer, session); err != nil {
			log.Errorf("tone mapping: %v", err)
			m.fail()
			return fmt.Errorf("%w: layer %d: %w", ErrFrameFailed, i, err)
		}
		log.Debugf("layer associated with session index %d", index)
		session.layerIndex = i
	}

	return nil
}

// AcquireSession returns the index of a session able to serve layer,
// creating one if no idle session matches.
func (m *Manager) AcquireSession(layer *display.Layer, blendCS display.ColorSpace) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquireSession(layer, blendCS)
}

func (m *Manager) acquireSession(layer *display.Layer, blendCS display.ColorSpace) (int, error) {
	if !layer.Lut3D.Valid() {
		return noSession, fmt.Errorf("%w: lut has %d entries, dimension %d",
			ErrInvalidParameters, len(layer.Lut3D.Entries), layer.Lut3D.Dim)
	}

	// First idle match wins, in creation order.
	for i, s := range m.sessions {
		if !s.acquired && s.MatchesConfig(layer, blendCS) {
			s.AdvanceBuffer()
			s.acquired = true
			m.stats.Reuses++
			return i, nil
		}
	}

	if m.opts.MaxSessions > 0 && len(m.sessions) >= m.opts.MaxSessions {
		return noSession, fmt.Errorf("%w: %d live", ErrOutOfMemory, len(m.sessions))
	}

	m.nextSessionID++
	session := NewSession(m.nextSessionID, m.alloc, m.factory)
	session.SetConfig(layer, blendCS)

	if err := session.AcquireEngine(layer); err != nil {
		session.Close()
		return noSession, err
	}
	if err := session.AllocateBuffers(layer); err != nil {
		session.Close()
		return noSession, err
	}

	session.acquired = true
	m.sessions = append(m.sessions, session)
	m.stats.SessionsCreated++

	session.log().WithField("config", session.config.String()).Info("created tone-map session")
	return len(m.sessions) - 1, nil
}

// toneMap blits layer through session and publishes the result into the
// layer's buffer record.
func (m *Manager) toneMap(layer *display.Layer, session *Session) error {
	merged, err := fence.Merge(session.ReleaseFence(), layer.InputBuffer.AcquireFence)
	if err != nil {
		return fmt.Errorf("merging fences: %w", err)
	}
	defer merged.Close()

	done, err := session.Blit(merged, layer)
	if err != nil {
		return err
	}
	m.stats.Blits++

	m.dumpOutput(session, done)
	session.UpdateOutputBuffer(done, &layer.InputBuffer)
	return nil
}

// PostCommit keeps the sessions used by the frame just committed, taking the
// release fence of their layer, and destroys every other session.
func (m *Manager) PostCommit(stack *display.LayerStack) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < len(m.sessions); {
		session := m.sessions[i]
		if session.acquired {
			var release *fence.Fence
			if session.layerIndex >= 0 && session.layerIndex < len(stack.Layers) {
				var err error
				release, err = fence.Dup(stack.Layers[session.layerIndex].InputBuffer.ReleaseFence)
				if err != nil {
					session.log().Warnf("taking release fence: %v", err)
				}
			} else {
				session.log().Warnf("bound layer %d not in stack of %d", session.layerIndex, len(stack.Layers))
			}
			session.RecordReleaseFence(release)
			session.acquired = false
			i++
			continue
		}

		session.log().Infof("tone-map session %d closed", i)
		session.Close()
		m.sessions = slices.Delete(m.sessions, i, i+1)
		m.stats.SessionsDestroyed++

		// Later sessions shifted down by one.
		if i == m.fbSessionIndex {
			m.fbSessionIndex = noSession
		} else if i < m.fbSessionIndex {
			m.fbSessionIndex--
		}
	}
}

// Terminate destroys every session.
func (m *Manager) Terminate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminate()
}

func (m *Manager) terminate() {
	for len(m.sessions) > 0 {
		last := len(m.sessions) - 1
		m.sessions[last].Close()
		m.sessions[last] = nil
		m.sessions = m.sessions[:last]
		m.stats.SessionsDestroyed++
	}
	m.fbSessionIndex = noSession
}

func (m *Manager) fail() {
	m.stats.FailedFrames++
	m.terminate()
}

// SetFrameDumpConfig dumps the output of the next count blits.
func (m *Manager) SetFrameDumpConfig(count uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	logging.Infof("Dump frame config count = %d", count)
	m.dumpFrameCount = count
	m.dumpFrameIndex = 0
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// FrameBufferSessionIndex returns the index of the session serving the
// frame-buffer layer, or -1.
func (m *Manager) FrameBufferSessionIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fbSessionIndex
}

// Stats returns a copy of the activity counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Snapshot describes every live session in index order.
func (m *Manager) Snapshot() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(m.sessions))
	for i, s := range m.sessions {
		info := SessionInfo{
			Index:       i,
			ID:          s.id,
			Config:      s.config,
			Cursor:      s.cursor,
			Acquired:    s.acquired,
			LayerIndex:  s.layerIndex,
			FrameBuffer: i == m.fbSessionIndex,
		}
		if len(s.buffers) > 0 {
			info.Width = s.buffers[0].Alloc.UnalignedWidth
			info.Height = s.buffers[0].Alloc.UnalignedHeight
		}
		infos = append(infos, info)
	}
	return infos
}
