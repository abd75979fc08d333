package tonemap

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/xupit3r/tonemapper/internal/display"
	"github.com/xupit3r/tonemapper/internal/fence"
	"github.com/xupit3r/tonemapper/internal/gralloc"
)

func TestHandleFrameSingleHDRLayer(t *testing.T) {
	m, alloc, factory := newTestManager(Options{})
	defer m.Terminate()

	layer := toneMapLayer(true, 1920, 1080)
	stack := stackOf(layer)

	if err := m.HandleFrame(stack); err != nil {
		t.Fatalf("HandleFrame failed: %v", err)
	}

	if m.SessionCount() != 1 {
		t.Fatalf("Expected 1 session, got %d", m.SessionCount())
	}

	s := m.sessions[0]
	if s.Config().Type.String() != "Forward" {
		t.Errorf("Expected forward session, got %v", s.Config().Type)
	}
	if !s.Acquired() || s.LayerIndex() != 0 {
		t.Errorf("session should be acquired by layer 0, got acquired=%v layer=%d", s.Acquired(), s.LayerIndex())
	}
	if alloc.Stats().LiveBuffers != NumIntermediateBuffers {
		t.Errorf("Expected %d buffers, got %d", NumIntermediateBuffers, alloc.Stats().LiveBuffers)
	}
	for i, b := range s.buffers {
		if b.Alloc.UnalignedWidth != 1920 || b.Alloc.UnalignedHeight != 1080 {
			t.Errorf("slot %d is %dx%d", i, b.Alloc.UnalignedWidth, b.Alloc.UnalignedHeight)
		}
	}

	// Output published into the layer.
	cur := s.buffers[s.Cursor()].Alloc
	if layer.InputBuffer.HandleID != cur.ID || layer.InputBuffer.Size != cur.Size {
		t.Errorf("layer output %+v does not describe slot %d", layer.InputBuffer, s.Cursor())
	}
	if factory.totalBlits() != 1 {
		t.Errorf("Expected 1 blit, got %d", factory.totalBlits())
	}

	m.PostCommit(stack)
	if m.SessionCount() != 1 || m.sessions[0].Acquired() {
		t.Error("used session should survive PostCommit unacquired")
	}
}

func TestSessionReusedAcrossFrames(t *testing.T) {
	m, alloc, _ := newTestManager(Options{})
	defer m.Terminate()

	if err := runFrame(m, stackOf(toneMapLayer(true, 1920, 1080))); err != nil {
		t.Fatalf("frame 1 failed: %v", err)
	}
	firstID := m.sessions[0].ID()
	firstCursor := m.sessions[0].Cursor()
	allocCalls := alloc.allocCalls

	if err := m.HandleFrame(stackOf(toneMapLayer(true, 1920, 1080))); err != nil {
		t.Fatalf("frame 2 failed: %v", err)
	}

	if m.SessionCount() != 1 || m.sessions[0].ID() != firstID {
		t.Fatal("second frame should reuse session 0")
	}
	if m.sessions[0].Cursor() == firstCursor {
		t.Error("reused session should write a different slot")
	}
	if alloc.allocCalls != allocCalls {
		t.Errorf("reuse should not allocate, %d new calls", alloc.allocCalls-allocCalls)
	}
}

func TestSessionCountStabilizes(t *testing.T) {
	m, _, factory := newTestManager(Options{})
	defer m.Terminate()

	cursor := -1
	for frame := 0; frame < 10; frame++ {
		if err := runFrame(m, stackOf(toneMapLayer(false, 1280, 720))); err != nil {
			t.Fatalf("frame %d failed: %v", frame, err)
		}
		if m.SessionCount() != 1 {
			t.Fatalf("frame %d: %d sessions", frame, m.SessionCount())
		}

		c := m.sessions[0].Cursor()
		if frame == 0 && c != 0 {
			t.Errorf("cursor should not advance on creation, got %d", c)
		}
		if frame > 0 && c != (cursor+1)%NumIntermediateBuffers {
			t.Errorf("frame %d: cursor %d, want %d", frame, c, (cursor+1)%NumIntermediateBuffers)
		}
		cursor = c
	}

	stats := m.Stats()
	if stats.SessionsCreated != 1 || stats.Reuses != 9 {
		t.Errorf("Expected 1 creation and 9 reuses, got %+v", stats)
	}
	if len(factory.engines) != 1 {
		t.Errorf("Expected 1 engine, got %d", len(factory.engines))
	}
}

func TestAcquiredSessionNotShared(t *testing.T) {
	m, _, _ := newTestManager(Options{})
	defer m.Terminate()

	stack := stackOf(toneMapLayer(true, 640, 480), toneMapLayer(true, 640, 480))
	if err := m.HandleFrame(stack); err != nil {
		t.Fatalf("HandleFrame failed: %v", err)
	}
	if m.SessionCount() != 2 {
		t.Fatalf("two identical layers need two sessions, got %d", m.SessionCount())
	}
	if m.sessions[0].LayerIndex() != 0 || m.sessions[1].LayerIndex() != 1 {
		t.Error("sessions should be bound in layer order")
	}
}

func TestFirstIdleMatchWins(t *testing.T) {
	m, _, _ := newTestManager(Options{})
	defer m.Terminate()

	if err := runFrame(m, stackOf(toneMapLayer(true, 640, 480), toneMapLayer(true, 640, 480))); err != nil {
		t.Fatalf("frame 1 failed: %v", err)
	}

	idx, err := m.AcquireSession(toneMapLayer(true, 640, 480), blendSRGB)
	if err != nil {
		t.Fatalf("AcquireSession failed: %v", err)
	}
	if idx != 0 {
		t.Errorf("Expected first matching session, got %d", idx)
	}
}

func TestAcquireSessionInvalidLut(t *testing.T) {
	m, alloc, factory := newTestManager(Options{})
	defer m.Terminate()

	layer := toneMapLayer(true, 1920, 1080)
	layer.Lut3D.Dim = 0

	if _, err := m.AcquireSession(layer, blendSRGB); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("Expected ErrInvalidParameters, got %v", err)
	}
	if m.SessionCount() != 0 || alloc.allocCalls != 0 || len(factory.engines) != 0 {
		t.Error("invalid LUT must not create anything")
	}

	layer = toneMapLayer(true, 1920, 1080)
	layer.Lut3D.Entries = nil
	if _, err := m.AcquireSession(layer, blendSRGB); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("Expected ErrInvalidParameters for missing entries, got %v", err)
	}
}

func TestAcquireSessionInvalidLutLeavesSessionsAlone(t *testing.T) {
	m, _, _ := newTestManager(Options{})
	defer m.Terminate()

	if err := runFrame(m, stackOf(toneMapLayer(true, 64, 64))); err != nil {
		t.Fatalf("frame failed: %v", err)
	}
	cursor := m.sessions[0].Cursor()

	layer := toneMapLayer(true, 64, 64)
	layer.Lut3D.Dim = 0
	if _, err := m.AcquireSession(layer, blendSRGB); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("Expected ErrInvalidParameters, got %v", err)
	}
	if m.sessions[0].Acquired() || m.sessions[0].Cursor() != cursor {
		t.Error("existing session must not be mutated")
	}
}

func TestAcquireSessionEngineUnavailable(t *testing.T) {
	m, alloc, factory := newTestManager(Options{})
	defer m.Terminate()
	factory.refuse = true

	if _, err := m.AcquireSession(toneMapLayer(true, 64, 64), blendSRGB); !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("Expected ErrEngineUnavailable, got %v", err)
	}
	if m.SessionCount() != 0 {
		t.Error("failed session must not be kept")
	}
	if alloc.allocCalls != 0 {
		t.Error("buffers must not be allocated without an engine")
	}
}

func TestAcquireSessionAllocationFailure(t *testing.T) {
	m, alloc, factory := newTestManager(Options{})
	defer m.Terminate()
	alloc.failAt = 2

	if _, err := m.AcquireSession(toneMapLayer(true, 64, 64), blendSRGB); !errors.Is(err, ErrAllocationFailure) {
		t.Fatalf("Expected ErrAllocationFailure, got %v", err)
	}
	if m.SessionCount() != 0 {
		t.Error("failed session must not be kept")
	}
	if alloc.Stats().LiveBuffers != 0 {
		t.Errorf("buffers leaked: %d", alloc.Stats().LiveBuffers)
	}
	if factory.openEngines() != 0 {
		t.Error("engine of the failed session leaked")
	}
}

func TestAcquireSessionLimit(t *testing.T) {
	m, _, _ := newTestManager(Options{MaxSessions: 1})
	defer m.Terminate()

	if _, err := m.AcquireSession(toneMapLayer(true, 64, 64), blendSRGB); err != nil {
		t.Fatalf("first session failed: %v", err)
	}
	if _, err := m.AcquireSession(toneMapLayer(false, 64, 64), blendSRGB); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("Expected ErrOutOfMemory, got %v", err)
	}
}

func TestFrameFailureTerminates(t *testing.T) {
	m, alloc, factory := newTestManager(Options{})

	if err := runFrame(m, stackOf(toneMapLayer(true, 64, 64), toneMapLayer(false, 64, 64))); err != nil {
		t.Fatalf("frame 1 failed: %v", err)
	}
	if m.SessionCount() != 2 {
		t.Fatalf("Expected 2 sessions, got %d", m.SessionCount())
	}

	bad := toneMapLayer(false, 64, 64)
	bad.Lut3D.Dim = 0
	err := m.HandleFrame(stackOf(toneMapLayer(true, 64, 64), bad))
	if !errors.Is(err, ErrFrameFailed) || !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("Expected frame failure wrapping ErrInvalidParameters, got %v", err)
	}

	if m.SessionCount() != 0 {
		t.Errorf("all sessions should be torn down, %d left", m.SessionCount())
	}
	if m.FrameBufferSessionIndex() != -1 {
		t.Error("frame buffer index should be reset")
	}
	if alloc.Stats().LiveBuffers != 0 || factory.openEngines() != 0 {
		t.Error("teardown leaked buffers or engines")
	}
	if m.Stats().FailedFrames != 1 {
		t.Errorf("Expected 1 failed frame, got %d", m.Stats().FailedFrames)
	}
}

func TestFrameBufferShortCircuit(t *testing.T) {
	m, _, factory := newTestManager(Options{})
	defer m.Terminate()

	gpuLayer := &display.Layer{Composition: display.CompositionGPU}
	fb := toneMapLayer(true, 1920, 1080)
	fb.Composition = display.CompositionGPUTarget

	if err := runFrame(m, stackOf(gpuLayer, fb)); err != nil {
		t.Fatalf("frame 1 failed: %v", err)
	}
	if m.FrameBufferSessionIndex() != 0 {
		t.Fatalf("Expected frame buffer session 0, got %d", m.FrameBufferSessionIndex())
	}
	blits := factory.totalBlits()

	// Nothing GPU composed: the cached frame buffer is shown again.
	fb2 := toneMapLayer(true, 1920, 1080)
	fb2.Composition = display.CompositionGPUTarget
	later := toneMapLayer(false, 640, 480)
	stack := stackOf(fb2, later)

	if err := m.HandleFrame(stack); err != nil {
		t.Fatalf("frame 2 failed: %v", err)
	}

	if factory.totalBlits() != blits {
		t.Error("short circuit must not blit")
	}
	s := m.sessions[0]
	if !s.Acquired() || s.LayerIndex() != 0 {
		t.Error("frame buffer session should be bound to the target layer")
	}
	if fb2.InputBuffer.HandleID != s.buffers[s.Cursor()].Alloc.ID {
		t.Error("target layer should point at the existing tone-mapped output")
	}
	if fb2.InputBuffer.AcquireFence != nil {
		t.Error("no acquire fence is needed for reused output")
	}
	if later.InputBuffer.HandleID != 0 || m.SessionCount() != 1 {
		t.Error("layers after the short circuit are not processed")
	}
	if m.Stats().FrameBufferReuses != 1 {
		t.Errorf("Expected 1 frame buffer reuse, got %d", m.Stats().FrameBufferReuses)
	}

	m.PostCommit(stack)
	if m.SessionCount() != 1 {
		t.Error("frame buffer session should survive")
	}
}

func TestFrameBufferTargetWithGPULayersBlits(t *testing.T) {
	m, _, factory := newTestManager(Options{})
	defer m.Terminate()

	fb := toneMapLayer(true, 1920, 1080)
	fb.Composition = display.CompositionGPUTarget
	if err := runFrame(m, stackOf(&display.Layer{Composition: display.CompositionGPU}, fb)); err != nil {
		t.Fatalf("frame 1 failed: %v", err)
	}

	fb2 := toneMapLayer(true, 1920, 1080)
	fb2.Composition = display.CompositionGPUTarget
	if err := runFrame(m, stackOf(&display.Layer{Composition: display.CompositionGPU}, fb2)); err != nil {
		t.Fatalf("frame 2 failed: %v", err)
	}

	if factory.totalBlits() != 2 {
		t.Errorf("GPU composed frames need a fresh blit, got %d blits", factory.totalBlits())
	}
	if m.FrameBufferSessionIndex() != 0 || m.Stats().Reuses != 1 {
		t.Error("frame buffer session should be reused")
	}
}

func TestPostCommitIndexCompaction(t *testing.T) {
	m, _, _ := newTestManager(Options{})
	defer m.Terminate()

	gpuLayer := func() *display.Layer { return &display.Layer{Composition: display.CompositionGPU} }
	layerA := func() *display.Layer { return toneMapLayer(true, 640, 480) }
	layerB := func() *display.Layer { return toneMapLayer(false, 640, 480) }
	fbLayer := func() *display.Layer {
		l := toneMapLayer(true, 1920, 1080)
		l.Composition = display.CompositionGPUTarget
		return l
	}

	// Sessions: 0=A, 1=B, 2=frame buffer.
	if err := runFrame(m, stackOf(layerA(), layerB(), gpuLayer(), fbLayer())); err != nil {
		t.Fatalf("frame 1 failed: %v", err)
	}
	if m.SessionCount() != 3 || m.FrameBufferSessionIndex() != 2 {
		t.Fatalf("Expected 3 sessions with fb at 2, got %d fb=%d", m.SessionCount(), m.FrameBufferSessionIndex())
	}

	// Removing index 0, below the frame buffer session, shifts it down.
	if err := runFrame(m, stackOf(layerB(), gpuLayer(), fbLayer())); err != nil {
		t.Fatalf("frame 2 failed: %v", err)
	}
	if m.SessionCount() != 2 || m.FrameBufferSessionIndex() != 1 {
		t.Fatalf("Expected fb index 1 after compaction, got %d (sessions %d)", m.FrameBufferSessionIndex(), m.SessionCount())
	}
	if snap := m.Snapshot(); !snap[1].FrameBuffer || snap[1].Width != 1920 {
		t.Errorf("snapshot should mark session 1 as frame buffer: %+v", snap)
	}

	// Removing the frame buffer session itself clears the index.
	if err := runFrame(m, stackOf(layerB())); err != nil {
		t.Fatalf("frame 3 failed: %v", err)
	}
	if m.SessionCount() != 1 || m.FrameBufferSessionIndex() != -1 {
		t.Fatalf("Expected fb index -1, got %d (sessions %d)", m.FrameBufferSessionIndex(), m.SessionCount())
	}
}

func TestPostCommitRemovalAboveFrameBuffer(t *testing.T) {
	m, _, _ := newTestManager(Options{})
	defer m.Terminate()

	gpuLayer := &display.Layer{Composition: display.CompositionGPU}
	fb := toneMapLayer(true, 1920, 1080)
	fb.Composition = display.CompositionGPUTarget

	// Sessions: 0=frame buffer, 1=A.
	if err := runFrame(m, stackOf(gpuLayer, fb, toneMapLayer(false, 640, 480))); err != nil {
		t.Fatalf("frame 1 failed: %v", err)
	}
	if m.FrameBufferSessionIndex() != 0 || m.SessionCount() != 2 {
		t.Fatalf("unexpected setup: fb=%d sessions=%d", m.FrameBufferSessionIndex(), m.SessionCount())
	}

	fb2 := toneMapLayer(true, 1920, 1080)
	fb2.Composition = display.CompositionGPUTarget
	if err := runFrame(m, stackOf(&display.Layer{Composition: display.CompositionGPU}, fb2)); err != nil {
		t.Fatalf("frame 2 failed: %v", err)
	}
	if m.SessionCount() != 1 || m.FrameBufferSessionIndex() != 0 {
		t.Errorf("removal above the frame buffer must not move it: fb=%d sessions=%d",
			m.FrameBufferSessionIndex(), m.SessionCount())
	}
}

func TestPostCommitDestroysOnlyUnused(t *testing.T) {
	m, alloc, factory := newTestManager(Options{})
	defer m.Terminate()

	if err := runFrame(m, stackOf(toneMapLayer(true, 64, 64), toneMapLayer(false, 64, 64))); err != nil {
		t.Fatalf("frame 1 failed: %v", err)
	}
	survivor := m.sessions[1].ID()

	if err := runFrame(m, stackOf(toneMapLayer(false, 64, 64))); err != nil {
		t.Fatalf("frame 2 failed: %v", err)
	}

	if m.SessionCount() != 1 || m.sessions[0].ID() != survivor {
		t.Fatal("only the unused session should be destroyed")
	}
	if alloc.Stats().LiveBuffers != NumIntermediateBuffers {
		t.Errorf("Expected %d live buffers, got %d", NumIntermediateBuffers, alloc.Stats().LiveBuffers)
	}
	if factory.openEngines() != 1 {
		t.Errorf("Expected 1 open engine, got %d", factory.openEngines())
	}
	if m.Stats().SessionsDestroyed != 1 {
		t.Errorf("Expected 1 destroyed session, got %d", m.Stats().SessionsDestroyed)
	}
}

func TestPostCommitRecordsReleaseFence(t *testing.T) {
	m, _, _ := newTestManager(Options{})
	defer m.Terminate()

	layer := toneMapLayer(true, 64, 64)
	stack := stackOf(layer)
	if err := m.HandleFrame(stack); err != nil {
		t.Fatalf("HandleFrame failed: %v", err)
	}

	release, signal, err := fence.New("release")
	if err != nil {
		t.Fatalf("fence.New failed: %v", err)
	}
	defer signal.Signal()
	layer.InputBuffer.SetReleaseFence(release)

	m.PostCommit(stack)

	recorded := m.sessions[0].ReleaseFence()
	if recorded == nil {
		t.Fatal("release fence should be recorded on the session")
	}
	if recorded == release || recorded.Fd() == release.Fd() {
		t.Error("session should hold its own copy of the release fence")
	}

	stack.Close()
	if recorded.Fd() == -1 {
		t.Error("session copy must outlive the layer's fence")
	}
}

func TestReusedSlotWaitsForReleaseFence(t *testing.T) {
	m, _, factory := newTestManager(Options{})
	defer m.Terminate()

	first := toneMapLayer(true, 64, 64)
	stack := stackOf(first)
	if err := m.HandleFrame(stack); err != nil {
		t.Fatalf("frame 1 failed: %v", err)
	}

	release, signal, err := fence.New("release")
	if err != nil {
		t.Fatalf("fence.New failed: %v", err)
	}
	defer signal.Signal()
	first.InputBuffer.SetReleaseFence(release)
	m.PostCommit(stack)
	stack.Close()

	for frame := 2; frame <= NumIntermediateBuffers+1; frame++ {
		if err := runFrame(m, stackOf(toneMapLayer(true, 64, 64))); err != nil {
			t.Fatalf("frame %d failed: %v", frame, err)
		}
	}

	if len(factory.engines) != 1 {
		t.Fatalf("Expected 1 engine, got %d", len(factory.engines))
	}
	blits := factory.engines[0].blits
	if len(blits) != NumIntermediateBuffers+1 {
		t.Fatalf("Expected %d blits, got %d", NumIntermediateBuffers+1, len(blits))
	}
	for i, b := range blits[:NumIntermediateBuffers] {
		if !b.ready {
			t.Errorf("blit %d should not wait on anything pending", i)
		}
	}

	last := blits[NumIntermediateBuffers]
	if last.dst != blits[0].dst {
		t.Fatalf("blit %d should reuse the first slot", NumIntermediateBuffers)
	}
	if last.ready {
		t.Error("reused slot must wait for its unsignaled release fence")
	}
}

func TestTerminate(t *testing.T) {
	m, alloc, factory := newTestManager(Options{})

	fb := toneMapLayer(true, 1920, 1080)
	fb.Composition = display.CompositionGPUTarget
	if err := runFrame(m, stackOf(toneMapLayer(false, 64, 64), &display.Layer{Composition: display.CompositionGPU}, fb)); err != nil {
		t.Fatalf("frame failed: %v", err)
	}

	m.Terminate()

	if m.SessionCount() != 0 || m.FrameBufferSessionIndex() != -1 {
		t.Error("Terminate should drop every session")
	}
	if alloc.Stats().LiveBuffers != 0 || factory.openEngines() != 0 {
		t.Error("Terminate leaked buffers or engines")
	}

	m.Terminate()
}

func TestFrameDump(t *testing.T) {
	dir := t.TempDir()
	m, _, _ := newTestManager(Options{DumpDir: dir})
	defer m.Terminate()

	m.SetFrameDumpConfig(1)

	if err := runFrame(m, stackOf(toneMapLayer(true, 60, 4))); err != nil {
		t.Fatalf("frame 1 failed: %v", err)
	}
	if err := runFrame(m, stackOf(toneMapLayer(true, 60, 4))); err != nil {
		t.Fatalf("frame 2 failed: %v", err)
	}

	// 60 pixels are stored 64 wide.
	path := DumpPath(dir, 64, 4, 0)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("dump not written: %v", err)
	}
	if len(data) != 64*4*4 {
		t.Errorf("Expected %d bytes, got %d", 64*4*4, len(data))
	}

	if _, err := os.Stat(DumpPath(dir, 64, 4, 1)); !os.IsNotExist(err) {
		t.Error("only one frame should be dumped")
	}
	if m.Stats().Dumps != 1 {
		t.Errorf("Expected 1 dump, got %d", m.Stats().Dumps)
	}
}

func TestFrameDumpSkipsUnmappable(t *testing.T) {
	dir := t.TempDir()
	m, _, _ := newTestManager(Options{DumpDir: dir})
	defer m.Terminate()

	m.SetFrameDumpConfig(1)

	layer := toneMapLayer(true, 64, 4)
	layer.Request.Flags.Secure = true
	if err := runFrame(m, stackOf(layer)); err != nil {
		t.Fatalf("dump failure must not fail the frame: %v", err)
	}

	if _, err := os.Stat(DumpPath(dir, 64, 4, 0)); !os.IsNotExist(err) {
		t.Error("secure output must not be dumped")
	}
	if m.dumpFrameCount != 1 {
		t.Errorf("mapping failure should keep the dump pending, count %d", m.dumpFrameCount)
	}
}

func TestFrameDumpWriteFailureConsumesCount(t *testing.T) {
	dir := t.TempDir()
	m, _, _ := newTestManager(Options{DumpDir: dir})
	defer m.Terminate()

	// A regular file where the dump directory belongs makes every write fail.
	if err := os.WriteFile(filepath.Join(dir, DumpSubdir), nil, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	m.SetFrameDumpConfig(2)
	if err := runFrame(m, stackOf(toneMapLayer(true, 64, 4))); err != nil {
		t.Fatalf("dump failure must not fail the frame: %v", err)
	}

	if m.dumpFrameCount != 1 {
		t.Errorf("write failure should still consume a dump, count %d", m.dumpFrameCount)
	}
	if m.dumpFrameIndex != 1 {
		t.Errorf("write failure should advance the frame index, got %d", m.dumpFrameIndex)
	}
	if m.Stats().Dumps != 0 {
		t.Errorf("Expected 0 dumps, got %d", m.Stats().Dumps)
	}
}

func TestDumpPath(t *testing.T) {
	got := DumpPath("/data/dump", 1920, 1080, 3)
	want := "/data/dump/frame_dump_primary/tonemap_1920x1080_frame3.raw"
	if got != want {
		t.Errorf("DumpPath = %s, want %s", got, want)
	}
}

func TestSnapshot(t *testing.T) {
	m, _, _ := newTestManager(Options{})
	defer m.Terminate()

	if err := m.HandleFrame(stackOf(toneMapLayer(true, 1000, 500))); err != nil {
		t.Fatalf("HandleFrame failed: %v", err)
	}

	snap := m.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(snap))
	}
	info := snap[0]
	if info.Width != 1000 || info.Height != 500 || !info.Acquired || info.LayerIndex != 0 {
		t.Errorf("unexpected snapshot %+v", info)
	}
	if info.Config.Format != gralloc.FormatRGBA8888 {
		t.Errorf("unexpected format %v", info.Config.Format)
	}
}

func TestParseDumpName(t *testing.T) {
	w, h, frame, err := ParseDumpName(DumpPath("/tmp", 1984, 1080, 12))
	if err != nil {
		t.Fatalf("ParseDumpName failed: %v", err)
	}
	if w != 1984 || h != 1080 || frame != 12 {
		t.Errorf("got %dx%d frame %d", w, h, frame)
	}

	if _, _, _, err := ParseDumpName("/tmp/picture.png"); !errors.Is(err, ErrNotDump) {
		t.Errorf("Expected ErrNotDump, got %v", err)
	}
}

func TestDecodeDump(t *testing.T) {
	data := []byte{
		10, 20, 30, 255, 40, 50, 60, 128,
		70, 80, 90, 0, 100, 110, 120, 1,
	}
	img, err := DecodeDump(data, 2, 2, gralloc.FormatRGBA8888)
	if err != nil {
		t.Fatalf("DecodeDump failed: %v", err)
	}
	if c := img.NRGBAAt(1, 1); c.R != 100 || c.G != 110 || c.B != 120 || c.A != 1 {
		t.Errorf("unexpected pixel %+v", c)
	}

	// Full-scale red with opaque alpha in 10:10:10:2.
	packed := []byte{0xff, 0x03, 0x00, 0xc0}
	img, err = DecodeDump(packed, 1, 1, gralloc.FormatRGBA1010102)
	if err != nil {
		t.Fatalf("DecodeDump failed: %v", err)
	}
	if c := img.NRGBAAt(0, 0); c.R != 255 || c.G != 0 || c.B != 0 || c.A != 255 {
		t.Errorf("unexpected pixel %+v", c)
	}

	if _, err := DecodeDump(data[:8], 2, 2, gralloc.FormatRGBA8888); err == nil {
		t.Error("Expected error for short data")
	}
	if _, err := DecodeDump(data, 1, 1, gralloc.FormatUnknown); err == nil {
		t.Error("Expected error for unknown format")
	}
}

func TestDecodeDumpFP16(t *testing.T) {
	// 1.0, 0.5, 0.0, 2.0 as half floats.
	half := []byte{0x00, 0x3c, 0x00, 0x38, 0x00, 0x00, 0x00, 0x40}
	img, err := DecodeDump(half, 1, 1, gralloc.FormatRGBAFP16)
	if err != nil {
		t.Fatalf("DecodeDump failed: %v", err)
	}
	if c := img.NRGBAAt(0, 0); c.R != 255 || c.G != 128 || c.B != 0 || c.A != 255 {
		t.Errorf("unexpected pixel %+v", c)
	}
}

func TestHalfToFloat32(t *testing.T) {
	tests := []struct {
		half uint16
		want float32
	}{
		{0x0000, 0},
		{0x3c00, 1},
		{0xc000, -2},
		{0x3555, 0.333251953125},
		{0x0001, 5.960464477539063e-08},
		{0x7bff, 65504},
	}
	for _, tt := range tests {
		if got := halfToFloat32(tt.half); got != tt.want {
			t.Errorf("halfToFloat32(%#04x) = %v, want %v", tt.half, got, tt.want)
		}
	}
	if f := halfToFloat32(0x7c00); !math.IsInf(float64(f), 1) {
		t.Errorf("Expected +Inf, got %v", f)
	}
}
