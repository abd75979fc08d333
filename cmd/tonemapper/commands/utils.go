package commands

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/xupit3r/tonemapper/internal/config"
	"github.com/xupit3r/tonemapper/internal/engine"
	"github.com/xupit3r/tonemapper/internal/gralloc"
	"github.com/xupit3r/tonemapper/internal/logging"
	"github.com/xupit3r/tonemapper/internal/simulate"
	"github.com/xupit3r/tonemapper/internal/system"
	"github.com/xupit3r/tonemapper/internal/tonemap"
)

// NewAllocator returns the allocator selected by the configuration
func NewAllocator(c *config.Config) (gralloc.Allocator, error) {
	opts := gralloc.Options{Alignment: uint32(c.Allocator.Alignment)}
	if c.Allocator.MemoryFraction > 0 {
		budget, err := system.BufferBudget(c.Allocator.MemoryFraction)
		if err != nil {
			return nil, fmt.Errorf("sizing buffer budget: %w", err)
		}
		opts.MaxBytes = budget
		logging.Infof("Buffer budget: %s", system.FormatBytes(budget))
	}

	alloc, err := gralloc.New(c.Allocator.Backend, opts)
	if err != nil {
		return nil, fmt.Errorf("creating allocator: %w", err)
	}
	return alloc, nil
}

// NewManager wires an allocator and engine factory into a session manager
func NewManager(c *config.Config) (*tonemap.Manager, gralloc.Allocator, error) {
	alloc, err := NewAllocator(c)
	if err != nil {
		return nil, nil, err
	}

	factory, err := engine.NewFactory(c.Engine.Backend, alloc, c.Engine.AllowSecure)
	if err != nil {
		return nil, nil, fmt.Errorf("creating engine factory: %w", err)
	}

	mgr := tonemap.NewManager(alloc, factory, tonemap.Options{
		DumpDir:     c.Dump.Dir,
		MaxSessions: c.Allocator.MaxSessions,
	})
	if c.Dump.FrameCount > 0 {
		mgr.SetFrameDumpConfig(c.Dump.FrameCount)
	}

	logging.Infof("Using allocator %s with engine %s", alloc.Name(), factory.Name())
	return mgr, alloc, nil
}

// NewSimulator builds a manager and a simulator from the configuration
func NewSimulator(c *config.Config) (*simulate.Simulator, error) {
	opts, err := simulate.OptionsFromConfig(c.Simulate)
	if err != nil {
		return nil, err
	}

	mgr, alloc, err := NewManager(c)
	if err != nil {
		return nil, err
	}

	sim, err := simulate.New(mgr, alloc, opts)
	if err != nil {
		mgr.Terminate()
		return nil, err
	}
	return sim, nil
}

// isTerminal reports whether w is an interactive terminal
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
