package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}

	if cfg.Simulate.LutDim != 17 {
		t.Errorf("Expected default lut dim 17, got %d", cfg.Simulate.LutDim)
	}
	if cfg.Dump.FrameCount != 0 {
		t.Errorf("Dumping should be disabled by default, got %d", cfg.Dump.FrameCount)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")

	content := `
allocator:
  backend: heap
  alignment: 32
dump:
  dir: ` + filepath.Join(tmpDir, "dumps") + `
  frame_count: 3
simulate:
  frames: 10
  width: 1280
  height: 720
  hdr: false
logging:
  level: debug
  console: false
`
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Allocator.Alignment != 32 {
		t.Errorf("Expected alignment 32, got %d", cfg.Allocator.Alignment)
	}
	if cfg.Dump.FrameCount != 3 {
		t.Errorf("Expected dump frame count 3, got %d", cfg.Dump.FrameCount)
	}
	if cfg.Simulate.Width != 1280 || cfg.Simulate.Height != 720 {
		t.Errorf("Expected 1280x720, got %dx%d", cfg.Simulate.Width, cfg.Simulate.Height)
	}
	if cfg.Simulate.HDR {
		t.Error("Expected hdr to be overridden to false")
	}
	// Untouched keys keep their defaults
	if cfg.Simulate.LutDim != 17 {
		t.Errorf("Expected default lut dim 17, got %d", cfg.Simulate.LutDim)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected debug level, got %s", cfg.Logging.Level)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"allocator backend", func(c *Config) { c.Allocator.Backend = "ion" }, "allocator.backend"},
		{"alignment", func(c *Config) { c.Allocator.Alignment = 48 }, "allocator.alignment"},
		{"memory fraction", func(c *Config) { c.Allocator.MemoryFraction = 1.5 }, "allocator.memory_fraction"},
		{"max sessions", func(c *Config) { c.Allocator.MaxSessions = -1 }, "allocator.max_sessions"},
		{"engine backend", func(c *Config) { c.Engine.Backend = "opengl" }, "engine.backend"},
		{"geometry", func(c *Config) { c.Simulate.Width = 0 }, "simulate.width"},
		{"format", func(c *Config) { c.Simulate.Format = "NV12" }, "simulate.format"},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestExpandPaths(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("No home directory: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Dump.Dir = "~/dumps"
	cfg.ExpandPaths()

	if cfg.Dump.Dir != filepath.Join(home, "dumps") {
		t.Errorf("Expected expanded path, got %s", cfg.Dump.Dir)
	}
}
