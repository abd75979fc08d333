package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Allocator AllocatorConfig `mapstructure:"allocator" yaml:"allocator"`
	Engine    EngineConfig    `mapstructure:"engine" yaml:"engine"`
	Dump      DumpConfig      `mapstructure:"dump" yaml:"dump"`
	Simulate  SimulateConfig  `mapstructure:"simulate" yaml:"simulate"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

type AllocatorConfig struct {
	Backend        string  `mapstructure:"backend" yaml:"backend"`
	Alignment      int     `mapstructure:"alignment" yaml:"alignment"`
	MemoryFraction float64 `mapstructure:"memory_fraction" yaml:"memory_fraction"` // Share of available RAM, 0 = unlimited
	MaxSessions    int     `mapstructure:"max_sessions" yaml:"max_sessions"`
}

type EngineConfig struct {
	Backend     string `mapstructure:"backend" yaml:"backend"`
	AllowSecure bool   `mapstructure:"allow_secure" yaml:"allow_secure"`
}

type DumpConfig struct {
	Dir        string `mapstructure:"dir" yaml:"dir"`
	FrameCount uint32 `mapstructure:"frame_count" yaml:"frame_count"`
}

type SimulateConfig struct {
	Frames         int    `mapstructure:"frames" yaml:"frames"`
	Layers         int    `mapstructure:"layers" yaml:"layers"`
	Width          uint32 `mapstructure:"width" yaml:"width"`
	Height         uint32 `mapstructure:"height" yaml:"height"`
	Format         string `mapstructure:"format" yaml:"format"`
	HDR            bool   `mapstructure:"hdr" yaml:"hdr"`
	Secure         bool   `mapstructure:"secure" yaml:"secure"`
	LutDim         uint32 `mapstructure:"lut_dim" yaml:"lut_dim"`
	FrameBuffer    bool   `mapstructure:"frame_buffer" yaml:"frame_buffer"`
	ResizeAtFrame  int    `mapstructure:"resize_at_frame" yaml:"resize_at_frame"`
	IdleEveryFrame int    `mapstructure:"idle_every" yaml:"idle_every"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	File    string `mapstructure:"file" yaml:"file"`
	Console bool   `mapstructure:"console" yaml:"console"`
}

// DefaultConfig returns configuration with default values
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	baseDir := filepath.Join(home, ".tonemapper")

	return &Config{
		Allocator: AllocatorConfig{
			Backend:        "heap",
			Alignment:      64,
			MemoryFraction: 0,
			MaxSessions:    0,
		},
		Engine: EngineConfig{
			Backend:     "software",
			AllowSecure: false,
		},
		Dump: DumpConfig{
			Dir:        filepath.Join(baseDir, "dump"),
			FrameCount: 0,
		},
		Simulate: SimulateConfig{
			Frames:         60,
			Layers:         1,
			Width:          1920,
			Height:         1080,
			Format:         "RGBA8888",
			HDR:            true,
			Secure:         false,
			LutDim:         17,
			FrameBuffer:    false,
			ResizeAtFrame:  0,
			IdleEveryFrame: 0,
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    filepath.Join(baseDir, "tonemapper.log"),
			Console: true,
		},
	}
}

// Load loads configuration from file, environment, and defaults
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	cfg := DefaultConfig()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("finding home directory: %w", err)
		}

		v.AddConfigPath(filepath.Join(home, ".tonemapper"))
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("TONEMAPPER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is okay, use defaults
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.ExpandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	validAllocators := []string{"heap", "memfd"}
	if !contains(validAllocators, c.Allocator.Backend) {
		return fmt.Errorf("allocator.backend must be one of: %v", validAllocators)
	}

	if c.Allocator.Alignment <= 0 || c.Allocator.Alignment&(c.Allocator.Alignment-1) != 0 {
		return errors.New("allocator.alignment must be a positive power of two")
	}

	if c.Allocator.MemoryFraction < 0 || c.Allocator.MemoryFraction > 1 {
		return errors.New("allocator.memory_fraction must be between 0 and 1")
	}

	if c.Allocator.MaxSessions < 0 {
		return errors.New("allocator.max_sessions must not be negative")
	}

	validEngines := []string{"software", "none"}
	if !contains(validEngines, c.Engine.Backend) {
		return fmt.Errorf("engine.backend must be one of: %v", validEngines)
	}

	if c.Simulate.Frames < 0 {
		return errors.New("simulate.frames must not be negative")
	}

	if c.Simulate.Width == 0 || c.Simulate.Height == 0 {
		return errors.New("simulate.width and simulate.height must be non-zero")
	}

	validFormats := []string{"RGBA8888", "RGBA1010102", "RGBA_FP16"}
	if !contains(validFormats, strings.ToUpper(c.Simulate.Format)) {
		return fmt.Errorf("simulate.format must be one of: %v", validFormats)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

// ExpandPaths expands ~ and environment variables in paths
func (c *Config) ExpandPaths() {
	c.Dump.Dir = expandPath(c.Dump.Dir)
	c.Logging.File = expandPath(c.Logging.File)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return os.ExpandEnv(path)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("allocator.backend", cfg.Allocator.Backend)
	v.SetDefault("allocator.alignment", cfg.Allocator.Alignment)
	v.SetDefault("allocator.memory_fraction", cfg.Allocator.MemoryFraction)
	v.SetDefault("allocator.max_sessions", cfg.Allocator.MaxSessions)

	v.SetDefault("engine.backend", cfg.Engine.Backend)
	v.SetDefault("engine.allow_secure", cfg.Engine.AllowSecure)

	v.SetDefault("dump.dir", cfg.Dump.Dir)
	v.SetDefault("dump.frame_count", cfg.Dump.FrameCount)

	v.SetDefault("simulate.frames", cfg.Simulate.Frames)
	v.SetDefault("simulate.layers", cfg.Simulate.Layers)
	v.SetDefault("simulate.width", cfg.Simulate.Width)
	v.SetDefault("simulate.height", cfg.Simulate.Height)
	v.SetDefault("simulate.format", cfg.Simulate.Format)
	v.SetDefault("simulate.hdr", cfg.Simulate.HDR)
	v.SetDefault("simulate.secure", cfg.Simulate.Secure)
	v.SetDefault("simulate.lut_dim", cfg.Simulate.LutDim)
	v.SetDefault("simulate.frame_buffer", cfg.Simulate.FrameBuffer)
	v.SetDefault("simulate.resize_at_frame", cfg.Simulate.ResizeAtFrame)
	v.SetDefault("simulate.idle_every", cfg.Simulate.IdleEveryFrame)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
}
