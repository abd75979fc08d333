package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xupit3r/tonemapper/internal/config"
	"github.com/xupit3r/tonemapper/internal/logging"
)

var (
	cfgFile string
	verbose bool
	quiet   bool

	// cfg is loaded before any subcommand runs
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "tonemapper",
	Short: "Tone-map session manager for display composition",
	Long: `Tonemapper manages the GPU tone-mapping sessions a display compositor
needs to convert HDR and SDR layers into the blend colour space.

It matches layers to cached sessions frame by frame, recycles their
intermediate buffers, and tears down sessions no longer in use. The
simulate and watch commands drive the manager with synthetic frames.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tonemapper/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode")

	// Bind flags to viper
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
}

// loadConfig reads the config file, environment and flags and sets up logging
func loadConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded

	level := cfg.Logging.Level
	switch {
	case viper.GetBool("verbose"):
		level = "debug"
	case viper.GetBool("quiet"):
		level = "error"
	}

	if err := logging.Init(level, cfg.Logging.File, cfg.Logging.Console && !quiet); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %v\n", err)
	}
	logging.Debugf("configuration loaded (allocator=%s engine=%s)", cfg.Allocator.Backend, cfg.Engine.Backend)
	return nil
}
