package commands

import (
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/xupit3r/tonemapper/internal/logging"
	"github.com/xupit3r/tonemapper/internal/tui"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch sessions live while the simulator runs",
	Long: `Open an interactive monitor that steps the simulator on a timer and
shows every live tone-map session with its configuration, buffer slot and
bound layer. Accepts the same flags as simulate.

Keys: Space pauses, n steps one frame while paused, c clears the log,
q exits.`,
	RunE: runWatch,
}

func init() {
	addSimulateFlags(watchCmd.Flags())
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 250*time.Millisecond, "time between frames")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	if !isTerminal(cmd.OutOrStdout()) {
		return errors.New("watch needs a terminal, use simulate instead")
	}
	if err := applySimulateFlags(cmd, cfg); err != nil {
		return err
	}

	// Log lines on stderr would tear the screen.
	if err := logging.Init(cfg.Logging.Level, cfg.Logging.File, false); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}

	sim, err := NewSimulator(cfg)
	if err != nil {
		return err
	}
	defer sim.Close()

	p := tea.NewProgram(tui.NewMonitorModel(sim, watchInterval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("failed to run monitor: %w", err)
	}
	return nil
}
