package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/xupit3r/tonemapper/internal/engine"
	"github.com/xupit3r/tonemapper/internal/gralloc"
	"github.com/xupit3r/tonemapper/internal/system"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show allocator, engine and system information",
	Long: `Display the buffer allocator and tone-map engine selected by the
configuration, check which backends work on this host, and report the
memory available to graphics buffers.`,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════")
	fmt.Fprintln(out, "  Tonemapper Information")
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════")
	fmt.Fprintln(out)

	alloc, err := NewAllocator(cfg)
	if err != nil {
		fmt.Fprintf(out, "❌ Allocator Error: %v\n\n", err)
		return err
	}
	factory, err := engine.NewFactory(cfg.Engine.Backend, alloc, cfg.Engine.AllowSecure)
	if err != nil {
		fmt.Fprintf(out, "❌ Engine Error: %v\n\n", err)
		return err
	}

	fmt.Fprintf(out, "✅ Allocator: %s\n", alloc.Name())
	fmt.Fprintf(out, "✅ Engine: %s (secure content: %v)\n", factory.Name(), cfg.Engine.AllowSecure)
	if cfg.Allocator.MaxSessions > 0 {
		fmt.Fprintf(out, "   Session limit: %d\n", cfg.Allocator.MaxSessions)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Allocator backends:")
	for _, backend := range []string{"heap", "memfd"} {
		status := "available"
		if _, err := gralloc.New(backend, gralloc.DefaultOptions()); err != nil {
			status = err.Error()
		}
		fmt.Fprintf(out, "  • %-6s %s\n", backend, status)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "System Information:")
	fmt.Fprintf(out, "   Platform: %s\n", system.GetPlatform())
	fmt.Fprintf(out, "   CPUs: %d\n", runtime.NumCPU())
	if info, err := system.GetRAMInfo(); err == nil {
		fmt.Fprintf(out, "   RAM: %s available of %s\n",
			system.FormatBytes(info.AvailableBytes), system.FormatBytes(info.TotalBytes))
	} else {
		fmt.Fprintf(out, "   RAM: unknown (%v)\n", err)
	}
	if cfg.Allocator.MemoryFraction > 0 {
		if budget, err := system.BufferBudget(cfg.Allocator.MemoryFraction); err == nil {
			fmt.Fprintf(out, "   Buffer budget: %s (%.0f%% of available)\n",
				system.FormatBytes(budget), cfg.Allocator.MemoryFraction*100)
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════")
	return nil
}
