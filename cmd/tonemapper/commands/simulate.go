package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/xupit3r/tonemapper/internal/config"
	"github.com/xupit3r/tonemapper/internal/simulate"
	"github.com/xupit3r/tonemapper/internal/tonemap"
)

var perFrame bool

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run synthetic frames through the session manager",
	Long: `Drive the tone-map session manager with generated layer stacks and
report how sessions were created, reused and destroyed.

Flags override the simulate section of the configuration file.

Examples:
  tonemapper simulate --frames 120 --layers 2
  tonemapper simulate --frame-buffer --resize-at 30 --per-frame
  tonemapper simulate --dump 3`,
	RunE: runSimulate,
}

func init() {
	addSimulateFlags(simulateCmd.Flags())
	simulateCmd.Flags().BoolVar(&perFrame, "per-frame", false, "print a row per frame")

	rootCmd.AddCommand(simulateCmd)
}

// addSimulateFlags registers the flags that override the simulate section
func addSimulateFlags(flags *pflag.FlagSet) {
	flags.Int("frames", 0, "number of frames to run")
	flags.Int("layers", 0, "tone-mapped device layers per frame")
	flags.Uint32("width", 0, "layer width")
	flags.Uint32("height", 0, "layer height")
	flags.String("format", "", "output format (RGBA8888, RGBA1010102, RGBA_FP16)")
	flags.Bool("hdr", true, "layers carry HDR content")
	flags.Bool("secure", false, "layers carry secure content")
	flags.Uint32("lut-dim", 0, "3D LUT dimension")
	flags.Bool("frame-buffer", false, "add a GPU composed layer and frame buffer target")
	flags.Int("resize-at", 0, "halve the geometry from this frame on")
	flags.Int("idle-every", 0, "every Nth frame has no tone-map layers")
	flags.Uint32("dump", 0, "dump the output of the first N blits")
}

// applySimulateFlags copies explicitly set flags over the configuration
func applySimulateFlags(cmd *cobra.Command, c *config.Config) error {
	flags := cmd.Flags()
	s := &c.Simulate

	var err error
	set := func(name string, apply func()) {
		if err == nil && flags.Changed(name) {
			apply()
		}
	}
	set("frames", func() { s.Frames, err = flags.GetInt("frames") })
	set("layers", func() { s.Layers, err = flags.GetInt("layers") })
	set("width", func() { s.Width, err = flags.GetUint32("width") })
	set("height", func() { s.Height, err = flags.GetUint32("height") })
	set("format", func() { s.Format, err = flags.GetString("format") })
	set("hdr", func() { s.HDR, err = flags.GetBool("hdr") })
	set("secure", func() { s.Secure, err = flags.GetBool("secure") })
	set("lut-dim", func() { s.LutDim, err = flags.GetUint32("lut-dim") })
	set("frame-buffer", func() { s.FrameBuffer, err = flags.GetBool("frame-buffer") })
	set("resize-at", func() { s.ResizeAtFrame, err = flags.GetInt("resize-at") })
	set("idle-every", func() { s.IdleEveryFrame, err = flags.GetInt("idle-every") })
	set("dump", func() { c.Dump.FrameCount, err = flags.GetUint32("dump") })
	if err != nil {
		return err
	}
	return c.Validate()
}

func runSimulate(cmd *cobra.Command, args []string) error {
	if err := applySimulateFlags(cmd, cfg); err != nil {
		return err
	}

	sim, err := NewSimulator(cfg)
	if err != nil {
		return err
	}
	defer sim.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	frames, err := sim.Run(ctx, nil)
	if err != nil && err != context.Canceled {
		return err
	}

	if perFrame {
		renderFrames(out, frames)
		fmt.Fprintln(out)
	}
	renderSessionTable(out, sim.Manager().Snapshot())
	fmt.Fprintln(out)
	renderTotals(out, simulate.Summarize(frames), sim.Manager().Stats())

	if cfg.Dump.FrameCount > 0 {
		fmt.Fprintf(out, "\nDumps written under %s\n", cfg.Dump.Dir)
	}
	return nil
}

func renderFrames(w io.Writer, frames []simulate.FrameStats) {
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Frame", "Geometry", "Layers", "Sessions", "Created", "Destroyed", "Reuses", "FB reuses", "Blits", "Status"})

	for _, f := range frames {
		status := "ok"
		switch {
		case f.Failed:
			status = "failed"
		case f.Idle:
			status = "idle"
		}
		table.Append([]string{
			strconv.Itoa(f.Frame),
			fmt.Sprintf("%dx%d", f.Width, f.Height),
			strconv.Itoa(f.ToneMapped),
			strconv.Itoa(f.Sessions),
			strconv.FormatInt(f.Created, 10),
			strconv.FormatInt(f.Destroyed, 10),
			strconv.FormatInt(f.Reuses, 10),
			strconv.FormatInt(f.FBReuses, 10),
			strconv.FormatInt(f.Blits, 10),
			status,
		})
	}
	table.Render()
}

func renderSessionTable(w io.Writer, sessions []tonemap.SessionInfo) {
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Index", "ID", "Config", "Geometry", "Slot", "Frame buffer"})

	for _, s := range sessions {
		fb := ""
		if s.FrameBuffer {
			fb = "yes"
		}
		table.Append([]string{
			strconv.Itoa(s.Index),
			strconv.FormatUint(s.ID, 10),
			s.Config.String(),
			fmt.Sprintf("%dx%d", s.Width, s.Height),
			strconv.Itoa(s.Cursor),
			fb,
		})
	}
	table.Render()
}

func renderTotals(w io.Writer, t simulate.Totals, stats tonemap.Stats) {
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Metric", "Value"})

	table.Append([]string{"Frames", strconv.Itoa(t.Frames)})
	table.Append([]string{"Failed frames", strconv.Itoa(t.Failed)})
	table.Append([]string{"Sessions created", strconv.FormatInt(t.Created, 10)})
	table.Append([]string{"Sessions destroyed", strconv.FormatInt(t.Destroyed, 10)})
	table.Append([]string{"Peak sessions", strconv.Itoa(t.PeakSessions)})
	table.Append([]string{"Session reuses", strconv.FormatInt(t.Reuses, 10)})
	table.Append([]string{"Frame buffer reuses", strconv.FormatInt(t.FBReuses, 10)})
	table.Append([]string{"Blits", strconv.FormatInt(stats.Blits, 10)})
	table.Append([]string{"Dumps", strconv.FormatInt(stats.Dumps, 10)})
	if t.Frames > 0 {
		table.Append([]string{"Mean frame time", (t.Elapsed / time.Duration(t.Frames)).String()})
	}
	table.Render()
}
