package commands

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"

	"github.com/xupit3r/tonemapper/internal/gralloc"
	"github.com/xupit3r/tonemapper/internal/tonemap"
)

var (
	dumpFormat string
	dumpWidth  uint32
	dumpOutExt string
	dumpScale  float64
	dumpOutDir string
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Work with tone-map frame dumps",
}

var dumpConvertCmd = &cobra.Command{
	Use:   "convert <file.raw>...",
	Short: "Convert raw frame dumps to images",
	Long: `Convert raw tone-map dumps into viewable images.

Geometry is read from the dump file name. Rows are stored at the aligned
width, so pass --width to crop away the padding.

Examples:
  tonemapper dump convert ~/.tonemapper/dump/frame_dump_primary/*.raw
  tonemapper dump convert --width 1920 --ext jpg tonemap_1920x1080_frame0.raw`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDumpConvert,
}

func init() {
	dumpConvertCmd.Flags().StringVar(&dumpFormat, "format", "RGBA8888", "pixel format of the dump")
	dumpConvertCmd.Flags().Uint32Var(&dumpWidth, "width", 0, "visible width to crop to (0 = keep padding)")
	dumpConvertCmd.Flags().StringVar(&dumpOutExt, "ext", "png", "output image type (png, jpg, tiff, bmp, gif)")
	dumpConvertCmd.Flags().Float64Var(&dumpScale, "scale", 1, "resize factor applied after cropping")
	dumpConvertCmd.Flags().StringVarP(&dumpOutDir, "output", "o", "", "output directory (default is next to the dump)")

	dumpCmd.AddCommand(dumpConvertCmd)
	rootCmd.AddCommand(dumpCmd)
}

func runDumpConvert(cmd *cobra.Command, args []string) error {
	format, err := gralloc.ParseFormat(dumpFormat)
	if err != nil {
		return err
	}
	if _, err := imaging.FormatFromExtension(dumpOutExt); err != nil {
		return fmt.Errorf("unsupported output type %q: %w", dumpOutExt, err)
	}

	for _, path := range args {
		out, err := convertDump(path, format, ConvertOptions{
			Width:  dumpWidth,
			Scale:  dumpScale,
			Ext:    dumpOutExt,
			OutDir: dumpOutDir,
		})
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", path, out)
	}
	return nil
}

// ConvertOptions controls how a dump is turned into an image
type ConvertOptions struct {
	Width  uint32  // Visible width, 0 keeps the aligned width
	Scale  float64 // Resize factor, 1 keeps the size
	Ext    string  // Output extension
	OutDir string  // Output directory, empty writes next to the dump
}

// convertDump decodes one dump and saves it as an image, returning the
// path written.
func convertDump(path string, format gralloc.PixelFormat, opts ConvertOptions) (string, error) {
	width, height, _, err := tonemap.ParseDumpName(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading dump: %w", err)
	}

	img, err := tonemap.DecodeDump(data, width, height, format)
	if err != nil {
		return "", err
	}

	result := img
	if opts.Width > 0 && opts.Width < width {
		result = imaging.Crop(result, image.Rect(0, 0, int(opts.Width), int(height)))
	}
	if opts.Scale > 0 && opts.Scale != 1 {
		w := int(float64(result.Bounds().Dx()) * opts.Scale)
		result = imaging.Resize(result, max(w, 1), 0, imaging.Lanczos)
	}

	dir := opts.OutDir
	if dir == "" {
		dir = filepath.Dir(path)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}

	ext := strings.TrimPrefix(opts.Ext, ".")
	if ext == "" {
		ext = "png"
	}
	out := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))+"."+ext)
	if err := imaging.Save(result, out); err != nil {
		return "", fmt.Errorf("saving image: %w", err)
	}
	return out, nil
}
