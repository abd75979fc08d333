package tonemap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/xupit3r/tonemapper/internal/fence"
	"github.com/xupit3r/tonemapper/internal/gralloc"
	"github.com/xupit3r/tonemapper/internal/logging"
)

// DumpSubdir is the directory under the dump root that holds tone-map output
const DumpSubdir = "frame_dump_primary"

// DumpPath returns the file a dumped frame is written to.
func DumpPath(dumpDir string, width, height, frame uint32) string {
	return filepath.Join(dumpDir, DumpSubdir, fmt.Sprintf("tonemap_%dx%d_frame%d.raw", width, height, frame))
}

// dumpOutput writes the raw content of the session's current slot once done
// has signaled. Failures are logged and never affect the frame. A mapping
// failure leaves the dump count untouched so the next blit is tried instead.
func (m *Manager) dumpOutput(session *Session, done *fence.Fence) {
	if m.dumpFrameCount == 0 {
		return
	}

	handle := session.currentBuffer().Alloc.Handle
	log := logging.WithFields(logrus.Fields{"session": session.id, "frame": m.dumpFrameIndex})

	if err := fence.Wait(done); err != nil {
		log.Warnf("waiting for tone-map output: %v", err)
	}

	data, err := m.alloc.MapForRead(handle, done)
	if err != nil {
		log.Errorf("MapBuffer failed: %v", err)
		return
	}
	defer func() {
		if err := m.alloc.Unmap(handle, data); err != nil {
			log.Warnf("unmapping dump buffer: %v", err)
		}
	}()

	width, _ := m.alloc.Width(handle)
	height, _ := m.alloc.Height(handle)
	size, _ := m.alloc.AllocationSize(handle)
	if int(size) > len(data) {
		size = uint32(len(data))
	}

	path := DumpPath(m.opts.DumpDir, width, height, m.dumpFrameIndex)
	if err := writeDump(path, data[:size]); err != nil {
		log.Errorf("writing dump: %v", err)
	} else {
		m.stats.Dumps++
		log.Infof("dumped tone-map output to %s", path)
	}

	m.dumpFrameCount--
	m.dumpFrameIndex++
}

func writeDump(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating dump directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

var dumpNameRegex = regexp.MustCompile(`^tonemap_(\d+)x(\d+)_frame(\d+)\.raw$`)

// ErrNotDump is returned for files not named like a tone-map dump
var ErrNotDump = errors.New("not a tone-map dump file")

// ParseDumpName recovers the aligned geometry and frame index from a dump
// file name as produced by DumpPath.
func ParseDumpName(path string) (width, height, frame uint32, err error) {
	m := dumpNameRegex.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0, 0, 0, fmt.Errorf("%w: %s", ErrNotDump, filepath.Base(path))
	}
	vals := make([]uint32, 3)
	for i := range vals {
		v, err := strconv.ParseUint(m[i+1], 10, 32)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("%w: %s", ErrNotDump, filepath.Base(path))
		}
		vals[i] = uint32(v)
	}
	return vals[0], vals[1], vals[2], nil
}

// DecodeDump turns the raw content of a dump into an image. Rows are
// width pixels long, the aligned width the dump was named with.
func DecodeDump(data []byte, width, height uint32, format gralloc.PixelFormat) (*image.NRGBA, error) {
	bpp := format.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("cannot decode %s dumps", format)
	}
	need := uint64(width) * uint64(height) * uint64(bpp)
	if uint64(len(data)) < need {
		return nil, fmt.Errorf("dump holds %d bytes, %dx%d %s needs %d", len(data), width, height, format, need)
	}

	img := image.NewNRGBA(image.Rect(0, 0, int(width), int(height)))
	switch format {
	case gralloc.FormatRGBA8888:
		copy(img.Pix, data[:need])
	case gralloc.FormatRGBA1010102:
		for i := 0; i < int(width*height); i++ {
			v := binary.LittleEndian.Uint32(data[i*4:])
			img.Pix[i*4] = uint8((v & 0x3ff) >> 2)
			img.Pix[i*4+1] = uint8(((v >> 10) & 0x3ff) >> 2)
			img.Pix[i*4+2] = uint8(((v >> 20) & 0x3ff) >> 2)
			img.Pix[i*4+3] = uint8((v >> 30) * 85)
		}
	case gralloc.FormatRGBAFP16:
		for i := 0; i < int(width*height)*4; i++ {
			img.Pix[i] = unitToByte(halfToFloat32(binary.LittleEndian.Uint16(data[i*2:])))
		}
	}
	return img, nil
}

// unitToByte clamps v to [0, 1] and scales it to 8 bits
func unitToByte(v float32) uint8 {
	switch {
	case v != v || v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}

// halfToFloat32 widens an IEEE 754 half-precision value
func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	mantissa := uint32(h & 0x3ff)

	switch {
	case exp == 0 && mantissa == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// Subnormal: normalize the mantissa.
		shift := uint32(0)
		for mantissa&0x400 == 0 {
			mantissa <<= 1
			shift++
		}
		mantissa &= 0x3ff
		return math.Float32frombits(sign | (127-14-shift)<<23 | mantissa<<13)
	case exp == 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | mantissa<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | mantissa<<13)
	}
}
