// Package imaging is the default image post-processing collaborator: it
// decodes downloaded bytes, scales them to the variant dimensions, and
// re-encodes the result as PNG for persistence.
package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"

	// Registered decoders for the formats avatars arrive in.
	_ "image/gif"
	_ "image/jpeg"

	"golang.org/x/image/draw"

	"github.com/sievert/avatarcache/pkg/errors"
)

// Variant selects the rendered form of an identity's image.
type Variant int

const (
	// Small is the list-sized rendering.
	Small Variant = iota
	// Large is the profile-sized rendering.
	Large
)

func (v Variant) String() string {
	if v == Large {
		return "large"
	}
	return "small"
}

// Side returns the square edge length in pixels for the variant.
func (v Variant) Side() int {
	if v == Large {
		return largeSide
	}
	return smallSide
}

const (
	smallSide = 48
	largeSide = 128
)

// Processor implements the transform and decode operations with the
// standard image decoders and x/image scaling.
type Processor struct{}

// NewProcessor creates a Processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// Transform decodes raw bytes, scales them to the variant dimensions, and
// returns the renderable image together with PNG bytes for persistence.
func (p *Processor) Transform(raw []byte, v Variant) (image.Image, []byte, error) {
	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to decode image")
	}

	side := v.Side()
	dst := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, nil, errors.Wrap(err, "failed to encode variant")
	}

	slog.Info("image_transformed", "variant", v.String(), "source_format", format, "side", side)
	return dst, buf.Bytes(), nil
}

// Decode loads a persisted artifact into a renderable image. Any error is
// reported as absence.
func (p *Processor) Decode(path string) (image.Image, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		slog.Warn("image_decode_failed", "path", path, "error", err)
		return nil, false
	}
	return img, true
}

// Placeholder returns the fixed default image handed out while a fetch is
// still in flight.
func Placeholder() image.Image {
	side := Small.Side()
	img := image.NewRGBA(image.Rect(0, 0, side, side))
	gray := color.RGBA{R: 0xcc, G: 0xcc, B: 0xcc, A: 0xff}
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			img.SetRGBA(x, y, gray)
		}
	}
	return img
}
