// internal/imaging/resize.go
package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// CapabilityName is the capability served by Resizer.
const CapabilityName = "resize"

var (
	ErrInvalidOptions = errors.New("invalid resize options")
	ErrUndecodable    = errors.New("undecodable image")
)

// Validate reads only the image header and reports whether payload is in a
// format Work can decode.
func Validate(payload []byte) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("%w: empty bounds %dx%d", ErrUndecodable, cfg.Width, cfg.Height)
	}
	return nil
}

// Resizer downscales encoded images.
type Resizer struct {
	Ratio   float64
	Quality int
}

// NewResizer validates ratio in (0, 1] and quality in [1, 100].
func NewResizer(ratio float64, quality int) (*Resizer, error) {
	if ratio <= 0 || ratio > 1 {
		return nil, fmt.Errorf("%w: ratio %v not in (0, 1]", ErrInvalidOptions, ratio)
	}
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("%w: jpeg quality %d not in [1, 100]", ErrInvalidOptions, quality)
	}
	return &Resizer{Ratio: ratio, Quality: quality}, nil
}

// Work decodes payload, scales it by the ratio and re-encodes it. PNG input
// stays PNG; every other format is written as JPEG.
func (r *Resizer) Work(ctx context.Context, payload []byte) ([]byte, error) {
	src, format, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := src.Bounds()
	w := max(1, int(float64(b.Dx())*r.Ratio))
	h := max(1, int(float64(b.Dy())*r.Ratio))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	if format == "png" {
		err = png.Encode(&buf, dst)
	} else {
		err = jpeg.Encode(&buf, dst, &jpeg.Options{Quality: r.Quality})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s image: %w", format, err)
	}
	return buf.Bytes(), nil
}
