// Package codec implements the encode primitive the compressor delegates all
// pixel work to: decoding source bytes, aspect-fit downscaling and encoding
// to PNG, WebP or JPEG.
package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	// Register the WebP decoder so WebP files are accepted as input.
	_ "golang.org/x/image/webp"

	"pixsqueeze/internal/compressor"
)

// Codec is the production Encoder. Its output is deterministic: identical
// pixels, format and quality produce identical bytes on a given build, which
// keeps repeated runs over the same input choosing the same strategy.
type Codec struct{}

// New creates a Codec.
func New() *Codec {
	return &Codec{}
}

// LoadSourceImage reads and decodes one file into a SourceImage. The decode
// start time is captured before any work so elapsed reporting covers the full
// pipeline.
func LoadSourceImage(path string) (*compressor.SourceImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return DecodeSourceImage(filepath.Base(path), data)
}

// DecodeSourceImage decodes in-memory file bytes into a SourceImage.
// EXIF orientation is applied during decode so every strategy sees upright
// pixels.
func DecodeSourceImage(name string, data []byte) (*compressor.SourceImage, error) {
	start := time.Now()
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	bounds := img.Bounds()
	return &compressor.SourceImage{
		Name:         name,
		OriginalSize: int64(len(data)),
		Width:        bounds.Dx(),
		Height:       bounds.Dy(),
		Pixels:       img,
		DecodedAt:    start,
	}, nil
}

// Encode renders img into the requested format. Quality is in [0,1]: JPEG and
// WebP map it to their native 1-100 scale, PNG is lossless and ignores it
// (always encoded at the strongest compression level).
func (c *Codec) Encode(img image.Image, format compressor.Format, quality float64) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case compressor.FormatPNG:
		err := imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
		if err != nil {
			return nil, fmt.Errorf("png encode: %w", err)
		}
	case compressor.FormatJPEG:
		err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality(quality)))
		if err != nil {
			return nil, fmt.Errorf("jpeg encode: %w", err)
		}
	case compressor.FormatWebP:
		err := webp.Encode(&buf, img, &webp.Options{Quality: webpQuality(quality)})
		if err != nil {
			return nil, fmt.Errorf("webp encode: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
	return buf.Bytes(), nil
}

// Decode rasterizes an encoded blob again, used by the lossy-roundtrip
// strategy's second step. The blob is the strategy's private buffer, never
// the shared source pixels.
func (c *Codec) Decode(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode intermediate: %w", err)
	}
	return img, nil
}

// Resize scales img down to fit a maxDim square, preserving aspect ratio.
// Images already inside the box are returned unchanged; there is no
// upscaling. The fast flag trades the Lanczos filter for nearest-neighbor,
// used by the fallback tier.
func (c *Codec) Resize(img image.Image, maxDim int, fast bool) image.Image {
	if maxDim <= 0 {
		return img
	}
	bounds := img.Bounds()
	if bounds.Dx() <= maxDim && bounds.Dy() <= maxDim {
		return img
	}
	filter := imaging.Lanczos
	if fast {
		filter = imaging.NearestNeighbor
	}
	return imaging.Fit(img, maxDim, maxDim, filter)
}

// jpegQuality maps a [0,1] quality to the stdlib JPEG 1-100 scale.
func jpegQuality(quality float64) int {
	q := int(math.Round(quality * 100))
	if q < 1 {
		q = 1
	}
	if q > 100 {
		q = 100
	}
	return q
}

// webpQuality maps a [0,1] quality to libwebp's 0-100 scale.
func webpQuality(quality float64) float32 {
	q := float32(quality * 100)
	if q < 0 {
		q = 0
	}
	if q > 100 {
		q = 100
	}
	return q
}
