package compressor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"
)

// Output formats a strategy may target. JPEG appears only as the intermediate
// step of a lossy-roundtrip strategy, never as a final track.
type Format string

const (
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
	FormatJPEG Format = "jpeg"
)

func (f Format) String() string {
	return string(f)
}

// Sentinel errors surfaced to the caller for per-file failures.
var (
	ErrNotDecodable        = errors.New("file not decodable")
	ErrAllStrategiesFailed = errors.New("all encode strategies failed")
)

// SourceImage is the decoded input for one file. It is created once per file,
// shared read-only across that file's strategies and discarded afterwards.
type SourceImage struct {
	Name         string
	OriginalSize int64
	Width        int
	Height       int
	Pixels       image.Image
	DecodedAt    time.Time
}

// Strategy describes one resize/encode parameter combination. Strategies are
// plain data so that adding one is a configuration change, not a code change.
type Strategy struct {
	// MaxDimension is the bounding box for the longer image side. Images
	// already within the box are not upscaled.
	MaxDimension int
	Format       Format
	// Quality is in [0,1] and is mapped to the encoder's native scale.
	// The PNG encoder is lossless and ignores it.
	Quality float64
	// FastResize selects the cheap interpolation filter, used by the
	// fallback tier.
	FastResize bool
	// ViaJPEGQuality, when > 0, makes this a two-step strategy: encode to
	// JPEG at this quality, decode again, then encode to Format at Quality.
	ViaJPEGQuality float64
}

func (s Strategy) String() string {
	desc := fmt.Sprintf("%dpx %s q%.2f", s.MaxDimension, s.Format, s.Quality)
	if s.ViaJPEGQuality > 0 {
		desc += fmt.Sprintf(" via jpeg q%.2f", s.ViaJPEGQuality)
	}
	if s.FastResize {
		desc += " fast"
	}
	return desc
}

// Tiers holds the ordered strategy lists configured at startup. The fallback
// tier runs only when the primary tier fails entirely or its best candidate
// saves less than MinGainPercent of the original size.
type Tiers struct {
	Primary        []Strategy
	Fallback       []Strategy
	MinGainPercent float64
}

// Candidate is one successful strategy output. Failed strategies produce no
// Candidate. Candidates exist only between run and selection.
type Candidate struct {
	Strategy Strategy
	// Index is the strategy's position in its tier and breaks size ties
	// (first configured strategy wins).
	Index int
	Data  []byte
	Size  int64
}

// TrackResult is the winning candidate of one output format track.
type TrackResult struct {
	Strategy Strategy
	Data     []byte
	Size     int64
	// Ratio is the saved share of the original size in percent, clamped to
	// [0,100]. An output no smaller than the input reports 0.
	Ratio float64
}

// Outcome is the per-file result handed back to the caller. A track with no
// successful candidate is nil; an outcome always has at least one track.
type Outcome struct {
	Name         string
	OriginalSize int64
	PNG          *TrackResult
	WebP         *TrackResult
	// Escalated reports that the fallback tier was used.
	Escalated  bool
	StartedAt  time.Time
	FinishedAt time.Time
	Elapsed    time.Duration
}

// Best returns the smaller of the two tracks, preferring PNG on equal size.
// Returns nil only for a zero-value Outcome.
func (o *Outcome) Best() *TrackResult {
	switch {
	case o.PNG == nil:
		return o.WebP
	case o.WebP == nil:
		return o.PNG
	case o.WebP.Size < o.PNG.Size:
		return o.WebP
	default:
		return o.PNG
	}
}

// Encoder is the pinned encode primitive the runner delegates all pixel work
// to. Implementations must be deterministic: identical pixels, format and
// quality yield identical bytes. Resize must return a new image and leave the
// input untouched, since the source pixels are shared across strategies.
type Encoder interface {
	Encode(img image.Image, format Format, quality float64) ([]byte, error)
	Decode(data []byte) (image.Image, error)
	Resize(img image.Image, maxDim int, fast bool) image.Image
}

// Compressor runs the configured strategies against one source image and
// selects the winners.
type Compressor interface {
	// Run executes the tiers and returns the candidate set selection must
	// use, plus whether the fallback tier was escalated to. Returns
	// ErrAllStrategiesFailed when both tiers produced no candidate.
	Run(ctx context.Context, src *SourceImage) ([]Candidate, bool, error)
	// Select reduces candidates to at most one winner per format track.
	Select(candidates []Candidate, originalSize int64, startedAt time.Time) (*Outcome, error)
	// Compress is Run followed by Select.
	Compress(ctx context.Context, src *SourceImage) (*Outcome, error)
}
