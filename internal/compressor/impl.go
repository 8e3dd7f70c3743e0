package compressor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultCompressor is the default implementation of the Compressor interface.
type DefaultCompressor struct {
	enc   Encoder
	tiers Tiers
	log   *logrus.Logger
}

// NewDefaultCompressor creates a compressor over the given encoder and
// strategy tiers.
func NewDefaultCompressor(enc Encoder, tiers Tiers, log *logrus.Logger) *DefaultCompressor {
	if log == nil {
		log = logrus.New()
	}
	return &DefaultCompressor{
		enc:   enc,
		tiers: tiers,
		log:   log,
	}
}

// Compress runs the configured tiers against src and selects the winners.
func (c *DefaultCompressor) Compress(ctx context.Context, src *SourceImage) (*Outcome, error) {
	candidates, escalated, err := c.Run(ctx, src)
	if err != nil {
		return nil, err
	}
	outcome, err := c.Select(candidates, src.OriginalSize, src.DecodedAt)
	if err != nil {
		return nil, err
	}
	outcome.Name = src.Name
	outcome.Escalated = escalated
	return outcome, nil
}

// Run executes the primary tier and, when it fails entirely or its best
// candidate saves less than the configured minimum gain, the fallback tier.
// The returned candidates are the set selection must use: after an
// escalation with fallback successes, the primary candidates are discarded.
func (c *DefaultCompressor) Run(ctx context.Context, src *SourceImage) ([]Candidate, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	primary := c.runTier(src, c.tiers.Primary)
	if c.gainSufficient(primary, src.OriginalSize) {
		return primary, false, nil
	}

	c.log.Infof("Primary tier for %s below %.1f%% gain (%d/%d strategies succeeded), escalating to fallback tier",
		src.Name, c.tiers.MinGainPercent, len(primary), len(c.tiers.Primary))

	fallback := c.runTier(src, c.tiers.Fallback)
	if len(fallback) > 0 {
		return fallback, true, nil
	}
	if len(primary) > 0 {
		// Fallback produced nothing; the insufficient primary results are
		// still better than failing the file.
		c.log.Warnf("Fallback tier for %s produced no candidates, keeping primary results", src.Name)
		return primary, true, nil
	}
	return nil, true, ErrAllStrategiesFailed
}

// runTier encodes src under every strategy of one tier concurrently and waits
// for all of them. Failed strategies are logged and excluded; slot order keeps
// candidates in configured strategy order.
func (c *DefaultCompressor) runTier(src *SourceImage, strategies []Strategy) []Candidate {
	slots := make([]*Candidate, len(strategies))

	var g errgroup.Group
	for i, s := range strategies {
		i, s := i, s
		g.Go(func() error {
			data, err := c.encodeStrategy(src, s)
			if err != nil {
				c.log.Debugf("Strategy %d (%s) failed for %s: %v", i, s, src.Name, err)
				return nil // excluded from selection, never surfaced
			}
			slots[i] = &Candidate{Strategy: s, Index: i, Data: data, Size: int64(len(data))}
			return nil
		})
	}
	// Join-all barrier: selection never starts before every strategy settled.
	_ = g.Wait()

	candidates := make([]Candidate, 0, len(strategies))
	for _, cand := range slots {
		if cand != nil {
			candidates = append(candidates, *cand)
		}
	}
	return candidates
}

// encodeStrategy produces the output blob for a single strategy. The shared
// source pixels are never written; the lossy roundtrip works on its own
// intermediate copy.
func (c *DefaultCompressor) encodeStrategy(src *SourceImage, s Strategy) ([]byte, error) {
	img := c.enc.Resize(src.Pixels, s.MaxDimension, s.FastResize)

	if s.ViaJPEGQuality > 0 {
		intermediate, err := c.enc.Encode(img, FormatJPEG, s.ViaJPEGQuality)
		if err != nil {
			return nil, fmt.Errorf("intermediate jpeg encode: %w", err)
		}
		img, err = c.enc.Decode(intermediate)
		if err != nil {
			return nil, fmt.Errorf("intermediate jpeg decode: %w", err)
		}
	}

	data, err := c.enc.Encode(img, s.Format, s.Quality)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("encoder returned no output")
	}
	return data, nil
}

// Select partitions candidates into PNG and WebP tracks and picks the
// smallest blob of each. Tracks are independent: a format with no candidates
// is simply absent. Ties go to the earlier strategy in the configured list.
func (c *DefaultCompressor) Select(candidates []Candidate, originalSize int64, startedAt time.Time) (*Outcome, error) {
	outcome := &Outcome{
		OriginalSize: originalSize,
		StartedAt:    startedAt,
		PNG:          pickTrack(candidates, FormatPNG, originalSize),
		WebP:         pickTrack(candidates, FormatWebP, originalSize),
	}
	if outcome.PNG == nil && outcome.WebP == nil {
		return nil, ErrAllStrategiesFailed
	}
	outcome.FinishedAt = time.Now()
	outcome.Elapsed = outcome.FinishedAt.Sub(startedAt)
	return outcome, nil
}

// gainSufficient reports whether the best candidate of a tier saves at least
// the configured share of the original size.
func (c *DefaultCompressor) gainSufficient(candidates []Candidate, originalSize int64) bool {
	if len(candidates) == 0 {
		return false
	}
	if originalSize <= 0 {
		return true
	}
	best := candidates[0].Size
	for _, cand := range candidates[1:] {
		if cand.Size < best {
			best = cand.Size
		}
	}
	gain := float64(originalSize-best) / float64(originalSize) * 100
	return gain >= c.tiers.MinGainPercent
}

// pickTrack returns the smallest candidate of one format. Iteration follows
// strategy order and the comparison is strict, so the first of equally small
// candidates wins. Returns nil when the track has no candidates.
func pickTrack(candidates []Candidate, format Format, originalSize int64) *TrackResult {
	var best *Candidate
	for i := range candidates {
		cand := &candidates[i]
		if cand.Strategy.Format != format {
			continue
		}
		if best == nil || cand.Size < best.Size {
			best = cand
		}
	}
	if best == nil {
		return nil
	}
	return &TrackResult{
		Strategy: best.Strategy,
		Data:     best.Data,
		Size:     best.Size,
		Ratio:    savingsRatio(originalSize, best.Size),
	}
}

// savingsRatio is the saved share of the original size in percent, clamped to
// [0,100]. Outputs larger than the input report 0 rather than a negative
// percentage.
func savingsRatio(originalSize, chosenSize int64) float64 {
	if originalSize <= 0 {
		return 0
	}
	ratio := float64(originalSize-chosenSize) / float64(originalSize) * 100
	if ratio < 0 {
		return 0
	}
	if ratio > 100 {
		return 100
	}
	return ratio
}
