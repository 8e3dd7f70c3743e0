package compressor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEncoder returns blobs of configured sizes keyed by format and quality,
// so selection behavior can be pinned without real pixel work.
type stubEncoder struct {
	sizes    map[string]int
	failing  map[string]bool
	delays   map[string]time.Duration
	decodeOK bool
	encodes  int32
}

func newStubEncoder() *stubEncoder {
	return &stubEncoder{
		sizes:    make(map[string]int),
		failing:  make(map[string]bool),
		delays:   make(map[string]time.Duration),
		decodeOK: true,
	}
}

func stubKey(format Format, quality float64) string {
	return fmt.Sprintf("%s@%.2f", format, quality)
}

func (e *stubEncoder) setSize(format Format, quality float64, size int) {
	e.sizes[stubKey(format, quality)] = size
}

func (e *stubEncoder) setFailing(format Format, quality float64) {
	e.failing[stubKey(format, quality)] = true
}

func (e *stubEncoder) Encode(img image.Image, format Format, quality float64) ([]byte, error) {
	atomic.AddInt32(&e.encodes, 1)
	key := stubKey(format, quality)
	if d, ok := e.delays[key]; ok {
		time.Sleep(d)
	}
	if e.failing[key] {
		return nil, fmt.Errorf("encoder refused %s", key)
	}
	size, ok := e.sizes[key]
	if !ok {
		return nil, fmt.Errorf("no stub size for %s", key)
	}
	return bytes.Repeat([]byte{0xAB}, size), nil
}

func (e *stubEncoder) Decode(data []byte) (image.Image, error) {
	if !e.decodeOK {
		return nil, fmt.Errorf("stub decode failure")
	}
	return image.NewNRGBA(image.Rect(0, 0, 1, 1)), nil
}

func (e *stubEncoder) Resize(img image.Image, maxDim int, fast bool) image.Image {
	return img
}

func testSource(originalSize int64) *SourceImage {
	return &SourceImage{
		Name:         "test.png",
		OriginalSize: originalSize,
		Width:        100,
		Height:       80,
		Pixels:       image.NewNRGBA(image.Rect(0, 0, 100, 80)),
		DecodedAt:    time.Now(),
	}
}

func newTestCompressor(enc Encoder, tiers Tiers) *DefaultCompressor {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return NewDefaultCompressor(enc, tiers, log)
}

func TestSelectPicksSmallestPerTrack(t *testing.T) {
	enc := newStubEncoder()
	enc.setSize(FormatPNG, 0.95, 5000)
	enc.setSize(FormatPNG, 0.90, 4200)
	enc.setSize(FormatWebP, 0.90, 3100)
	enc.setSize(FormatWebP, 0.80, 3600)

	tiers := Tiers{
		Primary: []Strategy{
			{MaxDimension: 2048, Format: FormatPNG, Quality: 0.95},
			{MaxDimension: 2048, Format: FormatPNG, Quality: 0.90},
			{MaxDimension: 2048, Format: FormatWebP, Quality: 0.90},
			{MaxDimension: 2048, Format: FormatWebP, Quality: 0.80},
		},
		MinGainPercent: 5,
	}

	outcome, err := newTestCompressor(enc, tiers).Compress(context.Background(), testSource(100000))
	require.NoError(t, err)
	require.NotNil(t, outcome.PNG)
	require.NotNil(t, outcome.WebP)

	assert.Equal(t, int64(4200), outcome.PNG.Size)
	assert.Equal(t, 0.90, outcome.PNG.Strategy.Quality)
	assert.Equal(t, int64(3100), outcome.WebP.Size)
	assert.Equal(t, 0.90, outcome.WebP.Strategy.Quality)
	assert.False(t, outcome.Escalated)
	assert.Equal(t, int64(3100), outcome.Best().Size)
}

func TestSelectTieBreakEncounterOrder(t *testing.T) {
	enc := newStubEncoder()
	enc.setSize(FormatPNG, 0.95, 4000)
	enc.setSize(FormatPNG, 0.90, 4000)

	tiers := Tiers{
		Primary: []Strategy{
			{MaxDimension: 2048, Format: FormatPNG, Quality: 0.95},
			{MaxDimension: 2048, Format: FormatPNG, Quality: 0.90},
		},
		MinGainPercent: 5,
	}

	outcome, err := newTestCompressor(enc, tiers).Compress(context.Background(), testSource(100000))
	require.NoError(t, err)
	require.NotNil(t, outcome.PNG)

	// Equal sizes: the first configured strategy must win.
	assert.Equal(t, 0.95, outcome.PNG.Strategy.Quality)
}

func TestRatioClampedToZeroWhenOutputLarger(t *testing.T) {
	enc := newStubEncoder()
	enc.setSize(FormatPNG, 0.95, 120000)
	// Fallback also produces an output larger than the original.
	enc.setSize(FormatPNG, 0.60, 110000)

	tiers := Tiers{
		Primary:        []Strategy{{MaxDimension: 2048, Format: FormatPNG, Quality: 0.95}},
		Fallback:       []Strategy{{MaxDimension: 1024, Format: FormatPNG, Quality: 0.60, FastResize: true}},
		MinGainPercent: 5,
	}

	outcome, err := newTestCompressor(enc, tiers).Compress(context.Background(), testSource(100000))
	require.NoError(t, err)
	require.NotNil(t, outcome.PNG)

	assert.True(t, outcome.Escalated)
	assert.Equal(t, int64(110000), outcome.PNG.Size)
	assert.Equal(t, 0.0, outcome.PNG.Ratio)
}

func TestRatioBounds(t *testing.T) {
	cases := []struct {
		original int64
		chosen   int64
		want     float64
	}{
		{1000000, 600000, 40.0},
		{1000, 1000, 0.0},
		{1000, 2000, 0.0},
		{1000, 0, 100.0},
		{0, 500, 0.0},
	}
	for _, tc := range cases {
		got := savingsRatio(tc.original, tc.chosen)
		assert.InDelta(t, tc.want, got, 0.0001, "original=%d chosen=%d", tc.original, tc.chosen)
		assert.GreaterOrEqual(t, got, 0.0)
		assert.LessOrEqual(t, got, 100.0)
	}
}

func TestWebPFailureDoesNotAffectPNG(t *testing.T) {
	tiers := Tiers{
		Primary: []Strategy{
			{MaxDimension: 2048, Format: FormatPNG, Quality: 0.95},
			{MaxDimension: 2048, Format: FormatPNG, Quality: 0.90},
			{MaxDimension: 2048, Format: FormatWebP, Quality: 0.90},
		},
		MinGainPercent: 5,
	}

	healthy := newStubEncoder()
	healthy.setSize(FormatPNG, 0.95, 5200)
	healthy.setSize(FormatPNG, 0.90, 4700)
	healthy.setSize(FormatWebP, 0.90, 3000)

	withWebP, err := newTestCompressor(healthy, tiers).Compress(context.Background(), testSource(100000))
	require.NoError(t, err)
	require.NotNil(t, withWebP.WebP)

	broken := newStubEncoder()
	broken.setSize(FormatPNG, 0.95, 5200)
	broken.setSize(FormatPNG, 0.90, 4700)
	broken.setFailing(FormatWebP, 0.90)

	withoutWebP, err := newTestCompressor(broken, tiers).Compress(context.Background(), testSource(100000))
	require.NoError(t, err)

	// WebP track absent, not an error, and the PNG choice is unchanged.
	assert.Nil(t, withoutWebP.WebP)
	require.NotNil(t, withoutWebP.PNG)
	assert.Equal(t, withWebP.PNG.Size, withoutWebP.PNG.Size)
	assert.Equal(t, withWebP.PNG.Strategy, withoutWebP.PNG.Strategy)
}

func TestFallbackEscalationOnInsufficientGain(t *testing.T) {
	// Original 1,000,000 bytes. Primary produces 998,000 and 995,000 with one
	// failed strategy; the best gain of 0.5% is below the 5% threshold, so the
	// fallback tier decides the outcome: 600,000 at 40% savings.
	enc := newStubEncoder()
	enc.setSize(FormatPNG, 0.95, 998000)
	enc.setSize(FormatPNG, 0.90, 995000)
	enc.setFailing(FormatPNG, 0.85)
	enc.setSize(FormatPNG, 0.80, 600000)
	enc.setSize(FormatPNG, 0.70, 650000)
	enc.setSize(FormatPNG, 0.60, 700000)

	tiers := Tiers{
		Primary: []Strategy{
			{MaxDimension: 2048, Format: FormatPNG, Quality: 0.95},
			{MaxDimension: 2048, Format: FormatPNG, Quality: 0.90},
			{MaxDimension: 2048, Format: FormatPNG, Quality: 0.85},
		},
		Fallback: []Strategy{
			{MaxDimension: 1024, Format: FormatPNG, Quality: 0.80, FastResize: true},
			{MaxDimension: 1024, Format: FormatPNG, Quality: 0.70, FastResize: true},
			{MaxDimension: 1024, Format: FormatPNG, Quality: 0.60, FastResize: true},
		},
		MinGainPercent: 5,
	}

	outcome, err := newTestCompressor(enc, tiers).Compress(context.Background(), testSource(1000000))
	require.NoError(t, err)
	require.NotNil(t, outcome.PNG)

	assert.True(t, outcome.Escalated)
	assert.Equal(t, int64(600000), outcome.PNG.Size)
	assert.Equal(t, 0.80, outcome.PNG.Strategy.Quality)
	assert.InDelta(t, 40.0, outcome.PNG.Ratio, 0.0001)
}

func TestNoEscalationAtExactThreshold(t *testing.T) {
	// A 5.0% gain meets the 5% minimum, so the fallback tier must not run.
	enc := newStubEncoder()
	enc.setSize(FormatPNG, 0.95, 950000)
	enc.setSize(FormatPNG, 0.60, 100)

	tiers := Tiers{
		Primary:        []Strategy{{MaxDimension: 2048, Format: FormatPNG, Quality: 0.95}},
		Fallback:       []Strategy{{MaxDimension: 1024, Format: FormatPNG, Quality: 0.60}},
		MinGainPercent: 5,
	}

	outcome, err := newTestCompressor(enc, tiers).Compress(context.Background(), testSource(1000000))
	require.NoError(t, err)

	assert.False(t, outcome.Escalated)
	assert.Equal(t, int64(950000), outcome.PNG.Size)
}

func TestEscalationOnTotalPrimaryFailure(t *testing.T) {
	enc := newStubEncoder()
	enc.setFailing(FormatPNG, 0.95)
	enc.setSize(FormatPNG, 0.60, 40000)

	tiers := Tiers{
		Primary:        []Strategy{{MaxDimension: 2048, Format: FormatPNG, Quality: 0.95}},
		Fallback:       []Strategy{{MaxDimension: 1024, Format: FormatPNG, Quality: 0.60, FastResize: true}},
		MinGainPercent: 5,
	}

	outcome, err := newTestCompressor(enc, tiers).Compress(context.Background(), testSource(100000))
	require.NoError(t, err)

	assert.True(t, outcome.Escalated)
	assert.Equal(t, int64(40000), outcome.PNG.Size)
}

func TestPrimaryKeptWhenFallbackFails(t *testing.T) {
	// Escalation is triggered by a weak 1% gain, but the fallback tier fails
	// outright. The weak primary result is still better than failing the file.
	enc := newStubEncoder()
	enc.setSize(FormatPNG, 0.95, 99000)
	enc.setFailing(FormatPNG, 0.60)

	tiers := Tiers{
		Primary:        []Strategy{{MaxDimension: 2048, Format: FormatPNG, Quality: 0.95}},
		Fallback:       []Strategy{{MaxDimension: 1024, Format: FormatPNG, Quality: 0.60, FastResize: true}},
		MinGainPercent: 5,
	}

	outcome, err := newTestCompressor(enc, tiers).Compress(context.Background(), testSource(100000))
	require.NoError(t, err)

	assert.True(t, outcome.Escalated)
	assert.Equal(t, int64(99000), outcome.PNG.Size)
}

func TestAllStrategiesFailed(t *testing.T) {
	enc := newStubEncoder()
	enc.setFailing(FormatPNG, 0.95)
	enc.setFailing(FormatWebP, 0.90)
	enc.setFailing(FormatPNG, 0.60)

	tiers := Tiers{
		Primary: []Strategy{
			{MaxDimension: 2048, Format: FormatPNG, Quality: 0.95},
			{MaxDimension: 2048, Format: FormatWebP, Quality: 0.90},
		},
		Fallback:       []Strategy{{MaxDimension: 1024, Format: FormatPNG, Quality: 0.60, FastResize: true}},
		MinGainPercent: 5,
	}

	outcome, err := newTestCompressor(enc, tiers).Compress(context.Background(), testSource(100000))
	assert.Nil(t, outcome)
	assert.ErrorIs(t, err, ErrAllStrategiesFailed)
}

func TestDeterministicChoiceAcrossRuns(t *testing.T) {
	enc := newStubEncoder()
	enc.setSize(FormatPNG, 0.95, 8000)
	enc.setSize(FormatPNG, 0.90, 8000)
	enc.setSize(FormatWebP, 0.90, 7000)

	tiers := Tiers{
		Primary: []Strategy{
			{MaxDimension: 2048, Format: FormatPNG, Quality: 0.95},
			{MaxDimension: 2048, Format: FormatPNG, Quality: 0.90},
			{MaxDimension: 2048, Format: FormatWebP, Quality: 0.90},
		},
		MinGainPercent: 5,
	}
	comp := newTestCompressor(enc, tiers)

	first, err := comp.Compress(context.Background(), testSource(100000))
	require.NoError(t, err)
	second, err := comp.Compress(context.Background(), testSource(100000))
	require.NoError(t, err)

	assert.Equal(t, first.PNG.Strategy, second.PNG.Strategy)
	assert.Equal(t, first.PNG.Size, second.PNG.Size)
	assert.Equal(t, first.WebP.Strategy, second.WebP.Strategy)
}

func TestChosenNeverLargerThanAnyCandidate(t *testing.T) {
	enc := newStubEncoder()
	enc.setSize(FormatPNG, 0.95, 9100)
	enc.setSize(FormatPNG, 0.90, 8400)
	enc.setSize(FormatPNG, 0.85, 8800)
	enc.setSize(FormatWebP, 0.90, 6200)
	enc.setSize(FormatWebP, 0.80, 6900)

	tiers := Tiers{
		Primary: []Strategy{
			{MaxDimension: 2048, Format: FormatPNG, Quality: 0.95},
			{MaxDimension: 2048, Format: FormatPNG, Quality: 0.90},
			{MaxDimension: 2048, Format: FormatPNG, Quality: 0.85},
			{MaxDimension: 2048, Format: FormatWebP, Quality: 0.90},
			{MaxDimension: 2048, Format: FormatWebP, Quality: 0.80},
		},
		MinGainPercent: 5,
	}
	comp := newTestCompressor(enc, tiers)
	src := testSource(100000)

	candidates, escalated, err := comp.Run(context.Background(), src)
	require.NoError(t, err)
	require.False(t, escalated)

	outcome, err := comp.Select(candidates, src.OriginalSize, src.DecodedAt)
	require.NoError(t, err)

	for _, cand := range candidates {
		switch cand.Strategy.Format {
		case FormatPNG:
			assert.LessOrEqual(t, outcome.PNG.Size, cand.Size)
		case FormatWebP:
			assert.LessOrEqual(t, outcome.WebP.Size, cand.Size)
		}
	}
}

func TestRoundtripIntermediateFailureExcluded(t *testing.T) {
	enc := newStubEncoder()
	enc.setSize(FormatPNG, 0.95, 5000)
	enc.setFailing(FormatJPEG, 0.85)
	enc.setSize(FormatPNG, 0.90, 4000)

	tiers := Tiers{
		Primary: []Strategy{
			{MaxDimension: 2048, Format: FormatPNG, Quality: 0.95},
			{MaxDimension: 2048, Format: FormatPNG, Quality: 0.90, ViaJPEGQuality: 0.85},
		},
		MinGainPercent: 5,
	}

	outcome, err := newTestCompressor(enc, tiers).Compress(context.Background(), testSource(100000))
	require.NoError(t, err)

	// The roundtrip strategy is a non-candidate; the plain strategy wins.
	assert.Equal(t, int64(5000), outcome.PNG.Size)
	assert.Equal(t, float64(0), outcome.PNG.Strategy.ViaJPEGQuality)
}

func TestRoundtripEncodesThroughIntermediate(t *testing.T) {
	enc := newStubEncoder()
	enc.setSize(FormatJPEG, 0.85, 3000)
	enc.setSize(FormatPNG, 0.90, 2500)

	tiers := Tiers{
		Primary:        []Strategy{{MaxDimension: 2048, Format: FormatPNG, Quality: 0.90, ViaJPEGQuality: 0.85}},
		MinGainPercent: 5,
	}

	outcome, err := newTestCompressor(enc, tiers).Compress(context.Background(), testSource(100000))
	require.NoError(t, err)
	require.NotNil(t, outcome.PNG)

	assert.Equal(t, int64(2500), outcome.PNG.Size)
	// One intermediate JPEG encode plus the final PNG encode.
	assert.Equal(t, int32(2), atomic.LoadInt32(&enc.encodes))
}

func TestJoinAllWaitsForSlowStrategies(t *testing.T) {
	enc := newStubEncoder()
	enc.setSize(FormatPNG, 0.95, 5000)
	enc.setSize(FormatWebP, 0.90, 3000)
	enc.delays[stubKey(FormatWebP, 0.90)] = 50 * time.Millisecond

	tiers := Tiers{
		Primary: []Strategy{
			{MaxDimension: 2048, Format: FormatPNG, Quality: 0.95},
			{MaxDimension: 2048, Format: FormatWebP, Quality: 0.90},
		},
		MinGainPercent: 5,
	}

	outcome, err := newTestCompressor(enc, tiers).Compress(context.Background(), testSource(100000))
	require.NoError(t, err)

	// Selection must not run on first completion; the slow WebP strategy is
	// part of the outcome.
	require.NotNil(t, outcome.WebP)
	assert.Equal(t, int64(3000), outcome.WebP.Size)
}

func TestRunHonorsCancelledContextBeforeDispatch(t *testing.T) {
	enc := newStubEncoder()
	enc.setSize(FormatPNG, 0.95, 5000)

	tiers := Tiers{
		Primary:        []Strategy{{MaxDimension: 2048, Format: FormatPNG, Quality: 0.95}},
		MinGainPercent: 5,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := newTestCompressor(enc, tiers).Run(ctx, testSource(100000))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), atomic.LoadInt32(&enc.encodes))
}

func TestSelectWithNoCandidates(t *testing.T) {
	comp := newTestCompressor(newStubEncoder(), Tiers{MinGainPercent: 5})
	outcome, err := comp.Select(nil, 1000, time.Now())
	assert.Nil(t, outcome)
	assert.ErrorIs(t, err, ErrAllStrategiesFailed)
}

func TestElapsedMeasuredFromDecodeStart(t *testing.T) {
	enc := newStubEncoder()
	enc.setSize(FormatPNG, 0.95, 500)

	tiers := Tiers{
		Primary:        []Strategy{{MaxDimension: 2048, Format: FormatPNG, Quality: 0.95}},
		MinGainPercent: 5,
	}

	src := testSource(100000)
	src.DecodedAt = time.Now().Add(-250 * time.Millisecond)

	outcome, err := newTestCompressor(enc, tiers).Compress(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, src.DecodedAt, outcome.StartedAt)
	assert.GreaterOrEqual(t, outcome.Elapsed, 250*time.Millisecond)
	assert.True(t, outcome.FinishedAt.After(outcome.StartedAt))
}

func TestStrategyString(t *testing.T) {
	plain := Strategy{MaxDimension: 2048, Format: FormatPNG, Quality: 0.95}
	assert.Equal(t, "2048px png q0.95", plain.String())

	roundtrip := Strategy{MaxDimension: 2048, Format: FormatPNG, Quality: 0.90, ViaJPEGQuality: 0.85}
	assert.Equal(t, "2048px png q0.90 via jpeg q0.85", roundtrip.String())

	fast := Strategy{MaxDimension: 1024, Format: FormatWebP, Quality: 0.60, FastResize: true}
	assert.Equal(t, "1024px webp q0.60 fast", fast.String())
}
