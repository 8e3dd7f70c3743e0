// Package batch drives compression runs over files and directories.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pixsqueeze/internal/compressor"
	"pixsqueeze/internal/config"
	"pixsqueeze/internal/metrics"
	"pixsqueeze/internal/statistics"

	"github.com/sirupsen/logrus"
)

// FileStatus describes the processing state of a single file.
type FileStatus string

const (
	StatusPending   FileStatus = "pending"
	StatusDecoding  FileStatus = "decoding"
	StatusEncoding  FileStatus = "encoding"
	StatusSelecting FileStatus = "selecting"
	StatusDone      FileStatus = "done"
	StatusFailed    FileStatus = "failed"
	StatusSkipped   FileStatus = "skipped"
)

// Terminal reports whether the status is a final state.
func (s FileStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusSkipped
}

// FileResult describes the outcome of processing a single file.
type FileResult struct {
	Path         string
	Status       FileStatus
	Message      string
	Err          error
	OriginalSize int64
	PNGPath      string
	PNGSize      int64
	WebPPath     string
	WebPSize     int64
	BestFormat   compressor.Format
	BestSize     int64
	Ratio        float64
	Escalated    bool
	Elapsed      time.Duration
}

// LoadFunc decodes an image file into a source image.
type LoadFunc func(path string) (*compressor.SourceImage, error)

// ProgressFunc receives a snapshot after every state change. Completed counts
// files that reached a terminal state, including the one in the snapshot.
type ProgressFunc func(completed, total int, result FileResult)

// Driver runs the compression pipeline over a set of files.
type Driver struct {
	config   *config.Config
	logger   *logrus.Logger
	stats    *statistics.Statistics
	load     LoadFunc
	comp     compressor.Compressor
	workers  int
	progress ProgressFunc

	progressMu sync.Mutex
	completed  int64
	total      int
}

// NewDriver returns a new Driver.
func NewDriver(
	cfg *config.Config,
	logger *logrus.Logger,
	stats *statistics.Statistics,
	load LoadFunc,
	comp compressor.Compressor,
) *Driver {
	return NewDriverWithProgress(cfg, logger, stats, load, comp, nil)
}

// NewDriverWithProgress returns a Driver that reports state changes through
// the given callback. The callback is serialized across workers.
func NewDriverWithProgress(
	cfg *config.Config,
	logger *logrus.Logger,
	stats *statistics.Statistics,
	load LoadFunc,
	comp compressor.Compressor,
	progress ProgressFunc,
) *Driver {
	workers := cfg.Performance.WorkerThreads
	if workers <= 0 {
		workers = 4
	}
	return &Driver{
		config:   cfg,
		logger:   logger,
		stats:    stats,
		load:     load,
		comp:     comp,
		workers:  workers,
		progress: progress,
	}
}

// Process compresses every supported file reachable from the inputs.
// A single file's failure never aborts the batch. Cancellation stops
// dispatching new files; the file in flight on each worker finishes.
func (d *Driver) Process(ctx context.Context, inputs []string) ([]FileResult, error) {
	d.logger.Info("Starting compression batch")
	d.stats.StartTime = time.Now()

	files, err := d.Discover(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to discover files: %w", err)
	}

	if len(files) == 0 {
		d.logger.Info("No image files found to compress")
		d.stats.Finalize()
		return nil, nil
	}

	d.logger.Infof("Found %d image files to process", len(files))
	d.stats.TotalFilesFound = int64(len(files))

	if d.config.Security.DryRun {
		d.logger.Info("Running in dry-run mode - no outputs will be written")
	}

	results := d.processFiles(ctx, files)

	d.stats.Finalize()
	d.logger.Info("Compression batch completed")
	return results, ctx.Err()
}

// Discover finds all supported image files reachable from the inputs.
// Directory walks honor the recursive setting; files already carrying the
// output suffix are skipped so repeat runs do not recompress outputs.
func (d *Driver) Discover(inputs []string) ([]string, error) {
	var files []string
	seen := make(map[string]struct{})
	limit := d.config.Security.MaxFilesPerRun

	add := func(path string) bool {
		if _, ok := seen[path]; ok {
			return true
		}
		seen[path] = struct{}{}
		files = append(files, path)
		if limit > 0 && len(files) >= limit {
			d.logger.Infof("Reached maximum files limit (%d), stopping discovery", limit)
			return false
		}
		return true
	}

	for _, input := range inputs {
		info, err := os.Stat(input)
		if err != nil {
			return nil, fmt.Errorf("failed to stat input %s: %w", input, err)
		}

		if !info.IsDir() {
			if !d.config.IsSupportedExtension(filepath.Ext(input)) {
				return nil, fmt.Errorf("unsupported file type: %s", input)
			}
			if !add(input) {
				return files, nil
			}
			continue
		}

		root := input
		walkErr := filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				d.logger.Warnf("Error accessing path %s: %v", path, err)
				return nil
			}

			if fi.IsDir() {
				if path != root && !d.config.Processing.Recursive {
					return filepath.SkipDir
				}
				return nil
			}

			if !d.config.IsSupportedExtension(filepath.Ext(path)) {
				return nil
			}
			if isGeneratedOutput(path, d.config.OutputSuffix) {
				d.logger.Debugf("Skipping generated output: %s", path)
				return nil
			}

			if !add(path) {
				return filepath.SkipAll
			}
			return nil
		})
		if walkErr != nil {
			return nil, walkErr
		}

		if limit > 0 && len(files) >= limit {
			break
		}
	}

	return files, nil
}

type job struct {
	index int
	path  string
}

// processFiles runs the worker pool over the discovered files. Results keep
// the discovery order regardless of completion order.
func (d *Driver) processFiles(ctx context.Context, files []string) []FileResult {
	results := make([]FileResult, len(files))
	for i, file := range files {
		results[i] = FileResult{Path: file, Status: StatusPending}
	}
	jobs := make(chan job, d.workers)

	atomic.StoreInt64(&d.completed, 0)
	d.total = len(files)

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx, jobs, results)
		}()
	}

	go func() {
		defer close(jobs)
		for i, file := range files {
			select {
			case <-ctx.Done():
				return
			case jobs <- job{index: i, path: file}:
			}
		}
	}()

	wg.Wait()
	return results
}

// worker processes jobs from the channel.
func (d *Driver) worker(ctx context.Context, jobs <-chan job, results []FileResult) {
	for j := range jobs {
		if ctx.Err() != nil {
			results[j.index].Message = "cancelled before start"
			continue
		}
		results[j.index] = d.processFile(ctx, j.path)
	}
}

// processFile runs the full pipeline for a single file.
func (d *Driver) processFile(ctx context.Context, path string) FileResult {
	start := time.Now()
	result := FileResult{Path: path, Status: StatusPending}

	d.logger.Debugf("Processing file: %s", path)
	d.stats.IncrementFilesProcessed()
	d.stats.IncrementInputType(strings.ToUpper(strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")))

	pngTarget, webpTarget := d.targetPaths(path)
	if d.shouldSkip(pngTarget, webpTarget) {
		result.Message = "outputs already exist"
		d.logger.Infof("Skipping %s: outputs already exist", path)
		d.stats.IncrementFilesSkipped()
		metrics.RecordFile("skipped", time.Since(start).Seconds())
		d.finish(&result, StatusSkipped)
		return result
	}

	d.transition(&result, StatusDecoding)
	src, err := d.load(path)
	if err != nil {
		d.stats.IncrementDecodeFailures()
		return d.fail(result, "decode", fmt.Errorf("%w: %v", compressor.ErrNotDecodable, err), start)
	}
	result.OriginalSize = src.OriginalSize
	d.stats.AddOriginalBytes(src.OriginalSize)

	d.transition(&result, StatusEncoding)
	candidates, escalated, err := d.comp.Run(ctx, src)
	if escalated {
		result.Escalated = true
		d.stats.IncrementTierEscalations()
		metrics.RecordEscalation()
	}
	if err != nil {
		return d.fail(result, "encode", err, start)
	}

	d.transition(&result, StatusSelecting)
	outcome, err := d.comp.Select(candidates, src.OriginalSize, src.DecodedAt)
	if err != nil {
		return d.fail(result, "select", err, start)
	}
	outcome.Name = filepath.Base(path)
	outcome.Escalated = escalated

	if outcome.PNG != nil {
		if err := d.writeOutput(pngTarget, outcome.PNG.Data); err != nil {
			return d.fail(result, "write", err, start)
		}
		result.PNGPath = pngTarget
		result.PNGSize = outcome.PNG.Size
	}
	if outcome.WebP != nil {
		if err := d.writeOutput(webpTarget, outcome.WebP.Data); err != nil {
			return d.fail(result, "write", err, start)
		}
		result.WebPPath = webpTarget
		result.WebPSize = outcome.WebP.Size
		d.stats.IncrementWebPTracksBuilt()
	}

	best := outcome.Best()
	result.BestFormat = best.Strategy.Format
	result.BestSize = best.Size
	result.Ratio = best.Ratio
	result.Elapsed = outcome.Elapsed

	d.stats.AddCompressedBytes(best.Size)
	d.stats.AddRatio(best.Ratio)
	switch best.Strategy.Format {
	case compressor.FormatPNG:
		d.stats.IncrementPNGWins()
	case compressor.FormatWebP:
		d.stats.IncrementWebPWins()
	}
	metrics.RecordSavings(src.OriginalSize - best.Size)

	label := "compressed"
	if result.Ratio > 0 {
		d.stats.IncrementFilesCompressed()
		result.Message = fmt.Sprintf("best %s, %.1f%% smaller", best.Strategy.Format, result.Ratio)
	} else {
		label = "optimized"
		d.stats.IncrementFilesOptimized()
		result.Message = fmt.Sprintf("best %s, no size gain", best.Strategy.Format)
	}
	metrics.RecordFile(label, outcome.Elapsed.Seconds())

	d.logger.Infof("Processed %s: %d -> %d bytes (%.1f%%, %s)",
		path, result.OriginalSize, result.BestSize, result.Ratio, best.Strategy.Format)
	d.finish(&result, StatusDone)
	return result
}

// fail records a terminal failure for a file and returns its result.
func (d *Driver) fail(result FileResult, operation string, err error, start time.Time) FileResult {
	result.Err = err
	result.Message = err.Error()
	d.logger.Warnf("Failed to process %s: %v", result.Path, err)
	d.stats.IncrementFilesFailed()
	d.stats.AddError(result.Path, operation, err.Error())
	metrics.RecordFile("failed", time.Since(start).Seconds())
	d.finish(&result, StatusFailed)
	return result
}

// transition moves a file into a non-terminal state and reports progress.
func (d *Driver) transition(result *FileResult, status FileStatus) {
	result.Status = status
	d.logger.Debugf("File %s entered state %s", result.Path, status)
	d.report(*result)
}

// finish moves a file into a terminal state and reports progress.
func (d *Driver) finish(result *FileResult, status FileStatus) {
	result.Status = status
	atomic.AddInt64(&d.completed, 1)
	d.report(*result)
}

// report invokes the progress callback with the current counts.
func (d *Driver) report(result FileResult) {
	if d.progress == nil {
		return
	}
	d.progressMu.Lock()
	defer d.progressMu.Unlock()
	d.progress(int(atomic.LoadInt64(&d.completed)), d.total, result)
}

// targetPaths returns the PNG and WebP output paths for a source file.
func (d *Driver) targetPaths(path string) (string, string) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base)) + d.config.OutputSuffix

	dir := filepath.Dir(path)
	if d.config.OutputDirectory != "" {
		dir = d.config.OutputDirectory
	}

	return filepath.Join(dir, stem+".png"), filepath.Join(dir, stem+".webp")
}

// shouldSkip reports whether a file's outputs already exist and may not be
// overwritten. Dry runs never skip.
func (d *Driver) shouldSkip(pngTarget, webpTarget string) bool {
	if d.config.Security.DryRun || d.config.Processing.OverwriteExisting {
		return false
	}
	return fileExists(pngTarget) || fileExists(webpTarget)
}

// writeOutput writes encoded bytes to the target path, creating parent
// directories as needed. Dry runs only log the write.
func (d *Driver) writeOutput(targetPath string, data []byte) error {
	if d.config.Security.DryRun {
		d.logger.Infof("DRY-RUN: Would write %s (%d bytes)", targetPath, len(data))
		return nil
	}

	targetDir := filepath.Dir(targetPath)
	if _, err := os.Stat(targetDir); os.IsNotExist(err) {
		if err := os.MkdirAll(targetDir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", targetDir, err)
		}
		d.logger.Debugf("Created directory: %s", targetDir)
	}

	if err := os.WriteFile(targetPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", targetPath, err)
	}
	return nil
}

// fileExists returns true if the path exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// isGeneratedOutput reports whether a file name carries the output suffix.
func isGeneratedOutput(path, suffix string) bool {
	if suffix == "" {
		return false
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.HasSuffix(stem, suffix)
}
