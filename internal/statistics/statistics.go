package statistics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Statistics contains all counters for one compression run.
type Statistics struct {
	TotalFilesFound     int64
	TotalFilesProcessed int64
	FilesCompressed     int64
	FilesOptimized      int64
	FilesFailed         int64
	FilesSkipped        int64

	DecodeFailures  int64
	TierEscalations int64
	PNGWins         int64
	WebPWins        int64
	WebPTracksBuilt int64

	OriginalBytes   int64
	CompressedBytes int64
	SpaceSaved      int64

	StartTime       time.Time
	EndTime         time.Time
	Duration        time.Duration
	FilesPerSecond  float64
	AverageFileSize int64
	AverageRatio    float64

	Errors []StatError

	mutex sync.RWMutex

	ratioSum       float64
	InputTypeStats map[string]int64
}

// StatError represents an error that occurred during processing.
type StatError struct {
	FilePath  string
	Operation string
	Error     string
	Timestamp time.Time
}

// NewStatistics returns a new Statistics instance.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime:      time.Now(),
		InputTypeStats: make(map[string]int64),
		Errors:         make([]StatError, 0),
	}
}

// IncrementFilesFound increases the count of discovered files by 1.
func (s *Statistics) IncrementFilesFound() {
	atomic.AddInt64(&s.TotalFilesFound, 1)
}

// IncrementFilesProcessed increases the count of processed files by 1.
func (s *Statistics) IncrementFilesProcessed() {
	atomic.AddInt64(&s.TotalFilesProcessed, 1)
}

// IncrementFilesCompressed increases the count of files that came out smaller by 1.
func (s *Statistics) IncrementFilesCompressed() {
	atomic.AddInt64(&s.FilesCompressed, 1)
}

// IncrementFilesOptimized increases the count of files whose best output was
// not smaller than the original by 1.
func (s *Statistics) IncrementFilesOptimized() {
	atomic.AddInt64(&s.FilesOptimized, 1)
}

// IncrementFilesFailed increases the count of failed files by 1.
func (s *Statistics) IncrementFilesFailed() {
	atomic.AddInt64(&s.FilesFailed, 1)
}

// IncrementFilesSkipped increases the count of skipped files by 1.
func (s *Statistics) IncrementFilesSkipped() {
	atomic.AddInt64(&s.FilesSkipped, 1)
}

// IncrementDecodeFailures increases the count of undecodable files by 1.
func (s *Statistics) IncrementDecodeFailures() {
	atomic.AddInt64(&s.DecodeFailures, 1)
}

// IncrementTierEscalations increases the count of fallback tier escalations by 1.
func (s *Statistics) IncrementTierEscalations() {
	atomic.AddInt64(&s.TierEscalations, 1)
}

// IncrementPNGWins increases the count of files whose smallest output was PNG by 1.
func (s *Statistics) IncrementPNGWins() {
	atomic.AddInt64(&s.PNGWins, 1)
}

// IncrementWebPWins increases the count of files whose smallest output was WebP by 1.
func (s *Statistics) IncrementWebPWins() {
	atomic.AddInt64(&s.WebPWins, 1)
}

// IncrementWebPTracksBuilt increases the count of files that produced a WebP track by 1.
func (s *Statistics) IncrementWebPTracksBuilt() {
	atomic.AddInt64(&s.WebPTracksBuilt, 1)
}

// IncrementInputType increases the count for one input file extension by 1.
func (s *Statistics) IncrementInputType(ext string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.InputTypeStats[ext]++
}

// AddOriginalBytes adds the input size of one processed file.
func (s *Statistics) AddOriginalBytes(bytes int64) {
	atomic.AddInt64(&s.OriginalBytes, bytes)
}

// AddCompressedBytes adds the chosen output size of one processed file.
func (s *Statistics) AddCompressedBytes(bytes int64) {
	atomic.AddInt64(&s.CompressedBytes, bytes)
}

// AddRatio accumulates the best-track savings ratio of one file for the
// end-of-run average.
func (s *Statistics) AddRatio(ratio float64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.ratioSum += ratio
}

// AddError records an error that occurred during processing.
func (s *Statistics) AddError(filePath, operation, errorMsg string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.Errors = append(s.Errors, StatError{
		FilePath:  filePath,
		Operation: operation,
		Error:     errorMsg,
		Timestamp: time.Now(),
	})
}

// Finalize calculates the derived figures: duration, throughput, average
// input size, average ratio and saved bytes.
func (s *Statistics) Finalize() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)

	totalProcessed := atomic.LoadInt64(&s.TotalFilesProcessed)
	originalBytes := atomic.LoadInt64(&s.OriginalBytes)
	compressedBytes := atomic.LoadInt64(&s.CompressedBytes)

	if s.Duration.Seconds() > 0 {
		s.FilesPerSecond = float64(totalProcessed) / s.Duration.Seconds()
	}
	if totalProcessed > 0 {
		s.AverageFileSize = originalBytes / totalProcessed
	}

	succeeded := atomic.LoadInt64(&s.FilesCompressed) + atomic.LoadInt64(&s.FilesOptimized)
	if succeeded > 0 {
		s.AverageRatio = s.ratioSum / float64(succeeded)
	}

	s.SpaceSaved = originalBytes - compressedBytes
	if s.SpaceSaved < 0 {
		s.SpaceSaved = 0
	}
}

// GetSummary returns a formatted summary of all statistics.
func (s *Statistics) GetSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return fmt.Sprintf(`Compression Statistics Summary:

Files:
		Total Found: %d
		Total Processed: %d
		Compressed: %d
		Optimized (no gain): %d
		Failed: %d
		Skipped: %d

Compression:
		Original Bytes: %s
		Compressed Bytes: %s
		Space Saved: %s
		Average Ratio: %.1f%%
		Tier Escalations: %d
		PNG Wins: %d
		WebP Wins: %d
		WebP Tracks Built: %d
		Decode Failures: %d

Performance:
		Duration: %v
		Files/Second: %.2f
		Average File Size: %s`,
		atomic.LoadInt64(&s.TotalFilesFound),
		atomic.LoadInt64(&s.TotalFilesProcessed),
		atomic.LoadInt64(&s.FilesCompressed),
		atomic.LoadInt64(&s.FilesOptimized),
		atomic.LoadInt64(&s.FilesFailed),
		atomic.LoadInt64(&s.FilesSkipped),
		FormatBytes(atomic.LoadInt64(&s.OriginalBytes)),
		FormatBytes(atomic.LoadInt64(&s.CompressedBytes)),
		FormatBytes(s.SpaceSaved),
		s.AverageRatio,
		atomic.LoadInt64(&s.TierEscalations),
		atomic.LoadInt64(&s.PNGWins),
		atomic.LoadInt64(&s.WebPWins),
		atomic.LoadInt64(&s.WebPTracksBuilt),
		atomic.LoadInt64(&s.DecodeFailures),
		s.Duration,
		s.FilesPerSecond,
		FormatBytes(s.AverageFileSize))
}

// GetInputTypeBreakdown returns a formatted breakdown of input file types.
func (s *Statistics) GetInputTypeBreakdown() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.InputTypeStats) == 0 {
		return "No input type statistics available"
	}

	result := "Input Type Breakdown:\n"
	for fileType, count := range s.InputTypeStats {
		result += fmt.Sprintf("  %s: %d\n", fileType, count)
	}
	return result
}

// GetErrorSummary returns a summary of errors that occurred during processing.
func (s *Statistics) GetErrorSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.Errors) == 0 {
		return "No errors occurred during processing"
	}

	result := fmt.Sprintf("Errors (%d total):\n", len(s.Errors))
	for i, err := range s.Errors {
		if i >= 10 {
			result += fmt.Sprintf("  ... and %d more errors\n", len(s.Errors)-10)
			break
		}
		result += fmt.Sprintf("  [%s] %s: %s - %s\n",
			err.Timestamp.Format("15:04:05"),
			err.Operation,
			err.FilePath,
			err.Error)
	}
	return result
}

// FormatBytes returns a human-readable string for a byte count.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// GetTotalFilesProcessed returns the total number of files processed.
func (s *Statistics) GetTotalFilesProcessed() int64 {
	return atomic.LoadInt64(&s.TotalFilesProcessed)
}

// GetFilesFailed returns the total number of failed files.
func (s *Statistics) GetFilesFailed() int64 {
	return atomic.LoadInt64(&s.FilesFailed)
}

// GetSpaceSaved returns the number of bytes saved across the run.
func (s *Statistics) GetSpaceSaved() int64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.SpaceSaved
}

// GetDuration returns the total duration of the operation.
func (s *Statistics) GetDuration() time.Duration {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.Duration
}

// GetFilesPerSecond returns the average number of files processed per second.
func (s *Statistics) GetFilesPerSecond() float64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.FilesPerSecond
}
