// Package metrics provides Prometheus metrics for pixsqueeze.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FilesProcessedTotal counts processed files by final status.
	FilesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pixsqueeze",
			Name:      "files_processed_total",
			Help:      "Total number of processed files by final status",
		},
		[]string{"status"},
	)

	// BytesSavedTotal counts bytes saved by chosen outputs.
	BytesSavedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pixsqueeze",
			Name:      "bytes_saved_total",
			Help:      "Total number of bytes saved across all chosen outputs",
		},
	)

	// TierEscalationsTotal counts fallback tier escalations.
	TierEscalationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pixsqueeze",
			Name:      "tier_escalations_total",
			Help:      "Total number of fallback tier escalations",
		},
	)

	// CompressDuration measures per-file compression duration.
	CompressDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pixsqueeze",
			Name:      "compress_duration_seconds",
			Help:      "Duration of per-file compression in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// UploadsTotal counts files received through the web upload endpoint.
	UploadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pixsqueeze",
			Name:      "uploads_total",
			Help:      "Total number of files received via web upload",
		},
	)
)

// RecordFile records one processed file with its final status and duration.
func RecordFile(status string, seconds float64) {
	FilesProcessedTotal.WithLabelValues(status).Inc()
	CompressDuration.Observe(seconds)
}

// RecordSavings records the bytes saved by one file's chosen output.
func RecordSavings(bytes int64) {
	if bytes > 0 {
		BytesSavedTotal.Add(float64(bytes))
	}
}

// RecordEscalation records one fallback tier escalation.
func RecordEscalation() {
	TierEscalationsTotal.Inc()
}

// RecordUploads records files received via web upload.
func RecordUploads(count int) {
	UploadsTotal.Add(float64(count))
}
