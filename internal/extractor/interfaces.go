package extractor

import (
	"time"
)

// Prober reads basic metadata from image files.
type Prober interface {
	Probe(filePath string) (*ImageInfo, error)
	SupportsFile(filePath string) bool
}

// CachedProber extends Prober with caching capabilities.
type CachedProber interface {
	Prober
	ClearCache()
	GetCacheStats() CacheStats
}

// ImageInfo contains the metadata read from an image file.
// EXIF fields are zero values when the file carries no EXIF data.
type ImageInfo struct {
	Path      string
	Format    string
	Width     int
	Height    int
	SizeBytes int64
	ModTime   time.Time

	Orientation int
	TakenAt     *time.Time
	CameraMake  string
	CameraModel string
}

// Megapixels returns the pixel count in megapixels.
func (i *ImageInfo) Megapixels() float64 {
	return float64(i.Width) * float64(i.Height) / 1e6
}

// Camera returns the camera make and model as a single string, or "" when unknown.
func (i *ImageInfo) Camera() string {
	switch {
	case i.CameraMake != "" && i.CameraModel != "":
		return i.CameraMake + " " + i.CameraModel
	case i.CameraModel != "":
		return i.CameraModel
	default:
		return i.CameraMake
	}
}

// CacheStats contains statistics about cache performance.
type CacheStats struct {
	Hits         int64
	Misses       int64
	HitRate      float64
	TotalQueries int64
}
