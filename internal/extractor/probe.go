package extractor

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/sirupsen/logrus"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// MetadataProber reads image dimensions and EXIF metadata from files.
type MetadataProber struct {
	logger *logrus.Logger
	cache  *sync.Map
	stats  CacheStats
	mutex  sync.RWMutex
}

// NewMetadataProber returns a new MetadataProber.
func NewMetadataProber(logger *logrus.Logger) *MetadataProber {
	return &MetadataProber{
		logger: logger,
		cache:  &sync.Map{},
		stats:  CacheStats{},
	}
}

// Probe returns the metadata of an image file. Dimensions and format come
// from the image header; EXIF fields are filled in on a best-effort basis.
func (p *MetadataProber) Probe(filePath string) (*ImageInfo, error) {
	if !p.SupportsFile(filePath) {
		return nil, fmt.Errorf("file type not supported by prober: %s", filePath)
	}

	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	if cached := p.getCachedInfo(filePath, fileInfo); cached != nil {
		p.incrementCacheHits()
		return cached, nil
	}

	p.incrementCacheMisses()

	info := &ImageInfo{
		Path:      filePath,
		SizeBytes: fileInfo.Size(),
		ModTime:   fileInfo.ModTime(),
	}

	if err := p.readHeader(filePath, info); err != nil {
		return nil, err
	}
	p.fillEXIF(filePath, info)

	p.cacheInfo(filePath, fileInfo, info)
	return info, nil
}

// SupportsFile reports whether the file is supported by this prober.
func (p *MetadataProber) SupportsFile(filePath string) bool {
	ext := strings.ToLower(filepath.Ext(filePath))
	supportedExts := []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff", ".webp"}

	return slices.Contains(supportedExts, ext)
}

// ClearCache removes all entries from the internal cache and resets statistics.
func (p *MetadataProber) ClearCache() {
	p.cache = &sync.Map{}
	p.mutex.Lock()
	p.stats = CacheStats{}
	p.mutex.Unlock()
}

// GetCacheStats returns cache statistics for this prober.
func (p *MetadataProber) GetCacheStats() CacheStats {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	stats := p.stats
	if stats.TotalQueries > 0 {
		stats.HitRate = float64(stats.Hits) / float64(stats.TotalQueries)
	}
	return stats
}

// readHeader fills in the format and dimensions from the image header.
func (p *MetadataProber) readHeader(filePath string, info *ImageInfo) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	cfg, format, err := image.DecodeConfig(file)
	if err != nil {
		return fmt.Errorf("failed to read image header: %w", err)
	}

	info.Format = format
	info.Width = cfg.Width
	info.Height = cfg.Height
	return nil
}

// fillEXIF fills in the EXIF fields using the rwcarlsen/goexif library.
// Files without EXIF data are left untouched.
func (p *MetadataProber) fillEXIF(filePath string, info *ImageInfo) {
	file, err := os.Open(filePath)
	if err != nil {
		return
	}
	defer file.Close()

	x, err := exif.Decode(file)
	if err != nil {
		p.logger.Debugf("No EXIF data in %s: %v", filePath, err)
		return
	}

	if field, err := x.Get(exif.Orientation); err == nil {
		if orientation, err := field.Int(0); err == nil {
			info.Orientation = orientation
		}
	}

	if field, err := x.Get(exif.Make); err == nil {
		if cameraMake, err := field.StringVal(); err == nil {
			info.CameraMake = strings.TrimSpace(cameraMake)
		}
	}

	if field, err := x.Get(exif.Model); err == nil {
		if cameraModel, err := field.StringVal(); err == nil {
			info.CameraModel = strings.TrimSpace(cameraModel)
		}
	}

	if tm, err := x.DateTime(); err == nil {
		p.logger.Debugf("Extracted DateTime from EXIF: %v for file %s", tm, filePath)
		info.TakenAt = &tm
		return
	}

	if field, err := x.Get(exif.DateTimeDigitized); err == nil {
		if dateStr, err := field.StringVal(); err == nil {
			if date := p.parseEXIFDateTime(dateStr); date != nil {
				p.logger.Debugf("Extracted DateTimeDigitized from EXIF: %v for file %s", date, filePath)
				info.TakenAt = date
			}
		}
	}
}

// parseEXIFDateTime parses an EXIF date time string and returns a time.Time pointer.
// Returns nil if parsing fails.
func (p *MetadataProber) parseEXIFDateTime(dateStr string) *time.Time {
	if dateStr == "" {
		return nil
	}

	formats := []string{
		"2006:01:02 15:04:05",
		"2006-01-02 15:04:05",
		"2006:01:02",
		"2006-01-02",
		time.RFC3339,
		time.RFC3339Nano,
	}

	for _, format := range formats {
		if date, err := time.Parse(format, dateStr); err == nil {
			return &date
		}
	}

	p.logger.Debugf("Failed to parse date string: %s", dateStr)
	return nil
}

// getCacheKey returns a cache key for the given file path and file info.
func (p *MetadataProber) getCacheKey(filePath string, fileInfo os.FileInfo) string {
	return fmt.Sprintf("%s:%d:%d", filePath, fileInfo.Size(), fileInfo.ModTime().Unix())
}

// getCachedInfo returns the cached metadata for the given file, or nil if not found.
func (p *MetadataProber) getCachedInfo(filePath string, fileInfo os.FileInfo) *ImageInfo {
	key := p.getCacheKey(filePath, fileInfo)
	if value, ok := p.cache.Load(key); ok {
		if info, ok := value.(ImageInfo); ok {
			return &info
		}
	}
	return nil
}

// cacheInfo stores the metadata in the cache for the given file.
func (p *MetadataProber) cacheInfo(filePath string, fileInfo os.FileInfo, info *ImageInfo) {
	if info == nil {
		return
	}

	key := p.getCacheKey(filePath, fileInfo)
	p.cache.Store(key, *info)
}

// incrementCacheHits increments the cache hit counter.
func (p *MetadataProber) incrementCacheHits() {
	p.mutex.Lock()
	p.stats.Hits++
	p.stats.TotalQueries++
	p.mutex.Unlock()
}

// incrementCacheMisses increments the cache miss counter.
func (p *MetadataProber) incrementCacheMisses() {
	p.mutex.Lock()
	p.stats.Misses++
	p.stats.TotalQueries++
	p.mutex.Unlock()
}
