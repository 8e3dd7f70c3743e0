package extractor

import (
	"fmt"
	"sort"

	exiftool "github.com/barasher/go-exiftool"
	"github.com/sirupsen/logrus"
)

// DeepProber reads the full metadata table of a file through an external
// exiftool binary. It covers formats and maker notes that goexif cannot parse.
type DeepProber struct {
	logger *logrus.Logger
	et     *exiftool.Exiftool
}

// NewDeepProber starts an exiftool session. The caller must Close it.
// Returns an error when no exiftool binary is available on the system.
func NewDeepProber(logger *logrus.Logger) (*DeepProber, error) {
	et, err := exiftool.NewExiftool()
	if err != nil {
		return nil, fmt.Errorf("failed to start exiftool: %w", err)
	}

	return &DeepProber{
		logger: logger,
		et:     et,
	}, nil
}

// DeepProbe returns every metadata field exiftool reports for the file.
func (d *DeepProber) DeepProbe(filePath string) (map[string]string, error) {
	metas := d.et.ExtractMetadata(filePath)
	if len(metas) == 0 {
		return nil, fmt.Errorf("exiftool returned no metadata for %s", filePath)
	}

	meta := metas[0]
	if meta.Err != nil {
		return nil, fmt.Errorf("failed to extract metadata: %w", meta.Err)
	}

	fields := make(map[string]string, len(meta.Fields))
	for key := range meta.Fields {
		value, err := meta.GetString(key)
		if err != nil {
			d.logger.Debugf("Skipping metadata field %s: %v", key, err)
			continue
		}
		fields[key] = value
	}

	return fields, nil
}

// Close stops the underlying exiftool session.
func (d *DeepProber) Close() error {
	return d.et.Close()
}

// SortedKeys returns the metadata field names in a stable order.
func SortedKeys(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
