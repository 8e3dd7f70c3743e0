package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"pixsqueeze/internal/compressor"
)

// Config represents the main configuration structure
type Config struct {
	OutputDirectory     string            `mapstructure:"output_directory"`
	OutputSuffix        string            `mapstructure:"output_suffix"`
	SupportedExtensions []string          `mapstructure:"supported_extensions"`
	Compression         CompressionConfig `mapstructure:"compression"`
	Processing          ProcessingConfig  `mapstructure:"processing"`
	Performance         PerformanceConfig `mapstructure:"performance"`
	Security            SecurityConfig    `mapstructure:"security"`
	Logging             LoggingConfig     `mapstructure:"logging"`
	Web                 WebConfig         `mapstructure:"web"`
}

// StrategyConfig describes one resize/encode parameter combination. The
// strategy lists are plain data so tiers can be edited without code changes.
type StrategyConfig struct {
	MaxDimension   int     `mapstructure:"max_dimension"`
	Format         string  `mapstructure:"format"`
	Quality        float64 `mapstructure:"quality"`
	FastResize     bool    `mapstructure:"fast_resize"`
	ViaJPEGQuality float64 `mapstructure:"via_jpeg_quality"`
}

// CompressionConfig contains the strategy tiers and the escalation threshold
type CompressionConfig struct {
	MinGainPercent float64          `mapstructure:"min_gain_percent"`
	PrimaryTier    []StrategyConfig `mapstructure:"primary_tier"`
	FallbackTier   []StrategyConfig `mapstructure:"fallback_tier"`
}

// ProcessingConfig contains file discovery settings
type ProcessingConfig struct {
	Recursive         bool `mapstructure:"recursive"`
	OverwriteExisting bool `mapstructure:"overwrite_existing"`
}

// PerformanceConfig contains performance tuning settings
type PerformanceConfig struct {
	WorkerThreads int  `mapstructure:"worker_threads"`
	ShowProgress  bool `mapstructure:"show_progress"`
}

// SecurityConfig contains safety settings
type SecurityConfig struct {
	DryRun         bool `mapstructure:"dry_run"`
	MaxFilesPerRun int  `mapstructure:"max_files_per_run"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// WebConfig contains the local web server settings
type WebConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	MaxUploadMB int    `mapstructure:"max_upload_mb"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		OutputSuffix: ".min",
		SupportedExtensions: []string{
			".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff", ".webp",
		},
		Compression: CompressionConfig{
			MinGainPercent: 5,
			PrimaryTier: []StrategyConfig{
				{MaxDimension: 2048, Format: "png", Quality: 0.95},
				{MaxDimension: 2048, Format: "png", Quality: 0.90},
				{MaxDimension: 2048, Format: "png", Quality: 0.90, ViaJPEGQuality: 0.85},
				{MaxDimension: 2048, Format: "webp", Quality: 0.90},
				{MaxDimension: 2048, Format: "webp", Quality: 0.80},
			},
			FallbackTier: []StrategyConfig{
				{MaxDimension: 1024, Format: "png", Quality: 0.80, FastResize: true},
				{MaxDimension: 1024, Format: "png", Quality: 0.70, FastResize: true},
				{MaxDimension: 1024, Format: "png", Quality: 0.60, FastResize: true},
				{MaxDimension: 1024, Format: "webp", Quality: 0.60, FastResize: true},
			},
		},
		Processing: ProcessingConfig{
			Recursive:         true,
			OverwriteExisting: false,
		},
		Performance: PerformanceConfig{
			WorkerThreads: 4,
			ShowProgress:  true,
		},
		Security: SecurityConfig{
			DryRun:         false,
			MaxFilesPerRun: 0, // 0 means no limit
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "pixsqueeze.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
		Web: WebConfig{
			Host:        "127.0.0.1",
			Port:        8080,
			MaxUploadMB: 64,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		// Look for config file in current directory and home directory
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.pixsqueeze")
		viper.AddConfigPath("/etc/pixsqueeze")
	}

	// Enable environment variable support
	viper.SetEnvPrefix("PIXSQUEEZE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Try to read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	// Unmarshal config
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate and normalize config
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate validates and normalizes the configuration
func (c *Config) Validate() error {
	c.SupportedExtensions = normalizeExtensions(c.SupportedExtensions)
	if len(c.SupportedExtensions) == 0 {
		return fmt.Errorf("supported_extensions must not be empty")
	}

	if c.OutputSuffix == "" {
		c.OutputSuffix = ".min"
	}
	if c.OutputDirectory != "" {
		c.OutputDirectory = expandPath(c.OutputDirectory)
	}

	if c.Compression.MinGainPercent < 0 || c.Compression.MinGainPercent > 100 {
		return fmt.Errorf("min_gain_percent must be between 0 and 100, got %.1f", c.Compression.MinGainPercent)
	}
	if len(c.Compression.PrimaryTier) == 0 {
		return fmt.Errorf("compression.primary_tier must contain at least one strategy")
	}
	if err := validateTier("primary_tier", c.Compression.PrimaryTier); err != nil {
		return err
	}
	if err := validateTier("fallback_tier", c.Compression.FallbackTier); err != nil {
		return err
	}

	// Validate performance settings
	if c.Performance.WorkerThreads <= 0 {
		c.Performance.WorkerThreads = 4
	}
	if c.Security.MaxFilesPerRun < 0 {
		c.Security.MaxFilesPerRun = 0
	}

	// Validate logging settings
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	// Validate web settings
	if c.Web.Host == "" {
		c.Web.Host = "127.0.0.1"
	}
	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		return fmt.Errorf("invalid web port: %d", c.Web.Port)
	}
	if c.Web.MaxUploadMB <= 0 {
		c.Web.MaxUploadMB = 64
	}

	return nil
}

// Tiers converts the configured strategy lists into the compressor's model.
// Call only after Validate.
func (c *CompressionConfig) Tiers() compressor.Tiers {
	return compressor.Tiers{
		Primary:        toStrategies(c.PrimaryTier),
		Fallback:       toStrategies(c.FallbackTier),
		MinGainPercent: c.MinGainPercent,
	}
}

// IsSupportedExtension checks if the extension belongs to a processable image
func (c *Config) IsSupportedExtension(ext string) bool {
	ext = strings.ToLower(ext)
	for _, supportedExt := range c.SupportedExtensions {
		if ext == supportedExt {
			return true
		}
	}
	return false
}

// WebAddr returns the web server listen address
func (c *Config) WebAddr() string {
	return fmt.Sprintf("%s:%d", c.Web.Host, c.Web.Port)
}

// Helper functions

func validateTier(name string, tier []StrategyConfig) error {
	for i := range tier {
		s := &tier[i]
		s.Format = strings.ToLower(s.Format)
		if s.Format != string(compressor.FormatPNG) && s.Format != string(compressor.FormatWebP) {
			return fmt.Errorf("%s[%d]: invalid format %q (valid: png, webp)", name, i, s.Format)
		}
		if s.MaxDimension <= 0 {
			return fmt.Errorf("%s[%d]: max_dimension must be positive, got %d", name, i, s.MaxDimension)
		}
		if s.Quality < 0 || s.Quality > 1 {
			return fmt.Errorf("%s[%d]: quality must be between 0 and 1, got %.2f", name, i, s.Quality)
		}
		if s.ViaJPEGQuality < 0 || s.ViaJPEGQuality > 1 {
			return fmt.Errorf("%s[%d]: via_jpeg_quality must be between 0 and 1, got %.2f", name, i, s.ViaJPEGQuality)
		}
	}
	return nil
}

func toStrategies(tier []StrategyConfig) []compressor.Strategy {
	strategies := make([]compressor.Strategy, len(tier))
	for i, s := range tier {
		strategies[i] = compressor.Strategy{
			MaxDimension:   s.MaxDimension,
			Format:         compressor.Format(s.Format),
			Quality:        s.Quality,
			FastResize:     s.FastResize,
			ViaJPEGQuality: s.ViaJPEGQuality,
		}
	}
	return strategies
}

func expandPath(path string) string {
	expanded := os.ExpandEnv(path)
	if strings.HasPrefix(expanded, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return expanded
		}
		expanded = filepath.Join(home, expanded[1:])
	}
	return expanded
}

func normalizeExtensions(extensions []string) []string {
	normalized := make([]string, len(extensions))
	for i, ext := range extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized[i] = ext
	}
	return normalized
}
