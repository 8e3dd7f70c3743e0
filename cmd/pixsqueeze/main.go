package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"pixsqueeze/internal/batch"
	"pixsqueeze/internal/codec"
	"pixsqueeze/internal/compressor"
	"pixsqueeze/internal/config"
	"pixsqueeze/internal/extractor"
	"pixsqueeze/internal/logger"
	"pixsqueeze/internal/report"
	"pixsqueeze/internal/statistics"
	"pixsqueeze/internal/web"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	outputDir string
	workers   int
	recursive bool
	overwrite bool
	minGain   float64
	dryRun    bool
	logLevel  string
	verbose   bool
	quiet     bool
	noColor   bool
	deep      bool
	serveHost string
	servePort int
	version   string
	buildTime string
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "pixsqueeze [files or directories]",
	Short: "Compress images into competing PNG and WebP tracks",
	Long: `pixsqueeze re-encodes images with a set of competing strategies and keeps
the smallest result per output format.

Every file is encoded by a primary tier of strategies running concurrently;
when the best primary result saves too little, a more aggressive fallback
tier takes over. PNG and WebP outputs are selected independently, so each
file ends up with the best achievable variant of both.

Features:
- Concurrent encode strategies with per-file PNG and WebP outputs
- Automatic fallback to aggressive settings when savings are too small
- Lossy JPEG roundtrip strategies for stubborn PNG sources
- Dry-run mode for previewing savings
- Web interface with live progress
- Comprehensive logging and statistics`,
	Version: version,
}

// scanCmd lists the supported files a run would pick up.
var scanCmd = &cobra.Command{
	Use:   "scan [files or directories]",
	Short: "List supported image files without compressing them",
	Long: `Scan the given paths (or the current directory) and list every image file
a compression run would pick up. Useful for checking extension filters,
recursion settings and the per-run file limit before committing to a run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan(args)
	},
}

// inspectCmd shows the metadata of a single image.
var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Show image dimensions and metadata for a file",
	Long: `Reads the image header and EXIF metadata of a single file and prints
dimensions, format, camera and capture date. With --deep, the full metadata
table is read through an external exiftool binary.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(args[0])
	},
}

// serveCmd starts the web interface server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start web interface server",
	Long: `Starts a web server with a browser interface for pixsqueeze.
The web interface allows you to:
- Drop images and compress them without touching the local filesystem
- Watch per-file progress in real-time
- Download the PNG and WebP results
- View statistics and Prometheus metrics

Access the interface at http://<host>:<port> (default: 127.0.0.1:8080)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Assigned here instead of in the literal to avoid an initialization
	// cycle: runCompress reads rootCmd's flags via loadConfig.
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runCompress(args)
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.Flags().StringVarP(&outputDir, "output", "o", "", "directory for compressed outputs (default: alongside sources)")
	rootCmd.Flags().IntVar(&workers, "workers", 0, "number of files to process in parallel")
	rootCmd.Flags().BoolVarP(&recursive, "recursive", "r", true, "descend into subdirectories")
	rootCmd.Flags().BoolVar(&overwrite, "overwrite", false, "overwrite existing outputs")
	rootCmd.Flags().Float64Var(&minGain, "min-gain", -1, "minimum primary tier savings percent before falling back")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "compress without writing any outputs")

	inspectCmd.Flags().BoolVar(&deep, "deep", false, "read the full metadata table via exiftool")

	serveCmd.Flags().StringVar(&serveHost, "host", "", "host to bind the web server to")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to run the web server on")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(serveCmd)
}

// initConfig loads configuration file and environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.pixsqueeze")
		viper.AddConfigPath("/etc/pixsqueeze")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && !quiet {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// runCompress executes the main compression logic.
func runCompress(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	inputs := args
	if len(inputs) == 0 {
		inputs = []string{"."}
	}

	log := setupLogger(cfg)
	stats := statistics.NewStatistics()
	comp := compressor.NewDefaultCompressor(codec.New(), cfg.Compression.Tiers(), log)

	var progress batch.ProgressFunc
	if cfg.Performance.ShowProgress && !quiet {
		progress = func(completed, total int, result batch.FileResult) {
			if result.Status.Terminal() {
				fmt.Fprintf(os.Stderr, "[%d/%d] %s: %s\n",
					completed, total, filepath.Base(result.Path), result.Status)
			}
		}
	}

	driver := batch.NewDriverWithProgress(cfg, log, stats, codec.LoadSourceImage, comp, progress)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, runErr := driver.Process(ctx, inputs)
	if len(results) > 0 {
		log.Infof("Finished %d files in %s (%.1f files/sec), saved %s",
			stats.GetTotalFilesProcessed(), stats.GetDuration().Round(time.Millisecond),
			stats.GetFilesPerSecond(), statistics.FormatBytes(stats.GetSpaceSaved()))
	}

	printer := report.NewPrinter(os.Stdout, noColor, quiet)
	if len(results) > 0 {
		fmt.Println()
		printer.PrintResults(results)
		if !quiet {
			printer.PrintSummary(stats)
		}
	} else if runErr == nil && !quiet {
		fmt.Println("No supported image files found")
	}

	if runErr != nil {
		return fmt.Errorf("compression failed: %w", runErr)
	}
	return nil
}

// runScan lists the files a compression run would process.
func runScan(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	inputs := args
	if len(inputs) == 0 {
		inputs = []string{"."}
	}

	log := setupLogger(cfg)
	stats := statistics.NewStatistics()
	comp := compressor.NewDefaultCompressor(codec.New(), cfg.Compression.Tiers(), log)
	driver := batch.NewDriver(cfg, log, stats, codec.LoadSourceImage, comp)

	files, err := driver.Discover(inputs)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	printer := report.NewPrinter(os.Stdout, noColor, quiet)
	printer.PrintFiles(files)
	return nil
}

// runInspect prints the metadata of a single image file.
func runInspect(filePath string) error {
	if !fileExists(filePath) {
		return fmt.Errorf("file does not exist: %s", filePath)
	}

	log := logrus.New()
	if !verbose {
		log.SetLevel(logrus.WarnLevel)
	}

	var prober extractor.Prober = extractor.NewMetadataProber(log)
	info, err := prober.Probe(filePath)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", filePath, err)
	}

	printer := report.NewPrinter(os.Stdout, noColor, quiet)
	printer.PrintImageInfo(info)

	if deep {
		deepProber, err := extractor.NewDeepProber(log)
		if err != nil {
			return fmt.Errorf("deep inspection unavailable: %w", err)
		}
		defer deepProber.Close()

		fields, err := deepProber.DeepProbe(filePath)
		if err != nil {
			return fmt.Errorf("deep inspection failed: %w", err)
		}

		fmt.Println()
		printer.PrintMetadataFields(fields)
	}

	return nil
}

// runServe starts the web server and handles graceful shutdown.
func runServe() error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CONFIG LOAD ERROR: %v\n", err)
		cfg = config.DefaultConfig()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("default config invalid: %w", err)
		}
	}

	if serveHost != "" {
		cfg.Web.Host = serveHost
	}
	if servePort > 0 {
		cfg.Web.Port = servePort
	}

	log := setupLogger(cfg)
	server := web.NewServer(cfg, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	fmt.Printf("🚀 pixsqueeze web interface started!\n")
	fmt.Printf("📱 Open your browser and go to: http://%s\n", cfg.WebAddr())
	fmt.Printf("🛑 Press Ctrl+C to stop the server\n\n")

	<-sigChan
	fmt.Println("\n🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	fmt.Println("✅ Server stopped gracefully")
	return nil
}

// loadConfig loads configuration and applies CLI overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	if outputDir != "" {
		cfg.OutputDirectory = outputDir
	}
	if workers > 0 {
		cfg.Performance.WorkerThreads = workers
	}
	if rootCmd.Flags().Changed("recursive") {
		cfg.Processing.Recursive = recursive
	}
	if overwrite {
		cfg.Processing.OverwriteExisting = true
	}
	if dryRun {
		cfg.Security.DryRun = true
	}
	if minGain >= 0 {
		cfg.Compression.MinGainPercent = minGain
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggingCfg := cfg.Logging
	if logLevel != "" {
		loggingCfg.Level = logLevel
	}
	if verbose {
		loggingCfg.Level = "debug"
	}
	if quiet {
		loggingCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggingCfg, !quiet)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// fileExists returns true if the given path exists and is a file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
