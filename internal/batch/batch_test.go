package batch

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"pixsqueeze/internal/codec"
	"pixsqueeze/internal/compressor"
	"pixsqueeze/internal/config"
	"pixsqueeze/internal/statistics"

	"github.com/sirupsen/logrus"
)

func writeSourcePNG(t *testing.T, path string) {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 8), G: uint8(y * 10), B: 120, A: 255})
		}
	}

	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create source file: %v", err)
	}
	defer file.Close()

	if err := png.Encode(file, img); err != nil {
		t.Fatalf("encode source png: %v", err)
	}
}

func testConfig(t *testing.T, outDir string) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.OutputDirectory = outDir
	cfg.Performance.WorkerThreads = 1
	cfg.Compression.MinGainPercent = 0
	cfg.Compression.PrimaryTier = []config.StrategyConfig{
		{MaxDimension: 64, Format: "png", Quality: 0.9},
		{MaxDimension: 64, Format: "webp", Quality: 0.8},
	}
	cfg.Compression.FallbackTier = []config.StrategyConfig{
		{MaxDimension: 16, Format: "png", Quality: 0.6, FastResize: true},
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate config: %v", err)
	}
	return cfg
}

func newTestDriver(cfg *config.Config, progress ProgressFunc) (*Driver, *statistics.Statistics) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	stats := statistics.NewStatistics()
	comp := compressor.NewDefaultCompressor(codec.New(), cfg.Compression.Tiers(), logger)
	return NewDriverWithProgress(cfg, logger, stats, codec.LoadSourceImage, comp, progress), stats
}

func TestProcessCompressesFiles(t *testing.T) {
	srcDir := t.TempDir()
	outDir := t.TempDir()
	writeSourcePNG(t, filepath.Join(srcDir, "one.png"))
	writeSourcePNG(t, filepath.Join(srcDir, "two.png"))

	cfg := testConfig(t, outDir)
	driver, stats := newTestDriver(cfg, nil)

	results, err := driver.Process(context.Background(), []string{srcDir})
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	for _, result := range results {
		if result.Status != StatusDone {
			t.Errorf("expected done for %s, got %s (%s)", result.Path, result.Status, result.Message)
		}
		if result.PNGPath == "" || result.WebPPath == "" {
			t.Errorf("expected both output paths for %s", result.Path)
		}
		if _, err := os.Stat(result.PNGPath); err != nil {
			t.Errorf("expected png output on disk: %v", err)
		}
		if _, err := os.Stat(result.WebPPath); err != nil {
			t.Errorf("expected webp output on disk: %v", err)
		}
		if result.BestSize <= 0 {
			t.Errorf("expected positive best size, got %d", result.BestSize)
		}
	}

	if got := stats.GetTotalFilesProcessed(); got != 2 {
		t.Errorf("expected 2 processed, got %d", got)
	}
	if stats.TotalFilesFound != 2 {
		t.Errorf("expected 2 found, got %d", stats.TotalFilesFound)
	}
}

func TestProcessContinuesAfterFailure(t *testing.T) {
	srcDir := t.TempDir()
	writeSourcePNG(t, filepath.Join(srcDir, "good.png"))
	if err := os.WriteFile(filepath.Join(srcDir, "broken.png"), []byte("junk"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	cfg := testConfig(t, t.TempDir())
	driver, stats := newTestDriver(cfg, nil)

	results, err := driver.Process(context.Background(), []string{srcDir})
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	byName := make(map[string]FileResult, len(results))
	for _, result := range results {
		byName[filepath.Base(result.Path)] = result
	}

	broken := byName["broken.png"]
	if broken.Status != StatusFailed {
		t.Errorf("expected broken file to fail, got %s", broken.Status)
	}
	if !errors.Is(broken.Err, compressor.ErrNotDecodable) {
		t.Errorf("expected ErrNotDecodable, got %v", broken.Err)
	}

	good := byName["good.png"]
	if good.Status != StatusDone {
		t.Errorf("expected good file to finish, got %s (%s)", good.Status, good.Message)
	}

	if got := stats.GetFilesFailed(); got != 1 {
		t.Errorf("expected 1 failed, got %d", got)
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	srcDir := t.TempDir()
	outDir := t.TempDir()
	writeSourcePNG(t, filepath.Join(srcDir, "photo.png"))

	cfg := testConfig(t, outDir)
	cfg.Security.DryRun = true
	driver, _ := newTestDriver(cfg, nil)

	results, err := driver.Process(context.Background(), []string{srcDir})
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if len(results) != 1 || results[0].Status != StatusDone {
		t.Fatalf("expected one completed result, got %+v", results)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatalf("read output dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no outputs in dry run, found %d entries", len(entries))
	}
}

func TestSkipExistingOutputs(t *testing.T) {
	srcDir := t.TempDir()
	outDir := t.TempDir()
	writeSourcePNG(t, filepath.Join(srcDir, "photo.png"))
	if err := os.WriteFile(filepath.Join(outDir, "photo.min.png"), []byte("existing"), 0o644); err != nil {
		t.Fatalf("write existing output: %v", err)
	}

	cfg := testConfig(t, outDir)
	driver, stats := newTestDriver(cfg, nil)

	results, err := driver.Process(context.Background(), []string{srcDir})
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if len(results) != 1 || results[0].Status != StatusSkipped {
		t.Fatalf("expected skipped result, got %+v", results)
	}
	if got := stats.FilesSkipped; got != 1 {
		t.Errorf("expected 1 skipped, got %d", got)
	}
}

func TestOverwriteExistingOutputs(t *testing.T) {
	srcDir := t.TempDir()
	outDir := t.TempDir()
	writeSourcePNG(t, filepath.Join(srcDir, "photo.png"))
	target := filepath.Join(outDir, "photo.min.png")
	if err := os.WriteFile(target, []byte("old"), 0o644); err != nil {
		t.Fatalf("write existing output: %v", err)
	}

	cfg := testConfig(t, outDir)
	cfg.Processing.OverwriteExisting = true
	driver, _ := newTestDriver(cfg, nil)

	results, err := driver.Process(context.Background(), []string{srcDir})
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if len(results) != 1 || results[0].Status != StatusDone {
		t.Fatalf("expected completed result, got %+v", results)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read overwritten output: %v", err)
	}
	if string(data) == "old" {
		t.Error("expected output to be overwritten")
	}
}

func TestDiscoverHonorsRecursive(t *testing.T) {
	srcDir := t.TempDir()
	nested := filepath.Join(srcDir, "nested")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir nested: %v", err)
	}
	writeSourcePNG(t, filepath.Join(srcDir, "top.png"))
	writeSourcePNG(t, filepath.Join(nested, "deep.png"))

	cfg := testConfig(t, t.TempDir())
	cfg.Processing.Recursive = false
	driver, _ := newTestDriver(cfg, nil)

	files, err := driver.Discover([]string{srcDir})
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 file without recursion, got %d: %v", len(files), files)
	}

	cfg.Processing.Recursive = true
	files, err = driver.Discover([]string{srcDir})
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files with recursion, got %d: %v", len(files), files)
	}
}

func TestDiscoverSkipsGeneratedOutputs(t *testing.T) {
	srcDir := t.TempDir()
	writeSourcePNG(t, filepath.Join(srcDir, "photo.png"))
	writeSourcePNG(t, filepath.Join(srcDir, "photo.min.png"))

	cfg := testConfig(t, t.TempDir())
	driver, _ := newTestDriver(cfg, nil)

	files, err := driver.Discover([]string{srcDir})
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(files) != 1 || filepath.Base(files[0]) != "photo.png" {
		t.Fatalf("expected only the source file, got %v", files)
	}
}

func TestDiscoverMaxFilesPerRun(t *testing.T) {
	srcDir := t.TempDir()
	writeSourcePNG(t, filepath.Join(srcDir, "a.png"))
	writeSourcePNG(t, filepath.Join(srcDir, "b.png"))
	writeSourcePNG(t, filepath.Join(srcDir, "c.png"))

	cfg := testConfig(t, t.TempDir())
	cfg.Security.MaxFilesPerRun = 2
	driver, _ := newTestDriver(cfg, nil)

	files, err := driver.Discover([]string{srcDir})
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected discovery capped at 2, got %d", len(files))
	}
}

func TestDiscoverRejectsUnsupportedFileInput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("text"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	cfg := testConfig(t, t.TempDir())
	driver, _ := newTestDriver(cfg, nil)

	if _, err := driver.Discover([]string{path}); err == nil {
		t.Error("expected error for unsupported file input")
	}
}

func TestProgressReportsStateChanges(t *testing.T) {
	srcDir := t.TempDir()
	writeSourcePNG(t, filepath.Join(srcDir, "photo.png"))

	var statuses []FileStatus
	var lastCompleted, lastTotal int
	progress := func(completed, total int, result FileResult) {
		statuses = append(statuses, result.Status)
		lastCompleted = completed
		lastTotal = total
	}

	cfg := testConfig(t, t.TempDir())
	driver, _ := newTestDriver(cfg, progress)

	if _, err := driver.Process(context.Background(), []string{srcDir}); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	want := []FileStatus{StatusDecoding, StatusEncoding, StatusSelecting, StatusDone}
	seen := make(map[FileStatus]bool, len(statuses))
	for _, status := range statuses {
		seen[status] = true
	}
	for _, status := range want {
		if !seen[status] {
			t.Errorf("expected progress to report %s, got %v", status, statuses)
		}
	}

	if statuses[len(statuses)-1] != StatusDone {
		t.Errorf("expected final report to be done, got %s", statuses[len(statuses)-1])
	}
	if lastCompleted != 1 || lastTotal != 1 {
		t.Errorf("expected final counts 1/1, got %d/%d", lastCompleted, lastTotal)
	}
}

func TestTargetPathsAlongsideSource(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.OutputDirectory = ""
	driver, _ := newTestDriver(cfg, nil)

	pngTarget, webpTarget := driver.targetPaths(filepath.Join("photos", "trip.jpg"))
	if pngTarget != filepath.Join("photos", "trip.min.png") {
		t.Errorf("unexpected png target: %s", pngTarget)
	}
	if webpTarget != filepath.Join("photos", "trip.min.webp") {
		t.Errorf("unexpected webp target: %s", webpTarget)
	}
}

func TestTerminalStatus(t *testing.T) {
	terminal := []FileStatus{StatusDone, StatusFailed, StatusSkipped}
	for _, status := range terminal {
		if !status.Terminal() {
			t.Errorf("expected %s to be terminal", status)
		}
	}

	active := []FileStatus{StatusPending, StatusDecoding, StatusEncoding, StatusSelecting}
	for _, status := range active {
		if status.Terminal() {
			t.Errorf("expected %s to be non-terminal", status)
		}
	}
}
