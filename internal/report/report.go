// Package report renders compression results for the terminal.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"pixsqueeze/internal/batch"
	"pixsqueeze/internal/extractor"
	"pixsqueeze/internal/statistics"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

// Printer writes human-readable reports to a terminal.
type Printer struct {
	out   io.Writer
	quiet bool

	green  func(a ...interface{}) string
	red    func(a ...interface{}) string
	yellow func(a ...interface{}) string
	bold   func(a ...interface{}) string
}

// NewPrinter returns a Printer. When noColor is set, status coloring is
// disabled for all subsequent output.
func NewPrinter(out io.Writer, noColor, quiet bool) *Printer {
	if noColor {
		color.NoColor = true
	}
	return &Printer{
		out:    out,
		quiet:  quiet,
		green:  color.New(color.FgGreen).SprintFunc(),
		red:    color.New(color.FgRed).SprintFunc(),
		yellow: color.New(color.FgYellow).SprintFunc(),
		bold:   color.New(color.Bold).SprintFunc(),
	}
}

// PrintResults renders one row per processed file.
func (p *Printer) PrintResults(results []batch.FileResult) {
	if p.quiet || len(results) == 0 {
		return
	}

	table := tablewriter.NewWriter(p.out)
	table.SetHeader([]string{"File", "Original", "PNG", "WebP", "Best", "Saved", "Status"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)

	for _, result := range results {
		table.Append([]string{
			filepath.Base(result.Path),
			sizeCell(result.OriginalSize),
			sizeCell(result.PNGSize),
			sizeCell(result.WebPSize),
			bestCell(result),
			savedCell(result),
			p.statusCell(result),
		})
	}

	table.Render()
	fmt.Fprintln(p.out)
}

// PrintSummary renders the aggregate statistics block.
func (p *Printer) PrintSummary(stats *statistics.Statistics) {
	fmt.Fprintln(p.out, stats.GetSummary())

	if stats.GetFilesFailed() > 0 {
		fmt.Fprintln(p.out)
		fmt.Fprintln(p.out, p.red(stats.GetErrorSummary()))
	}
}

// PrintFiles renders a plain list of discovered files with sizes and a total.
func (p *Printer) PrintFiles(files []string) {
	var total int64
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			fmt.Fprintln(p.out, file)
			continue
		}
		total += info.Size()
		fmt.Fprintf(p.out, "%s  (%s)\n", file, statistics.FormatBytes(info.Size()))
	}

	summary := fmt.Sprintf("%d supported image files", len(files))
	if total > 0 {
		summary += ", " + statistics.FormatBytes(total) + " total"
	}
	fmt.Fprintf(p.out, "\n%s\n", p.bold(summary))
}

// PrintImageInfo renders the metadata of a single image.
func (p *Printer) PrintImageInfo(info *extractor.ImageInfo) {
	fmt.Fprintf(p.out, "%s\n", p.bold(info.Path))
	fmt.Fprintf(p.out, "  Format:     %s\n", info.Format)
	fmt.Fprintf(p.out, "  Dimensions: %dx%d (%.1f MP)\n", info.Width, info.Height, info.Megapixels())
	fmt.Fprintf(p.out, "  Size:       %s\n", statistics.FormatBytes(info.SizeBytes))
	fmt.Fprintf(p.out, "  Modified:   %s\n", info.ModTime.Format("2006-01-02 15:04:05"))

	if info.Orientation > 0 {
		fmt.Fprintf(p.out, "  Orientation: %d\n", info.Orientation)
	}
	if camera := info.Camera(); camera != "" {
		fmt.Fprintf(p.out, "  Camera:     %s\n", camera)
	}
	if info.TakenAt != nil {
		fmt.Fprintf(p.out, "  Taken:      %s\n", info.TakenAt.Format("2006-01-02 15:04:05"))
	}
}

// PrintMetadataFields renders a full metadata table in stable key order.
func (p *Printer) PrintMetadataFields(fields map[string]string) {
	table := tablewriter.NewWriter(p.out)
	table.SetHeader([]string{"Field", "Value"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, key := range extractor.SortedKeys(fields) {
		table.Append([]string{key, fields[key]})
	}

	table.Render()
}

// statusCell returns the colored status column for a result.
func (p *Printer) statusCell(result batch.FileResult) string {
	switch result.Status {
	case batch.StatusDone:
		if result.Escalated {
			return p.green("done") + " " + p.yellow("(fallback)")
		}
		return p.green("done")
	case batch.StatusFailed:
		return p.red("failed")
	case batch.StatusSkipped:
		return p.yellow("skipped")
	default:
		return string(result.Status)
	}
}

// sizeCell returns a human-readable size, or a dash for an absent track.
func sizeCell(size int64) string {
	if size <= 0 {
		return "-"
	}
	return statistics.FormatBytes(size)
}

// bestCell returns the winning format column.
func bestCell(result batch.FileResult) string {
	if result.Status != batch.StatusDone {
		return "-"
	}
	return string(result.BestFormat)
}

// savedCell returns the savings ratio column.
func savedCell(result batch.FileResult) string {
	if result.Status != batch.StatusDone {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", result.Ratio)
}
