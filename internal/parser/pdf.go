package parser

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	pdflib "github.com/ledongthuc/pdf"
)

// wordGapRatio is the horizontal gap, relative to font size, that separates
// two text runs on the same row with a space.
const wordGapRatio = 0.15

// LayoutExtractor produces coordinate-ordered plain text from a PDF for use as
// ground truth during reconciliation. It tries the Go library first, then
// falls back to pdftotext if enabled.
type LayoutExtractor struct {
	FallbackPdftotext bool
}

// Extract reads rows top to bottom on each page; pages are separated by a
// blank line.
func (e *LayoutExtractor) Extract(ctx context.Context, r io.Reader) (string, error) {
	// ledongthuc/pdf requires a ReadSeeker+size, so we write to a temp file.
	tmp, err := os.CreateTemp("", "docchat-pdf-*.pdf")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	tmp.Close()

	text, err := extractLayoutText(tmpPath)
	if (err != nil || strings.TrimSpace(text) == "") && e.FallbackPdftotext {
		text, err = extractPdftotext(ctx, tmpPath)
	}
	if err != nil {
		return "", fmt.Errorf("extract layout text: %w", err)
	}
	return strings.TrimSpace(text), nil
}

func extractLayoutText(path string) (string, error) {
	f, reader, err := pdflib.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var pages []string
	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			continue
		}
		if t := renderRows(rows); t != "" {
			pages = append(pages, t)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}

// renderRows orders rows by descending Y (PDF origin is bottom-left) and runs
// within a row by X.
func renderRows(rows pdflib.Rows) string {
	sorted := make([]*pdflib.Row, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Position > sorted[j].Position
	})

	var lines []string
	for _, row := range sorted {
		if line := renderRow(row.Content); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func renderRow(texts pdflib.TextHorizontal) string {
	runs := make([]pdflib.Text, len(texts))
	copy(runs, texts)
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].X < runs[j].X })

	var b strings.Builder
	var prev *pdflib.Text
	for i := range runs {
		t := &runs[i]
		if prev != nil && t.X-(prev.X+prev.W) > wordGapRatio*t.FontSize {
			b.WriteByte(' ')
		}
		b.WriteString(t.S)
		prev = t
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func extractPdftotext(ctx context.Context, path string) (string, error) {
	cmd := exec.CommandContext(ctx, "pdftotext", "-layout", path, "-")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("pdftotext: %w", err)
	}
	// Form feeds separate pages.
	return strings.ReplaceAll(string(out), "\f", "\n\n"), nil
}
