/**
 * Line Layout for realigned OCR output
 *
 * Groups realigned lines into rows and pages in reading order:
 * - pages ascending
 * - rows top to bottom, a row being lines whose tops lie within a tolerance
 * - lines left to right within a row
 */

package processor

import (
	"sort"
	"strings"

	"github.com/adverant/nexus/textrealign-worker/internal/tabular"
)

// LineLayout orders realigned lines for plain-text rendering
type LineLayout struct {
	rowTolerance int
}

// LayoutResult represents the ordered document
type LayoutResult struct {
	Confidence float64 // mean line confidence on a 0-1 scale
	LineCount  int
	Pages      []PageLayout
}

// PageLayout holds the rows of one page
type PageLayout struct {
	PageNumber int
	Rows       []LayoutRow
}

// LayoutRow is a set of lines sharing a baseline band
type LayoutRow struct {
	Top   int
	Lines []tabular.Record
}

// NewLineLayout creates a layout that treats lines whose tops differ by at
// most rowTolerance pixels as one row
func NewLineLayout(rowTolerance int) *LineLayout {
	if rowTolerance < 0 {
		rowTolerance = 0
	}
	return &LineLayout{rowTolerance: rowTolerance}
}

// Analyze orders records into pages and rows. The input is not modified.
func (l *LineLayout) Analyze(records []tabular.Record) *LayoutResult {
	sorted := make([]tabular.Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Page != b.Page {
			return a.Page < b.Page
		}
		if a.Top != b.Top {
			return a.Top < b.Top
		}
		return a.Left < b.Left
	})

	result := &LayoutResult{LineCount: len(sorted)}
	var confSum float64
	for _, rec := range sorted {
		if rec.Conf > 0 {
			confSum += rec.Conf
		}

		if n := len(result.Pages); n == 0 || result.Pages[n-1].PageNumber != rec.Page {
			result.Pages = append(result.Pages, PageLayout{PageNumber: rec.Page})
		}
		page := &result.Pages[len(result.Pages)-1]

		if n := len(page.Rows); n > 0 && rec.Top-page.Rows[n-1].Top <= l.rowTolerance {
			page.Rows[n-1].Lines = append(page.Rows[n-1].Lines, rec)
			continue
		}
		page.Rows = append(page.Rows, LayoutRow{Top: rec.Top, Lines: []tabular.Record{rec}})
	}

	for p := range result.Pages {
		for r := range result.Pages[p].Rows {
			lines := result.Pages[p].Rows[r].Lines
			sort.SliceStable(lines, func(i, j int) bool { return lines[i].Left < lines[j].Left })
		}
	}

	if len(sorted) > 0 {
		result.Confidence = confSum / float64(len(sorted)) / 100
	}
	return result
}

// Text renders a page with one row per line and tabs between the lines of a row
func (p PageLayout) Text() string {
	rows := make([]string, len(p.Rows))
	for i, row := range p.Rows {
		texts := make([]string, len(row.Lines))
		for j, line := range row.Lines {
			texts[j] = line.Text
		}
		rows[i] = strings.Join(texts, "\t")
	}
	return strings.Join(rows, "\n")
}

// Text renders the document with pages separated by a blank line
func (r *LayoutResult) Text() string {
	pages := make([]string, len(r.Pages))
	for i, p := range r.Pages {
		pages[i] = p.Text()
	}
	return strings.Join(pages, "\n\n")
}

// LineTexts returns the text of every line in reading order
func (r *LayoutResult) LineTexts() []string {
	texts := make([]string, 0, r.LineCount)
	for _, p := range r.Pages {
		for _, row := range p.Rows {
			for _, line := range row.Lines {
				texts = append(texts, line.Text)
			}
		}
	}
	return texts
}

// Lines returns every line in reading order
func (r *LayoutResult) Lines() []tabular.Record {
	lines := make([]tabular.Record, 0, r.LineCount)
	for _, p := range r.Pages {
		for _, row := range p.Rows {
			lines = append(lines, row.Lines...)
		}
	}
	return lines
}
