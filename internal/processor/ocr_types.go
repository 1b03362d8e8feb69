/**
 * OCR Types - Shared data structures for OCR operations
 *
 * Word-level results produced by the OCR engine and their conversion into
 * word records for realignment.
 */

package processor

import (
	"image"
	"math"
	"time"

	"github.com/adverant/nexus/textrealign-worker/internal/tabular"
)

// OCRResult represents the result of OCR processing across all pages
type OCRResult struct {
	Engine     string // Which OCR engine produced the words ("tesseract", "tsv")
	Confidence float64
	Pages      []OCRPage
	Duration   time.Duration
}

// OCRPage represents a single page of OCR results
type OCRPage struct {
	PageNumber int
	Width      int
	Height     int
	Confidence float64
	Words      []OCRWord
}

// OCRWord represents a single word with bounding box
type OCRWord struct {
	Text        string
	Confidence  float64 // 0-100, as reported by Tesseract
	BoundingBox BoundingBox
}

// BoundingBox represents coordinates of a region
type BoundingBox struct {
	X      int
	Y      int
	Width  int
	Height int
}

// BoundingBoxFromRect converts an image rectangle to a bounding box
func BoundingBoxFromRect(r image.Rectangle) BoundingBox {
	r = r.Canon()
	return BoundingBox{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// WordCount returns the number of words on all pages
func (r *OCRResult) WordCount() int {
	n := 0
	for _, p := range r.Pages {
		n += len(p.Words)
	}
	return n
}

// Records flattens the pages into word records in page then engine order.
// Confidence is rounded to two decimals and text is cleaned for TSV.
func (r *OCRResult) Records() []tabular.Record {
	records := make([]tabular.Record, 0, r.WordCount())
	for _, page := range r.Pages {
		for _, w := range page.Words {
			records = append(records, tabular.Record{
				Page:   page.PageNumber,
				Left:   w.BoundingBox.X,
				Top:    w.BoundingBox.Y,
				Width:  w.BoundingBox.Width,
				Height: w.BoundingBox.Height,
				Conf:   roundConf(w.Confidence),
				Text:   tabular.CleanText(w.Text),
			})
		}
	}
	return records
}

// Table returns the words as a paged coordinate table
func (r *OCRResult) Table() *tabular.Table {
	return tabular.NewTable(tabular.PagedCoordinateSchema, r.Records())
}

func roundConf(c float64) float64 {
	return math.Round(c*100) / 100
}

// meanWordConfidence averages word confidence on a 0-1 scale
func meanWordConfidence(words []OCRWord) float64 {
	if len(words) == 0 {
		return 0
	}
	var sum float64
	for _, w := range words {
		sum += w.Confidence
	}
	return sum / float64(len(words)) / 100
}
