/**
 * Word records - the rows of an OCR word table
 *
 * A Record is either one word detected by OCR or a line produced by merging
 * words; both share the same shape so tables stay homogeneous.
 */

package tabular

import (
	"maps"
)

// DefaultPage is assigned to rows of schemas without a page column
const DefaultPage = 1

// Record is one row of a word table
type Record struct {
	Page   int
	Left   int
	Top    int
	Width  int
	Height int
	Conf   float64
	Text   string

	// Attrs holds passthrough columns (e.g. Tesseract's level, block_num)
	// keyed by column name. It is never mutated after parsing.
	Attrs map[string]string
}

// Right returns the right edge x coordinate
func (r Record) Right() int {
	return r.Left + r.Width
}

// Bottom returns the bottom edge y coordinate
func (r Record) Bottom() int {
	return r.Top + r.Height
}

// Clone returns a copy of r that shares no maps with it
func (r Record) Clone() Record {
	r.Attrs = maps.Clone(r.Attrs)
	return r
}

// Equal reports whether two records hold the same values
func (r Record) Equal(o Record) bool {
	return r.Page == o.Page &&
		r.Left == o.Left &&
		r.Top == o.Top &&
		r.Width == o.Width &&
		r.Height == o.Height &&
		r.Conf == o.Conf &&
		r.Text == o.Text &&
		maps.Equal(r.Attrs, o.Attrs)
}
