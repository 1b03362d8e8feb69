package tabular

import (
	"fmt"
	"strings"

	"github.com/adverant/nexus/textrealign-worker/internal/errors"
)

// Column names understood by the codec. Any other column is carried
// through untouched in Record.Attrs.
const (
	ColPage    = "page"
	ColPageNum = "page_num"
	ColLeft    = "left"
	ColTop     = "top"
	ColRight   = "right"
	ColBottom  = "bottom"
	ColWidth   = "width"
	ColHeight  = "height"
	ColConf    = "conf"
	ColText    = "text"
)

// ExtentMode says how a schema encodes the horizontal and vertical extent of a box
type ExtentMode int

const (
	// ExtentSize uses width and height columns
	ExtentSize ExtentMode = iota
	// ExtentEdges uses right and bottom columns
	ExtentEdges
)

// Schema is an ordered list of named columns. Fields are always resolved
// by name; positions are only used when splitting and joining rows.
type Schema struct {
	Name    string
	Columns []string

	index   map[string]int
	pageCol string
	extent  ExtentMode
}

var (
	// CoordinateSchema is the documented per-page layout and the canonical one
	CoordinateSchema = MustSchema("coordinate",
		ColLeft, ColTop, ColRight, ColBottom, ColConf, ColText)

	// PagedCoordinateSchema adds a leading page column for multi-page documents
	PagedCoordinateSchema = MustSchema("paged-coordinate",
		ColPage, ColLeft, ColTop, ColRight, ColBottom, ColConf, ColText)

	// TesseractSchema is Tesseract's native TSV output
	TesseractSchema = MustSchema("tesseract",
		"level", ColPageNum, "block_num", "par_num", "line_num", "word_num",
		ColLeft, ColTop, ColWidth, ColHeight, ColConf, ColText)

	knownSchemas = []*Schema{CoordinateSchema, PagedCoordinateSchema, TesseractSchema}
)

// NewSchema validates columns and builds a schema from them
func NewSchema(name string, columns ...string) (*Schema, error) {
	if len(columns) == 0 {
		return nil, errors.NewSchemaMismatchError(columns, "no columns")
	}

	s := &Schema{
		Name:    name,
		Columns: append([]string(nil), columns...),
		index:   make(map[string]int, len(columns)),
	}
	for i, c := range columns {
		if c == "" {
			return nil, errors.NewSchemaMismatchError(columns, fmt.Sprintf("empty column name at position %d", i))
		}
		if _, dup := s.index[c]; dup {
			return nil, errors.NewSchemaMismatchError(columns, fmt.Sprintf("duplicate column %q", c))
		}
		s.index[c] = i
	}

	for _, c := range []string{ColLeft, ColTop, ColConf, ColText} {
		if !s.Has(c) {
			return nil, errors.NewSchemaMismatchError(columns, fmt.Sprintf("missing column %q", c))
		}
	}

	switch {
	case s.Has(ColWidth) && s.Has(ColHeight):
		s.extent = ExtentSize
	case s.Has(ColRight) && s.Has(ColBottom):
		s.extent = ExtentEdges
	default:
		return nil, errors.NewSchemaMismatchError(columns, "need width+height or right+bottom columns")
	}

	switch {
	case s.Has(ColPage) && s.Has(ColPageNum):
		return nil, errors.NewSchemaMismatchError(columns, "both page and page_num present")
	case s.Has(ColPage):
		s.pageCol = ColPage
	case s.Has(ColPageNum):
		s.pageCol = ColPageNum
	}

	return s, nil
}

// MustSchema is NewSchema for package-level schemas known to be valid
func MustSchema(name string, columns ...string) *Schema {
	s, err := NewSchema(name, columns...)
	if err != nil {
		panic(err)
	}
	return s
}

// DetectSchema builds the schema described by a header row, reusing the
// name of a predefined schema when the header matches one exactly.
func DetectSchema(header []string) (*Schema, error) {
	for _, known := range knownSchemas {
		if equalColumns(known.Columns, header) {
			return known, nil
		}
	}
	return NewSchema("custom", header...)
}

// Has reports whether the schema contains column
func (s *Schema) Has(column string) bool {
	_, ok := s.index[column]
	return ok
}

// Index returns the position of column, or -1
func (s *Schema) Index(column string) int {
	if i, ok := s.index[column]; ok {
		return i
	}
	return -1
}

// Paged reports whether rows carry their own page number
func (s *Schema) Paged() bool {
	return s.pageCol != ""
}

// Extent returns how box extents are encoded
func (s *Schema) Extent() ExtentMode {
	return s.extent
}

// Header returns the header row
func (s *Schema) Header() string {
	return strings.Join(s.Columns, "\t")
}

// isNamed reports whether column maps to a Record field rather than Attrs
func (s *Schema) isNamed(column string) bool {
	switch column {
	case ColLeft, ColTop, ColConf, ColText:
		return true
	case ColWidth, ColHeight:
		return s.extent == ExtentSize
	case ColRight, ColBottom:
		return s.extent == ExtentEdges
	case ColPage, ColPageNum:
		return column == s.pageCol
	}
	return false
}

func equalColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
