package tabular

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/adverant/nexus/textrealign-worker/internal/errors"
	"golang.org/x/text/unicode/norm"
)

// Table is a header schema plus its typed rows
type Table struct {
	Schema  *Schema
	Records []Record
}

// NewTable creates a table over records using schema
func NewTable(schema *Schema, records []Record) *Table {
	return &Table{Schema: schema, Records: records}
}

// Len returns the number of data rows
func (t *Table) Len() int {
	return len(t.Records)
}

// ParseString parses TSV text into a table
func ParseString(data string) (*Table, error) {
	return Parse(strings.NewReader(data))
}

// Parse reads a TSV table. The first non-empty line is the header and
// selects the schema; every following non-empty line must have exactly as
// many columns. Parsing is all-or-nothing.
func Parse(r io.Reader) (*Table, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var (
		table  *Table
		lineNo int
	)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			continue
		}

		fields := strings.Split(line, "\t")
		if table == nil {
			schema, err := DetectSchema(fields)
			if err != nil {
				return nil, err
			}
			table = &Table{Schema: schema}
			continue
		}

		rec, err := parseRow(table.Schema, fields, lineNo)
		if err != nil {
			return nil, err
		}
		table.Records = append(table.Records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.NewParseError(lineNo+1, "", "unreadable input", err)
	}

	if table == nil {
		return &Table{Schema: CoordinateSchema}, nil
	}
	return table, nil
}

func parseRow(s *Schema, fields []string, lineNo int) (Record, error) {
	if len(fields) != len(s.Columns) {
		return Record{}, errors.NewParseError(lineNo, "",
			fmt.Sprintf("expected %d columns, got %d", len(s.Columns), len(fields)), nil)
	}

	field := func(col string) string { return fields[s.index[col]] }
	intField := func(col string) (int, error) {
		v, err := parseInt(field(col))
		if err != nil {
			return 0, errors.NewParseError(lineNo, col, field(col), err)
		}
		return v, nil
	}

	rec := Record{Page: DefaultPage}
	var err error

	if s.Paged() {
		if rec.Page, err = intField(s.pageCol); err != nil {
			return Record{}, err
		}
	}
	if rec.Left, err = intField(ColLeft); err != nil {
		return Record{}, err
	}
	if rec.Top, err = intField(ColTop); err != nil {
		return Record{}, err
	}

	switch s.extent {
	case ExtentSize:
		if rec.Width, err = intField(ColWidth); err != nil {
			return Record{}, err
		}
		if rec.Height, err = intField(ColHeight); err != nil {
			return Record{}, err
		}
	case ExtentEdges:
		right, err := intField(ColRight)
		if err != nil {
			return Record{}, err
		}
		bottom, err := intField(ColBottom)
		if err != nil {
			return Record{}, err
		}
		rec.Width = right - rec.Left
		rec.Height = bottom - rec.Top
	}
	if rec.Width < 0 {
		return Record{}, errors.NewParseError(lineNo, ColWidth, strconv.Itoa(rec.Width), fmt.Errorf("negative width"))
	}
	if rec.Height < 0 {
		return Record{}, errors.NewParseError(lineNo, ColHeight, strconv.Itoa(rec.Height), fmt.Errorf("negative height"))
	}

	conf, err := strconv.ParseFloat(strings.TrimSpace(field(ColConf)), 64)
	if err != nil || math.IsNaN(conf) {
		return Record{}, errors.NewParseError(lineNo, ColConf, field(ColConf), err)
	}
	rec.Conf = conf
	rec.Text = field(ColText)

	for i, col := range s.Columns {
		if s.isNamed(col) {
			continue
		}
		if rec.Attrs == nil {
			rec.Attrs = make(map[string]string, len(s.Columns))
		}
		rec.Attrs[col] = fields[i]
	}

	return rec, nil
}

// parseInt accepts plain integers and integral decimals such as "12.0"
func parseInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not an integer")
	}
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("out of range")
	}
	return int(f), nil
}

// CleanText makes OCR text safe for a TSV cell: NFC-normalized, with tabs
// and line breaks collapsed to spaces
func CleanText(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\n', '\r':
			return ' '
		}
		return r
	}, s)
	return norm.NFC.String(s)
}

// FormatConf renders a confidence in its shortest form ("85", "96.5")
func FormatConf(c float64) string {
	return strconv.FormatFloat(c, 'f', -1, 64)
}

// Format serializes the table: header, then one row per record, joined by
// newlines without a trailing newline.
func (t *Table) Format() string {
	var b strings.Builder
	t.WriteTo(&b)
	return b.String()
}

// WriteTo writes the formatted table to w
func (t *Table) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64

	write := func(s string) error {
		m, err := bw.WriteString(s)
		n += int64(m)
		return err
	}

	if err := write(t.Schema.Header()); err != nil {
		return n, err
	}
	row := make([]string, len(t.Schema.Columns))
	for _, rec := range t.Records {
		t.formatRow(rec, row)
		if err := write("\n" + strings.Join(row, "\t")); err != nil {
			return n, err
		}
	}
	return n, bw.Flush()
}

func (t *Table) formatRow(rec Record, row []string) {
	s := t.Schema
	for i, col := range s.Columns {
		if !s.isNamed(col) {
			row[i] = rec.Attrs[col]
			continue
		}
		switch col {
		case ColPage, ColPageNum:
			row[i] = strconv.Itoa(rec.Page)
		case ColLeft:
			row[i] = strconv.Itoa(rec.Left)
		case ColTop:
			row[i] = strconv.Itoa(rec.Top)
		case ColWidth:
			row[i] = strconv.Itoa(rec.Width)
		case ColHeight:
			row[i] = strconv.Itoa(rec.Height)
		case ColRight:
			row[i] = strconv.Itoa(rec.Right())
		case ColBottom:
			row[i] = strconv.Itoa(rec.Bottom())
		case ColConf:
			row[i] = FormatConf(rec.Conf)
		case ColText:
			row[i] = rec.Text
		}
	}
}
