package tabular

import "strings"

// DefaultConfThreshold drops the words Tesseract is least sure about
const DefaultConfThreshold = 10

// FilterByConfidence returns the records whose confidence is at least
// threshold, in their original order. The input slice is not modified.
func FilterByConfidence(records []Record, threshold int) []Record {
	limit := float64(threshold)
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if rec.Conf >= limit {
			out = append(out, rec)
		}
	}
	return out
}

// FilterConfidence returns a new table holding the records of t that pass
// FilterByConfidence
func (t *Table) FilterConfidence(threshold int) *Table {
	return &Table{Schema: t.Schema, Records: FilterByConfidence(t.Records, threshold)}
}

// FilterText parses data, drops low-confidence rows and serializes the
// result with the same header. Blank and header-only input is returned
// unchanged.
func FilterText(data string, threshold int) (string, error) {
	if strings.TrimSpace(data) == "" {
		return data, nil
	}
	table, err := ParseString(data)
	if err != nil {
		return "", err
	}
	if table.Len() == 0 {
		return data, nil
	}
	return table.FilterConfidence(threshold).Format(), nil
}
