/**
 * Field extraction from realigned pages
 *
 * Named regular expressions run against the text of every page. A pattern
 * with a region only sees the words whose boxes lie inside that rectangle,
 * realigned on their own.
 */

package processor

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/adverant/nexus/textrealign-worker/internal/errors"
	"github.com/adverant/nexus/textrealign-worker/internal/realign"
	"github.com/adverant/nexus/textrealign-worker/internal/tabular"
)

// PatternNotFound is reported for a pattern with no match on a page
const PatternNotFound = "PATTERN NOT FOUND"

// Region is a page rectangle in pixels, (X1, Y1) top-left
type Region struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Contains reports whether the box of rec lies fully inside the region
func (r Region) Contains(rec tabular.Record) bool {
	return rec.Left >= r.X1 && rec.Top >= r.Y1 && rec.Right() <= r.X2 && rec.Bottom() <= r.Y2
}

// FieldPattern names a regular expression to extract. Group selects the
// submatch reported, 0 being the whole match.
type FieldPattern struct {
	Name    string  `json:"name"`
	Pattern string  `json:"pattern"`
	Group   int     `json:"group,omitempty"`
	Region  *Region `json:"region,omitempty"`
}

// FieldMatch is the outcome of one pattern on one page
type FieldMatch struct {
	Name  string `json:"name"`
	Page  int    `json:"page"`
	Value string `json:"value"`
	Found bool   `json:"found"`
}

// String renders the match as "name: value"
func (m FieldMatch) String() string {
	if !m.Found {
		return m.Name + ": " + PatternNotFound
	}
	return m.Name + ": " + m.Value
}

type compiledPattern struct {
	FieldPattern
	re *regexp.Regexp
}

// compilePatterns checks and compiles patterns. Dot matches newlines and
// ^ and $ match at line boundaries, since page text is multi-line.
func compilePatterns(patterns []FieldPattern) ([]compiledPattern, error) {
	out := make([]compiledPattern, 0, len(patterns))
	seen := make(map[string]bool, len(patterns))
	for i, fp := range patterns {
		if fp.Name == "" {
			return nil, errors.NewInvalidOptionsError(fmt.Sprintf("pattern %d has no name", i))
		}
		if seen[fp.Name] {
			return nil, errors.NewInvalidOptionsError(fmt.Sprintf("pattern %q is defined twice", fp.Name))
		}
		seen[fp.Name] = true

		re, err := regexp.Compile("(?sm)" + fp.Pattern)
		if err != nil {
			return nil, errors.NewInvalidOptionsError(fmt.Sprintf("pattern %q: %v", fp.Name, err))
		}
		if fp.Group < 0 || fp.Group > re.NumSubexp() {
			return nil, errors.NewInvalidOptionsError(fmt.Sprintf(
				"pattern %q has %d groups, group %d requested", fp.Name, re.NumSubexp(), fp.Group))
		}
		if r := fp.Region; r != nil && (r.X1 < 0 || r.Y1 < 0 || r.X2 <= r.X1 || r.Y2 <= r.Y1) {
			return nil, errors.NewInvalidOptionsError(fmt.Sprintf(
				"pattern %q region (%d,%d)-(%d,%d) is empty", fp.Name, r.X1, r.Y1, r.X2, r.Y2))
		}
		out = append(out, compiledPattern{FieldPattern: fp, re: re})
	}
	return out, nil
}

// extractFields runs every pattern on every page of words. Unrestricted
// patterns search the page text of layout; region patterns search the
// text of the words inside their region.
func (p *DocumentProcessor) extractFields(ctx context.Context, engine *realign.Engine, words []tabular.Record, layout *LayoutResult, patterns []compiledPattern) ([]FieldMatch, error) {
	if len(patterns) == 0 {
		return nil, nil
	}

	pageText := make(map[int]string, len(layout.Pages))
	for _, page := range layout.Pages {
		pageText[page.PageNumber] = page.Text()
	}

	type regionKey struct {
		page   int
		region Region
	}
	regionText := map[regionKey]string{}

	var fields []FieldMatch
	for _, page := range wordPages(words) {
		for _, cp := range patterns {
			text := pageText[page]
			if cp.Region != nil {
				key := regionKey{page, *cp.Region}
				cached, ok := regionText[key]
				if !ok {
					var err error
					if cached, err = p.regionText(ctx, engine, words, page, *cp.Region); err != nil {
						return nil, err
					}
					regionText[key] = cached
				}
				text = cached
			}
			fields = append(fields, matchField(cp, page, text))
		}
	}
	return fields, nil
}

// regionText realigns the words of one page that lie inside region
func (p *DocumentProcessor) regionText(ctx context.Context, engine *realign.Engine, words []tabular.Record, page int, region Region) (string, error) {
	var inside []tabular.Record
	for _, w := range words {
		if w.Page == page && region.Contains(w) {
			inside = append(inside, w)
		}
	}
	if len(inside) == 0 {
		return "", nil
	}
	lines, _, err := engine.Realign(ctx, inside)
	if err != nil {
		return "", err
	}
	return p.layout.Analyze(lines).Text(), nil
}

func matchField(cp compiledPattern, page int, text string) FieldMatch {
	m := FieldMatch{Name: cp.Name, Page: page}
	idx := cp.re.FindStringSubmatchIndex(text)
	if idx == nil || idx[2*cp.Group] < 0 {
		return m
	}
	m.Value = text[idx[2*cp.Group]:idx[2*cp.Group+1]]
	m.Found = true
	return m
}

// wordPages lists the distinct pages of words in order. A table without
// words still has its first page searched so every pattern is reported.
func wordPages(words []tabular.Record) []int {
	seen := map[int]bool{}
	var pages []int
	for _, w := range words {
		if !seen[w.Page] {
			seen[w.Page] = true
			pages = append(pages, w.Page)
		}
	}
	if len(pages) == 0 {
		return []int{tabular.DefaultPage}
	}
	sort.Ints(pages)
	return pages
}

// ValidatePatterns reports the first pattern that would fail to compile
func ValidatePatterns(patterns []FieldPattern) error {
	_, err := compilePatterns(patterns)
	return err
}
