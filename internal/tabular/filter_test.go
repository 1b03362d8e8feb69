package tabular

import (
	"math/rand"
	"testing"
)

func TestFilterByConfidence(t *testing.T) {
	records := []Record{
		{Left: 0, Conf: 95, Text: "keep"},
		{Left: 1, Conf: 9.99, Text: "drop"},
		{Left: 2, Conf: 10, Text: "boundary"},
		{Left: 3, Conf: -1, Text: ""},
		{Left: 4, Conf: 42, Text: "also"},
	}

	got := FilterByConfidence(records, DefaultConfThreshold)

	want := []string{"keep", "boundary", "also"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d (%+v)", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].Text != w {
			t.Errorf("got[%d] = %q, want %q", i, got[i].Text, w)
		}
	}
	if len(records) != 5 {
		t.Errorf("input modified")
	}
}

func TestFilterMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	records := make([]Record, 200)
	for i := range records {
		records[i] = Record{Left: i, Conf: float64(rng.Intn(102) - 1)}
	}

	for t1 := -1; t1 <= 100; t1 += 7 {
		for t2 := t1; t2 <= 100; t2 += 11 {
			loose := FilterByConfidence(records, t1)
			strict := FilterByConfidence(records, t2)
			if !isSubsequence(strict, loose) {
				t.Fatalf("filter(%d) is not a subsequence of filter(%d)", t2, t1)
			}
		}
	}
}

func isSubsequence(sub, seq []Record) bool {
	j := 0
	for _, r := range seq {
		if j < len(sub) && sub[j].Equal(r) {
			j++
		}
	}
	return j == len(sub)
}

func TestFilterText(t *testing.T) {
	data := tsv(
		"left\ttop\tright\tbottom\tconf\ttext",
		"0\t0\t10\t10\t5\tnoise",
		"20\t0\t30\t10\t90\tword",
	)

	got, err := FilterText(data, 10)
	if err != nil {
		t.Fatalf("FilterText() error = %v", err)
	}
	want := tsv("left\ttop\tright\tbottom\tconf\ttext", "20\t0\t30\t10\t90\tword")
	if got != want {
		t.Errorf("FilterText() = %q, want %q", got, want)
	}
}

func TestFilterTextEmptyInputs(t *testing.T) {
	for _, data := range []string{"", "  \n", "left\ttop\tright\tbottom\tconf\ttext\n"} {
		got, err := FilterText(data, 10)
		if err != nil {
			t.Fatalf("FilterText(%q) error = %v", data, err)
		}
		if got != data {
			t.Errorf("FilterText(%q) = %q, want input unchanged", data, got)
		}
	}
}

func TestFilterTextRejectsMalformedRows(t *testing.T) {
	data := tsv("left\ttop\tright\tbottom\tconf\ttext", "0\t0\t10\t10\t90")
	if _, err := FilterText(data, 10); err == nil {
		t.Error("expected parse error for short row")
	}
}
