package realign

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/adverant/nexus/textrealign-worker/internal/errors"
	"github.com/adverant/nexus/textrealign-worker/internal/tabular"
)

func word(page, left, top, width, height int, conf float64, text string) tabular.Record {
	return tabular.Record{Page: page, Left: left, Top: top, Width: width, Height: height, Conf: conf, Text: text}
}

func mustEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	engine, err := NewEngine(opts, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return engine
}

func TestRealignHorizontalMerge(t *testing.T) {
	engine := mustEngine(t, Options{LeftDistance: 5, TopDistance: 0})
	in := []tabular.Record{
		word(1, 0, 0, 10, 10, 90, "Hello"),
		word(1, 12, 0, 10, 10, 80, "World"),
	}

	out, stats, err := engine.Realign(context.Background(), in)
	if err != nil {
		t.Fatalf("Realign() error = %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	want := word(1, 0, 0, 22, 10, 85, "Hello World")
	if !out[0].Equal(want) {
		t.Errorf("out[0] = %+v, want %+v", out[0], want)
	}
	if stats.Merges != 1 || stats.Passes != 2 {
		t.Errorf("stats = %+v, want 1 merge over 2 passes", stats)
	}
	if in[0].Text != "Hello" || in[1].Text != "World" {
		t.Error("input records modified")
	}
}

func TestRealignNoMergeBeyondThreshold(t *testing.T) {
	engine := mustEngine(t, Options{LeftDistance: 1, TopDistance: 0})
	in := []tabular.Record{
		word(1, 0, 0, 10, 10, 90, "Hello"),
		word(1, 12, 0, 10, 10, 80, "World"),
	}

	out, stats, err := engine.Realign(context.Background(), in)
	if err != nil {
		t.Fatalf("Realign() error = %v", err)
	}
	if len(out) != 2 || !out[0].Equal(in[0]) || !out[1].Equal(in[1]) {
		t.Errorf("out = %+v, want input unchanged", out)
	}
	if stats.Passes != 1 || stats.Comparisons != 1 {
		t.Errorf("stats = %+v, want 1 pass with 1 comparison", stats)
	}
}

func TestRealignPageIsolation(t *testing.T) {
	engine := mustEngine(t, Options{LeftDistance: 1000, TopDistance: 1000})
	in := []tabular.Record{
		word(1, 0, 0, 10, 10, 90, "first"),
		word(2, 0, 0, 10, 10, 90, "second"),
	}

	out, stats, err := engine.Realign(context.Background(), in)
	if err != nil {
		t.Fatalf("Realign() error = %v", err)
	}
	if len(out) != 2 {
		t.Errorf("len(out) = %d, want 2", len(out))
	}
	if stats.Comparisons != 0 {
		t.Errorf("Comparisons = %d, want 0 across pages", stats.Comparisons)
	}
}

func TestRealignMultiPassConvergence(t *testing.T) {
	engine := mustEngine(t, Options{LeftDistance: 5, TopDistance: 0})
	in := []tabular.Record{
		word(1, 0, 0, 10, 10, 90, "A"),
		word(1, 12, 0, 10, 10, 90, "B"),
		word(1, 24, 0, 10, 10, 90, "C"),
	}

	out, stats, err := engine.Realign(context.Background(), in)
	if err != nil {
		t.Fatalf("Realign() error = %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	want := word(1, 0, 0, 34, 10, 90, "A B C")
	if !out[0].Equal(want) {
		t.Errorf("out[0] = %+v, want %+v", out[0], want)
	}
	if stats.Merges != 2 || stats.Passes != 3 {
		t.Errorf("stats = %+v, want 2 merges over 3 passes", stats)
	}
}

func TestRealignDuplicateRows(t *testing.T) {
	engine := mustEngine(t, Options{LeftDistance: 0, TopDistance: 0})
	dup := word(1, 0, 0, 0, 10, 50, "x")
	in := []tabular.Record{dup, dup, dup}

	out, stats, err := engine.Realign(context.Background(), in)
	if err != nil {
		t.Fatalf("Realign() error = %v", err)
	}
	if len(out) != 1 || out[0].Text != "x x x" {
		t.Errorf("out = %+v, want one record \"x x x\"", out)
	}
	if stats.Merges != 2 {
		t.Errorf("Merges = %d, want 2", stats.Merges)
	}
}

func TestRealignSlotOfLeftwardRecord(t *testing.T) {
	engine := mustEngine(t, Options{LeftDistance: 5, TopDistance: 0})
	in := []tabular.Record{
		word(1, 100, 50, 10, 10, 90, "far"),
		word(1, 12, 0, 10, 10, 90, "World"),
		word(1, 500, 500, 10, 10, 90, "other"),
		word(1, 0, 0, 10, 10, 90, "Hello"),
	}

	out, _, err := engine.Realign(context.Background(), in)
	if err != nil {
		t.Fatalf("Realign() error = %v", err)
	}
	got := make([]string, len(out))
	for i, r := range out {
		got[i] = r.Text
	}
	want := "far|other|Hello World"
	if strings.Join(got, "|") != want {
		t.Errorf("order = %v, want %s", got, want)
	}
}

func randomWords(rng *rand.Rand, n int) []tabular.Record {
	out := make([]tabular.Record, n)
	for i := range out {
		out[i] = word(
			1+rng.Intn(2),
			rng.Intn(400),
			rng.Intn(60),
			5+rng.Intn(30),
			8+rng.Intn(6),
			float64(rng.Intn(101)),
			fmt.Sprintf("w%d", i),
		)
	}
	return out
}

func TestRealignInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	opts := Options{LeftDistance: 8, TopDistance: 4}
	engine := mustEngine(t, opts)

	for round := 0; round < 20; round++ {
		in := randomWords(rng, 10+rng.Intn(60))

		out, stats, err := engine.Realign(context.Background(), in)
		if err != nil {
			t.Fatalf("round %d: Realign() error = %v", round, err)
		}
		if len(out) != len(in)-stats.Merges {
			t.Errorf("round %d: len(out) = %d, want %d - %d", round, len(out), len(in), stats.Merges)
		}

		again, againStats, err := engine.Realign(context.Background(), out)
		if err != nil {
			t.Fatalf("round %d: second Realign() error = %v", round, err)
		}
		if againStats.Merges != 0 || len(again) != len(out) {
			t.Errorf("round %d: realign is not idempotent, %d more merges", round, againStats.Merges)
		}
		for i := range out {
			if !again[i].Equal(out[i]) {
				t.Errorf("round %d: record %d changed on second run", round, i)
				break
			}
		}
	}
}

func TestRealignParallelMatchesSequential(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	sequential := mustEngine(t, Options{LeftDistance: 10, TopDistance: 5})

	for _, workers := range []int{2, 3, 8} {
		parallel := mustEngine(t, Options{LeftDistance: 10, TopDistance: 5, Workers: workers})
		for round := 0; round < 10; round++ {
			in := randomWords(rng, 30+rng.Intn(80))

			want, wantStats, err := sequential.Realign(context.Background(), in)
			if err != nil {
				t.Fatalf("sequential Realign() error = %v", err)
			}
			got, gotStats, err := parallel.Realign(context.Background(), in)
			if err != nil {
				t.Fatalf("parallel Realign() error = %v", err)
			}

			if gotStats.Merges != wantStats.Merges || gotStats.Passes != wantStats.Passes {
				t.Errorf("workers=%d round %d: stats = %+v, want %+v", workers, round, gotStats, wantStats)
			}
			if len(got) != len(want) {
				t.Fatalf("workers=%d round %d: len = %d, want %d", workers, round, len(got), len(want))
			}
			for i := range want {
				if !got[i].Equal(want[i]) {
					t.Errorf("workers=%d round %d: record %d = %+v, want %+v", workers, round, i, got[i], want[i])
					break
				}
			}
		}
	}
}

func TestRealignIterationLimit(t *testing.T) {
	in := []tabular.Record{
		word(1, 0, 0, 10, 10, 90, "A"),
		word(1, 12, 0, 10, 10, 90, "B"),
		word(1, 24, 0, 10, 10, 90, "C"),
	}

	capped := mustEngine(t, Options{LeftDistance: 5, MaxPasses: 2})
	out, _, err := capped.Realign(context.Background(), in)
	if !errors.HasCode(err, errors.ErrorIterationLimit) {
		t.Fatalf("error = %v, want ITERATION_LIMIT", err)
	}
	if out != nil {
		t.Errorf("out = %+v, want no partial output", out)
	}

	enough := mustEngine(t, Options{LeftDistance: 5, MaxPasses: 3})
	if _, _, err := enough.Realign(context.Background(), in); err != nil {
		t.Errorf("Realign() with 3 passes error = %v", err)
	}
}

func TestRealignCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, workers := range []int{1, 4} {
		engine := mustEngine(t, Options{LeftDistance: 5, Workers: workers})
		_, _, err := engine.Realign(ctx, randomWords(rand.New(rand.NewSource(1)), 20))
		if !errors.HasCode(err, errors.ErrorProcessingTimeout) {
			t.Errorf("workers=%d: error = %v, want PROCESSING_TIMEOUT", workers, err)
		}
	}
}

func TestNewEngineRejectsInvalidOptions(t *testing.T) {
	tests := []Options{
		{LeftDistance: -1},
		{TopDistance: -1},
		{MaxPasses: -1},
		{Workers: -2},
	}
	for _, opts := range tests {
		if _, err := NewEngine(opts, nil); !errors.HasCode(err, errors.ErrorInvalidOptions) {
			t.Errorf("NewEngine(%+v) error = %v, want INVALID_OPTIONS", opts, err)
		}
	}
}

func TestRealignText(t *testing.T) {
	data := strings.Join([]string{
		"left\ttop\tright\tbottom\tconf\ttext",
		"0\t0\t10\t10\t90\tHello",
		"12\t0\t22\t10\t80\tWorld",
	}, "\n")

	got, stats, err := RealignText(context.Background(), data, Options{LeftDistance: 5})
	if err != nil {
		t.Fatalf("RealignText() error = %v", err)
	}
	want := "left\ttop\tright\tbottom\tconf\ttext\n0\t0\t22\t10\t85\tHello World"
	if got != want {
		t.Errorf("RealignText() = %q, want %q", got, want)
	}
	if stats.Merges != 1 {
		t.Errorf("Merges = %d, want 1", stats.Merges)
	}
}

func TestRealignTextKeepsUnmergedRowsVerbatim(t *testing.T) {
	data := strings.Join([]string{
		"left\ttop\tright\tbottom\tconf\ttext",
		"0\t0\t10\t10\t90\tcafé",
		"12\t0\t22\t10\t80\tWorld",
	}, "\n")

	got, stats, err := RealignText(context.Background(), data, Options{LeftDistance: 1})
	if err != nil {
		t.Fatalf("RealignText() error = %v", err)
	}
	if stats.Merges != 0 {
		t.Fatalf("Merges = %d, want 0", stats.Merges)
	}
	if got != data {
		t.Errorf("RealignText() = %q, want input unchanged", got)
	}
}

func TestRealignTextEmptyInputs(t *testing.T) {
	for _, data := range []string{"", "left\ttop\tright\tbottom\tconf\ttext"} {
		got, _, err := RealignText(context.Background(), data, Options{LeftDistance: 5})
		if err != nil {
			t.Fatalf("RealignText(%q) error = %v", data, err)
		}
		if got != data {
			t.Errorf("RealignText(%q) = %q, want input unchanged", data, got)
		}
	}
}

func TestRealignTextParseError(t *testing.T) {
	data := "left\ttop\tright\tbottom\tconf\ttext\n0\t0\t10\t10\tninety\tHello"
	got, _, err := RealignText(context.Background(), data, Options{})
	if !errors.HasCode(err, errors.ErrorParse) || got != "" {
		t.Errorf("RealignText() = %q, %v; want PARSE_ERROR and no output", got, err)
	}
}
