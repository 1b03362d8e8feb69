package realign

import (
	"context"
	"strings"
	"time"

	"github.com/adverant/nexus/textrealign-worker/internal/errors"
	"github.com/adverant/nexus/textrealign-worker/internal/logging"
	"github.com/adverant/nexus/textrealign-worker/internal/tabular"
	"golang.org/x/sync/errgroup"
)

// ctxCheckInterval is how many snapshot rows are scanned between context checks
const ctxCheckInterval = 256

// Options controls a realignment run
type Options struct {
	// LeftDistance is the largest horizontal gap, in pixels, between two
	// words that still belong to one line
	LeftDistance int
	// TopDistance is the largest difference between top edges
	TopDistance int
	// MaxPasses caps the number of passes. Zero means run to the fixed point.
	MaxPasses int
	// Workers splits the candidate search of each pass across goroutines.
	// Zero and one both scan sequentially.
	Workers int
}

// Validate rejects negative options
func (o Options) Validate() error {
	switch {
	case o.LeftDistance < 0:
		return errors.NewInvalidOptionsError("left distance must not be negative")
	case o.TopDistance < 0:
		return errors.NewInvalidOptionsError("top distance must not be negative")
	case o.MaxPasses < 0:
		return errors.NewInvalidOptionsError("max passes must not be negative")
	case o.Workers < 0:
		return errors.NewInvalidOptionsError("workers must not be negative")
	}
	return nil
}

// Stats describes the work done by one Realign call
type Stats struct {
	Passes      int
	Comparisons int
	Merges      int
	Duration    time.Duration
}

// Engine merges neighbouring words into lines until a full pass produces
// no merge
type Engine struct {
	opts   Options
	logger *logging.Logger
}

// NewEngine validates opts and creates an engine. A nil logger discards output.
func NewEngine(opts Options, logger *logging.Logger) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Engine{opts: opts, logger: logger}, nil
}

// Options returns the engine's options
func (e *Engine) Options() Options {
	return e.opts
}

// workingSet holds every record seen during a run. Ids index into arena and
// are never reused, so two rows with identical values stay distinct.
type workingSet struct {
	arena []tabular.Record
	order []int
}

func newWorkingSet(records []tabular.Record) *workingSet {
	ws := &workingSet{
		arena: make([]tabular.Record, len(records), len(records)*2),
		order: make([]int, len(records)),
	}
	copy(ws.arena, records)
	for i := range records {
		ws.order[i] = i
	}
	return ws
}

func (ws *workingSet) add(rec tabular.Record) int {
	ws.arena = append(ws.arena, rec)
	return len(ws.arena) - 1
}

func (ws *workingSet) records() []tabular.Record {
	out := make([]tabular.Record, len(ws.order))
	for i, id := range ws.order {
		out[i] = ws.arena[id]
	}
	return out
}

// Realign merges records until the fixed point. The input slice is not
// modified. On error no records are returned.
func (e *Engine) Realign(ctx context.Context, records []tabular.Record) ([]tabular.Record, Stats, error) {
	start := time.Now()
	var stats Stats

	ws := newWorkingSet(records)
	for {
		if err := ctx.Err(); err != nil {
			return nil, stats, errors.NewProcessingTimeoutError("", time.Since(start), err)
		}
		if e.opts.MaxPasses > 0 && stats.Passes >= e.opts.MaxPasses {
			e.logger.Warn("Realignment pass cap reached", "passes", stats.Passes, "records", len(ws.order))
			return nil, stats, errors.NewIterationLimitError(stats.Passes, len(ws.order))
		}

		merges, comparisons, err := e.pass(ctx, ws)
		stats.Passes++
		stats.Comparisons += comparisons
		if err != nil {
			return nil, stats, errors.NewProcessingTimeoutError("", time.Since(start), err)
		}
		stats.Merges += merges

		e.logger.Debug("Realignment pass complete",
			"pass", stats.Passes,
			"merges", merges,
			"comparisons", comparisons,
			"records", len(ws.order))

		if merges == 0 {
			break
		}
	}

	stats.Duration = time.Since(start)
	return ws.records(), stats, nil
}

// pass runs one sweep over a snapshot of the live order. Each snapshot
// position takes part in at most one merge; records created here are only
// compared from the next pass on.
func (e *Engine) pass(ctx context.Context, ws *workingSet) (merges, comparisons int, err error) {
	snapshot := ws.order
	n := len(snapshot)
	consumed := make([]bool, n)
	next := make([]int, n)
	copy(next, snapshot)

	apply := func(i, j int) {
		a, b := ws.arena[snapshot[i]], ws.arena[snapshot[j]]
		id := ws.add(Merge(a, b))
		if a.Left < b.Left {
			next[i], next[j] = id, -1
		} else {
			next[i], next[j] = -1, id
		}
		consumed[i], consumed[j] = true, true
		merges++
	}

	if e.opts.Workers > 1 && n > 1 {
		candidates, cmp, err := e.scanCandidates(ctx, ws, snapshot)
		comparisons = cmp
		if err != nil {
			return 0, comparisons, err
		}
		for i := 0; i < n; i++ {
			if consumed[i] {
				continue
			}
			for _, j := range candidates[i] {
				if !consumed[j] {
					apply(i, j)
					break
				}
			}
		}
	} else {
		for i := 0; i < n; i++ {
			if i%ctxCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return 0, comparisons, err
				}
			}
			if consumed[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if consumed[j] {
					continue
				}
				a, b := ws.arena[snapshot[i]], ws.arena[snapshot[j]]
				if a.Page != b.Page {
					continue
				}
				comparisons++
				if IsClose(a, b, e.opts.LeftDistance, e.opts.TopDistance) {
					apply(i, j)
					break
				}
			}
		}
	}

	if merges > 0 {
		order := make([]int, 0, n-merges)
		for _, id := range next {
			if id >= 0 {
				order = append(order, id)
			}
		}
		ws.order = order
	}
	return merges, comparisons, nil
}

// scanCandidates evaluates every same-page pair of the snapshot in parallel
// and returns, per row i, the ascending list of j > i that are close to it.
// Applying those lists in row order with the consumed check yields the same
// merges as the sequential scan.
func (e *Engine) scanCandidates(ctx context.Context, ws *workingSet, snapshot []int) ([][]int, int, error) {
	n := len(snapshot)
	candidates := make([][]int, n)
	counts := make([]int, e.opts.Workers)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < e.opts.Workers; w++ {
		g.Go(func() error {
			for i := w; i < n; i += e.opts.Workers {
				if (i/e.opts.Workers)%ctxCheckInterval == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				a := ws.arena[snapshot[i]]
				var near []int
				for j := i + 1; j < n; j++ {
					b := ws.arena[snapshot[j]]
					if a.Page != b.Page {
						continue
					}
					counts[w]++
					if IsClose(a, b, e.opts.LeftDistance, e.opts.TopDistance) {
						near = append(near, j)
					}
				}
				candidates[i] = near
			}
			return nil
		})
	}
	err := g.Wait()

	total := 0
	for _, c := range counts {
		total += c
	}
	if err != nil {
		return nil, total, err
	}
	return candidates, total, nil
}

// RealignTable realigns the records of t and returns a new table with the
// same schema
func (e *Engine) RealignTable(ctx context.Context, t *tabular.Table) (*tabular.Table, Stats, error) {
	records, stats, err := e.Realign(ctx, t.Records)
	if err != nil {
		return nil, stats, err
	}
	return tabular.NewTable(t.Schema, records), stats, nil
}

// RealignText parses data, realigns it and serializes the result with the
// same header. Blank and header-only input is returned unchanged.
func RealignText(ctx context.Context, data string, opts Options) (string, Stats, error) {
	engine, err := NewEngine(opts, nil)
	if err != nil {
		return "", Stats{}, err
	}
	if strings.TrimSpace(data) == "" {
		return data, Stats{}, nil
	}
	table, err := tabular.ParseString(data)
	if err != nil {
		return "", Stats{}, err
	}
	if table.Len() == 0 {
		return data, Stats{}, nil
	}
	out, stats, err := engine.RealignTable(ctx, table)
	if err != nil {
		return "", stats, err
	}
	return out.Format(), stats, nil
}
