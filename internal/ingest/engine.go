// Package ingest orchestrates per-period loads: select the source, fetch the
// archive, stream-parse it, normalize, and upsert into the store.
package ingest

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/y9c-cli/internal/archive"
	"github.com/sells-group/y9c-cli/internal/model"
	"github.com/sells-group/y9c-cli/internal/normalize"
	"github.com/sells-group/y9c-cli/internal/parser"
	"github.com/sells-group/y9c-cli/internal/period"
	"github.com/sells-group/y9c-cli/internal/source"
	"github.com/sells-group/y9c-cli/internal/store"
)

// Archives returns a verified raw archive for a period. *archive.Cache implements it.
type Archives interface {
	Fetch(ctx context.Context, src source.ID, p period.Period) (*archive.Archive, error)
}

// Deps are the collaborators an Engine drives.
type Deps struct {
	Archives   Archives
	Store      store.Store
	Normalizer *normalize.Normalizer
	Selector   source.Selector
}

// Options tunes an Engine.
type Options struct {
	Parse              parser.Options
	PublicationLagDays int
	StartYear          int    // first year an incremental run covers on an empty store
	RunID              string // defaults to a random UUID
}

// Engine runs period loads sequentially.
type Engine struct {
	deps    Deps
	opts    Options
	parsers map[source.ID]parser.Parser
	log     *zap.Logger
}

// NewEngine creates an Engine.
func NewEngine(deps Deps, opts Options) (*Engine, error) {
	if deps.Archives == nil || deps.Store == nil || deps.Normalizer == nil {
		return nil, eris.New("ingest: archives, store and normalizer are required")
	}
	if !deps.Selector.Cutover.Valid() {
		deps.Selector = source.NewSelector(source.DefaultCutover)
	}
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	if opts.StartYear == 0 {
		opts.StartYear = 2000
	}

	parsers := make(map[source.ID]parser.Parser, 2)
	for _, id := range []source.ID{source.NIC, source.Chicago} {
		p, err := parser.For(id, opts.Parse)
		if err != nil {
			return nil, err
		}
		parsers[id] = p
	}

	return &Engine{
		deps:    deps,
		opts:    opts,
		parsers: parsers,
		log:     zap.L().With(zap.String("component", "ingest"), zap.String("run_id", opts.RunID)),
	}, nil
}

// RunID identifies this engine's runs in the load history.
func (e *Engine) RunID() string { return e.opts.RunID }

// PlanFull returns every published quarter of startYear..endYear.
func (e *Engine) PlanFull(startYear, endYear int, now time.Time) ([]period.Period, error) {
	if startYear <= 0 || endYear < startYear {
		return nil, eris.Errorf("ingest: invalid year range %d-%d", startYear, endYear)
	}
	return period.Years(startYear, endYear, period.LatestPublished(now, e.opts.PublicationLagDays)), nil
}

// PlanIncremental returns the published quarters strictly newer than the
// store's latest period. On an empty store it starts at StartYear Q1.
func (e *Engine) PlanIncremental(ctx context.Context, now time.Time) ([]period.Period, error) {
	latest, err := e.deps.Store.LatestPeriod(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: latest stored period")
	}
	from := period.Period{Year: e.opts.StartYear, Quarter: 1}
	if latest != nil {
		from = latest.Next()
	}
	return period.Range(from, period.LatestPublished(now, e.opts.PublicationLagDays)), nil
}

// Run loads periods in ascending order. Fetch and parse failures are
// recorded and the batch continues; a store failure or cancellation stops
// the batch and is reported as Report.Fatal.
func (e *Engine) Run(ctx context.Context, periods []period.Period) *Report {
	periods = uniqueSorted(periods)
	rep := &Report{RunID: e.opts.RunID}
	start := time.Now()

	e.log.Info("ingest run starting", zap.Int("periods", len(periods)))

	for _, p := range periods {
		if err := ctx.Err(); err != nil {
			rep.Fatal = err
			break
		}
		res := e.LoadPeriod(ctx, p)
		rep.Results = append(rep.Results, res)
		if k := res.Kind(); k == FailStore || k == FailCanceled {
			rep.Fatal = res.Err
			break
		}
	}

	e.log.Info("ingest run complete",
		zap.Int("loaded", rep.Loaded()),
		zap.Int("failed", len(rep.Failures())),
		zap.Int64("records", rep.Records()),
		zap.Duration("elapsed", time.Since(start)),
		zap.Bool("aborted", rep.Fatal != nil),
	)
	return rep
}

// LoadPeriod fetches, parses, normalizes and stores one period. Records are
// upserted in one transaction only after the whole archive parsed, so a
// failed period leaves the store untouched.
func (e *Engine) LoadPeriod(ctx context.Context, p period.Period) PeriodResult {
	src := e.deps.Selector.Select(p)
	res := PeriodResult{Period: p, Source: src, Drops: normalize.Counts{}}
	log := e.log.With(zap.String("period", p.String()), zap.String("source", string(src)))
	start := time.Now()

	entry, err := e.deps.Store.StartLoad(ctx, e.opts.RunID, p, src)
	if err != nil {
		res.Err = &StoreError{Op: "start load", Err: err}
		res.Elapsed = time.Since(start)
		log.Error("period load failed", zap.Error(res.Err))
		return res
	}

	finish := func(r PeriodResult) PeriodResult {
		r.Elapsed = time.Since(start)
		if r.Err != nil {
			log.Error("period load failed", zap.Error(r.Err), zap.String("kind", r.Kind().String()))
			if r.Kind() != FailCanceled {
				if err := e.deps.Store.FailLoad(context.WithoutCancel(ctx), entry.ID, r.Err.Error()); err != nil {
					log.Error("failed to record load failure", zap.Error(err))
				}
			}
			return r
		}
		if err := e.deps.Store.CompleteLoad(ctx, entry.ID, model.LoadResult{
			Cached:       r.Cached,
			Records:      r.Records,
			Dropped:      r.Drops.Total(),
			SkippedLines: int64(r.Parse.Skipped),
			Metadata: map[string]any{
				"files":     r.Parse.Files,
				"ignored":   r.Parse.Ignored,
				"lines":     r.Parse.Lines,
				"cells":     r.Parse.Records,
				"drops":     r.Drops.Strings(),
				"overrides": r.Overrides,
			},
		}); err != nil {
			log.Error("failed to record load completion", zap.Error(err))
		}
		log.Info("period loaded",
			zap.Int64("records", r.Records),
			zap.Int64("dropped", r.Drops.Total()),
			zap.Int("skipped_lines", r.Parse.Skipped),
			zap.Bool("cached", r.Cached),
			zap.Duration("elapsed", r.Elapsed),
		)
		return r
	}

	a, err := e.deps.Archives.Fetch(ctx, src, p)
	if err != nil {
		res.Err = err
		return finish(res)
	}
	res.Cached = a.Cached()

	recs, err := e.collect(ctx, a, &res)
	if err != nil {
		res.Err = err
		return finish(res)
	}

	n, err := e.deps.Store.UpsertRecords(ctx, recs)
	if err != nil {
		res.Err = &StoreError{Op: "upsert records", Err: err}
		return finish(res)
	}
	res.Records = n
	return finish(res)
}

// collect drains the parse stream through the normalizer. Inner files arrive
// in name order, so overwriting by key makes the last schedule win.
func (e *Engine) collect(ctx context.Context, a *archive.Archive, res *PeriodResult) ([]model.FinancialRecord, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream := e.parsers[a.Source].Parse(ctx, a)

	idx := make(map[model.Key]int)
	var recs []model.FinancialRecord
	for raw := range stream.Records() {
		rec, drop := e.deps.Normalizer.Normalize(raw)
		if drop != normalize.DropNone {
			res.Drops[drop]++
			continue
		}
		if i, ok := idx[rec.Key()]; ok {
			if !recs[i].Value.Equal(rec.Value) {
				res.Overrides++
			}
			recs[i] = rec
			continue
		}
		idx[rec.Key()] = len(recs)
		recs = append(recs, rec)
	}

	stats, err := stream.Wait()
	res.Parse = stats
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func uniqueSorted(ps []period.Period) []period.Period {
	out := make([]period.Period, 0, len(ps))
	seen := make(map[period.Period]bool, len(ps))
	for _, p := range ps {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// StoreError marks a persistence failure. It aborts the batch.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "store: " + e.Op + ": " + e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }

// FailKind classifies a period failure.
type FailKind int

const (
	FailNone FailKind = iota
	FailFetch
	FailParse
	FailStore
	FailCanceled
	FailOther
)

func (k FailKind) String() string {
	switch k {
	case FailNone:
		return "none"
	case FailFetch:
		return "fetch"
	case FailParse:
		return "parse"
	case FailStore:
		return "store"
	case FailCanceled:
		return "canceled"
	default:
		return "other"
	}
}

// Classify maps an error onto a FailKind.
func Classify(err error) FailKind {
	var (
		ff *archive.FetchFailure
		pf *parser.ParseFailure
		se *StoreError
	)
	switch {
	case err == nil:
		return FailNone
	case errors.Is(err, context.Canceled):
		return FailCanceled
	case errors.As(err, &pf):
		return FailParse
	case errors.As(err, &ff):
		return FailFetch
	case errors.As(err, &se):
		return FailStore
	case errors.Is(err, context.DeadlineExceeded):
		return FailCanceled
	default:
		return FailOther
	}
}
