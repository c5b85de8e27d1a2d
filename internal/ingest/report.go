package ingest

import (
	"time"

	"github.com/sells-group/y9c-cli/internal/normalize"
	"github.com/sells-group/y9c-cli/internal/parser"
	"github.com/sells-group/y9c-cli/internal/period"
	"github.com/sells-group/y9c-cli/internal/source"
)

// Process exit codes.
const (
	ExitOK         = 0
	ExitOther      = 1
	ExitFetchError = 2
	ExitParseError = 3
)

// PeriodResult is the outcome of one period load.
type PeriodResult struct {
	Period    period.Period
	Source    source.ID
	Cached    bool
	Records   int64
	Overrides int // keys replaced by a later schedule with a different value
	Drops     normalize.Counts
	Parse     parser.Stats
	Elapsed   time.Duration
	Err       error
}

// OK reports whether the period was stored.
func (r PeriodResult) OK() bool { return r.Err == nil }

// Kind classifies the failure, FailNone on success.
func (r PeriodResult) Kind() FailKind { return Classify(r.Err) }

// Report summarises a batch.
type Report struct {
	RunID   string
	Results []PeriodResult
	// Fatal is set when the batch stopped early.
	Fatal error
}

// Loaded counts stored periods.
func (r *Report) Loaded() int {
	n := 0
	for _, res := range r.Results {
		if res.OK() {
			n++
		}
	}
	return n
}

// Failures returns the failed periods in load order.
func (r *Report) Failures() []PeriodResult {
	var out []PeriodResult
	for _, res := range r.Results {
		if !res.OK() {
			out = append(out, res)
		}
	}
	return out
}

// Records totals the records written.
func (r *Report) Records() int64 {
	var n int64
	for _, res := range r.Results {
		n += res.Records
	}
	return n
}

// ExitCode maps the batch outcome onto the process exit status: any parse
// failure wins over any fetch failure, which wins over anything else.
func (r *Report) ExitCode() int {
	var parse, fetch, other bool
	for _, res := range r.Results {
		switch res.Kind() {
		case FailNone:
		case FailParse:
			parse = true
		case FailFetch:
			fetch = true
		default:
			other = true
		}
	}
	if r.Fatal != nil {
		other = true
	}
	switch {
	case parse:
		return ExitParseError
	case fetch:
		return ExitFetchError
	case other:
		return ExitOther
	default:
		return ExitOK
	}
}
