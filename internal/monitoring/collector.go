// Package monitoring evaluates ingest runs against alert thresholds and
// delivers alerts to a webhook.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/y9c-cli/internal/ingest"
	"github.com/sells-group/y9c-cli/internal/period"
)

// LatestReader is the slice of the store the collector needs.
type LatestReader interface {
	LatestPeriod(ctx context.Context) (*period.Period, error)
}

// PeriodSkips records a loaded period whose parser skipped lines.
type PeriodSkips struct {
	Period  period.Period `json:"period"`
	Skipped int           `json:"skipped"`
	Lines   int           `json:"lines"`
	Ratio   float64       `json:"ratio"`
}

// RunSnapshot holds the metrics of one ingest run plus store freshness.
type RunSnapshot struct {
	RunID     string `json:"run_id"`
	Attempted int    `json:"attempted"`
	Loaded    int    `json:"loaded"`
	Records   int64  `json:"records"`

	FetchFailed []period.Period `json:"fetch_failed,omitempty"`
	ParseFailed []period.Period `json:"parse_failed,omitempty"`
	OtherFailed []period.Period `json:"other_failed,omitempty"`
	Aborted     string          `json:"aborted,omitempty"`

	Skips []PeriodSkips `json:"skips,omitempty"`

	Latest          *period.Period `json:"latest,omitempty"`
	LatestPublished period.Period  `json:"latest_published"`
	// LagQuarters is the number of published quarters missing from the store.
	LagQuarters int `json:"lag_quarters"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector builds RunSnapshots.
type Collector struct {
	store   LatestReader
	lagDays int
}

// NewCollector creates a collector reading freshness from st.
func NewCollector(st LatestReader, publicationLagDays int) *Collector {
	return &Collector{store: st, lagDays: publicationLagDays}
}

// Collect summarises rep and measures how far the store trails the latest
// published quarter as of now.
func (c *Collector) Collect(ctx context.Context, rep *ingest.Report, now time.Time) (*RunSnapshot, error) {
	snap := &RunSnapshot{
		RunID:           rep.RunID,
		Attempted:       len(rep.Results),
		Loaded:          rep.Loaded(),
		Records:         rep.Records(),
		LatestPublished: period.LatestPublished(now, c.lagDays),
		CollectedAt:     now.UTC(),
	}
	if rep.Fatal != nil {
		snap.Aborted = rep.Fatal.Error()
	}

	for _, r := range rep.Results {
		switch r.Kind() {
		case ingest.FailNone:
			if r.Parse.Skipped > 0 {
				snap.Skips = append(snap.Skips, PeriodSkips{
					Period:  r.Period,
					Skipped: r.Parse.Skipped,
					Lines:   r.Parse.Lines,
					Ratio:   r.Parse.SkipRatio(),
				})
			}
		case ingest.FailFetch:
			snap.FetchFailed = append(snap.FetchFailed, r.Period)
		case ingest.FailParse:
			snap.ParseFailed = append(snap.ParseFailed, r.Period)
		default:
			snap.OtherFailed = append(snap.OtherFailed, r.Period)
		}
	}

	latest, err := c.store.LatestPeriod(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: latest period")
	}
	snap.Latest = latest
	if latest == nil {
		snap.LagQuarters = -1
	} else {
		snap.LagQuarters = quartersBetween(*latest, snap.LatestPublished)
	}

	return snap, nil
}

// quartersBetween returns to-from in quarters, floored at zero.
func quartersBetween(from, to period.Period) int {
	n := (to.Year*4 + to.Quarter) - (from.Year*4 + from.Quarter)
	if n < 0 {
		return 0
	}
	return n
}
