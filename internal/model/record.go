package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sells-group/y9c-cli/internal/period"
	"github.com/sells-group/y9c-cli/internal/source"
)

// FinancialRecord is one reported value for an institution, period, and MDRM code.
// At most one record exists per Key in the store; a later load replaces it.
type FinancialRecord struct {
	RSSD     int64           `json:"rssd_id"`
	Period   period.Period   `json:"period"`
	Code     string          `json:"mdrm_code"`
	Value    decimal.Decimal `json:"value"`
	Source   source.ID       `json:"source"`
	Schedule string          `json:"schedule,omitempty"` // inner archive file the value came from
}

// Key identifies a record's uniqueness slot.
type Key struct {
	RSSD   int64
	Period period.Period
	Code   string
}

// Key returns the record's uniqueness key.
func (r FinancialRecord) Key() Key {
	return Key{RSSD: r.RSSD, Period: r.Period, Code: r.Code}
}

// Point is one observation of a time series.
type Point struct {
	Period period.Period   `json:"period"`
	Value  decimal.Decimal `json:"value"`
}

// LoadStatus is the outcome of a period load.
type LoadStatus string

const (
	LoadRunning  LoadStatus = "running"
	LoadComplete LoadStatus = "complete"
	LoadFailed   LoadStatus = "failed"
)

// LoadEntry is a row of the load history.
type LoadEntry struct {
	ID           int64          `json:"id"`
	RunID        string         `json:"run_id"`
	Period       period.Period  `json:"period"`
	Source       source.ID      `json:"source"`
	Status       LoadStatus     `json:"status"`
	Cached       bool           `json:"cached"`
	Records      int64          `json:"records"`
	Dropped      int64          `json:"dropped"`
	SkippedLines int64          `json:"skipped_lines"`
	Error        string         `json:"error,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// LoadResult is what a completed load reports to the load history.
type LoadResult struct {
	Cached       bool
	Records      int64
	Dropped      int64
	SkippedLines int64
	Metadata     map[string]any
}

// Coverage summarises what is stored for one institution and period.
type Coverage struct {
	Period  period.Period `json:"period"`
	Codes   int           `json:"codes"`
	Records int           `json:"records"`
}
