// Package store persists normalized FR Y-9C records and the load history.
package store

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/y9c-cli/internal/mdrm"
	"github.com/sells-group/y9c-cli/internal/model"
	"github.com/sells-group/y9c-cli/internal/period"
	"github.com/sells-group/y9c-cli/internal/source"
)

// Filter selects records for export.
type Filter struct {
	RSSD  []int64        `json:"rssd_ids,omitempty"`
	Codes []string       `json:"codes,omitempty"`
	From  *period.Period `json:"from,omitempty"`
	To    *period.Period `json:"to,omitempty"`
}

// LoadFilter specifies criteria for listing load history.
type LoadFilter struct {
	Period *period.Period   `json:"period,omitempty"`
	Status model.LoadStatus `json:"status,omitempty"`
	Limit  int              `json:"limit,omitempty"`
}

// Store defines the persistence interface for the ingestion pipeline.
type Store interface {
	// Records
	UpsertRecords(ctx context.Context, recs []model.FinancialRecord) (int64, error)
	Upsert(ctx context.Context, rec model.FinancialRecord) error
	Records(ctx context.Context, f Filter) ([]model.FinancialRecord, error)

	// Queries
	BalanceSheet(ctx context.Context, rssd int64, p period.Period) (map[string]decimal.Decimal, error)
	IncomeStatement(ctx context.Context, rssd int64, p period.Period) (map[string]decimal.Decimal, error)
	TimeSeries(ctx context.Context, rssd int64, code string) ([]model.Point, error)
	LatestPeriod(ctx context.Context) (*period.Period, error)
	Periods(ctx context.Context, rssd int64) ([]period.Period, error)
	Coverage(ctx context.Context, rssd int64) ([]model.Coverage, error)

	// Load history
	StartLoad(ctx context.Context, runID string, p period.Period, src source.ID) (*model.LoadEntry, error)
	CompleteLoad(ctx context.Context, id int64, res model.LoadResult) error
	FailLoad(ctx context.Context, id int64, msg string) error
	ListLoads(ctx context.Context, f LoadFilter) ([]model.LoadEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Config selects and tunes a backend.
type Config struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// Open returns the backend named by cfg.Driver ("sqlite" or "postgres").
func Open(ctx context.Context, cfg Config, catalog *mdrm.Catalog) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		return NewSQLite(cfg.DatabaseURL, catalog)
	case "postgres", "postgresql", "pgx":
		return NewPostgres(ctx, cfg.DatabaseURL, cfg.MaxConns, catalog)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// statement filters one period's values to a statement's tracked items and
// keys them by display name.
func statement(catalog *mdrm.Catalog, st mdrm.Statement, values map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, item := range catalog.Statement(st) {
		if v, ok := values[item.Code]; ok {
			out[item.Name] = v
		}
	}
	return out
}

// dedupe keeps the last record per key, preserving first-seen order. A
// single statement cannot upsert the same key twice.
func dedupe(recs []model.FinancialRecord) []model.FinancialRecord {
	idx := make(map[model.Key]int, len(recs))
	out := make([]model.FinancialRecord, 0, len(recs))
	for _, r := range recs {
		if i, ok := idx[r.Key()]; ok {
			out[i] = r
			continue
		}
		idx[r.Key()] = len(out)
		out = append(out, r)
	}
	return out
}

func sortPoints(pts []model.Point) {
	sort.Slice(pts, func(i, j int) bool { return pts[i].Period.Before(pts[j].Period) })
}

func validateRecords(recs []model.FinancialRecord) error {
	for _, r := range recs {
		if r.RSSD <= 0 || !r.Period.Valid() || !mdrm.Canonical(r.Code) {
			return eris.Errorf("store: invalid record rssd=%d period=%s code=%q", r.RSSD, r.Period, r.Code)
		}
	}
	return nil
}
