package store

import (
	"context"
	"embed"
	"encoding/json"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/y9c-cli/internal/db"
	"github.com/sells-group/y9c-cli/internal/mdrm"
	"github.com/sells-group/y9c-cli/internal/model"
	"github.com/sells-group/y9c-cli/internal/period"
	"github.com/sells-group/y9c-cli/internal/source"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationLockID keys the transaction-scoped advisory lock held while
// migrations run.
const migrationLockID int64 = 90091

var financialDataUpsert = db.UpsertConfig{
	Table:        "y9c.financial_data",
	Columns:      []string{"rssd_id", "report_date", "mdrm_code", "value", "source", "schedule", "loaded_at"},
	ConflictKeys: []string{"rssd_id", "report_date", "mdrm_code"},
}

var catalogUpsert = db.UpsertConfig{
	Table:        "y9c.metric_catalog",
	Columns:      []string{"mdrm_code", "name", "statement", "category"},
	ConflictKeys: []string{"mdrm_code"},
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	catalog *mdrm.Catalog
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, maxConns int32, catalog *mdrm.Catalog) (*PostgresStore, error) {
	if catalog == nil {
		return nil, eris.New("postgres: catalog is required")
	}
	pool, err := db.Connect(ctx, connString, maxConns)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, catalog: catalog, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Migrate applies pending SQL migrations in lexicographic order, then
// refreshes the metric catalog table. Everything runs in one transaction
// holding pg_advisory_xact_lock, so the lock lives on the same connection as
// the migrations and is released by commit or rollback.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin migration tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "postgres: acquire migration advisory lock")
	}

	if _, err := tx.Exec(ctx, `
		CREATE SCHEMA IF NOT EXISTS y9c;
		CREATE TABLE IF NOT EXISTS y9c.schema_migrations (
			id         SERIAL PRIMARY KEY,
			filename   TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`); err != nil {
		return eris.Wrap(err, "postgres: ensure migration table")
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return eris.Wrap(err, "postgres: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	applied, err := appliedMigrations(ctx, tx)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if applied[name] {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return eris.Wrapf(err, "postgres: read migration %s", name)
		}
		if _, err := tx.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "postgres: apply migration %s", name)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO y9c.schema_migrations (filename, applied_at) VALUES ($1, now())", name,
		); err != nil {
			return eris.Wrapf(err, "postgres: record migration %s", name)
		}
		log.Info("migration applied", zap.String("file", name))
	}

	if err := s.syncCatalog(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit migrations")
	}
	return nil
}

func appliedMigrations(ctx context.Context, tx pgx.Tx) (map[string]bool, error) {
	rows, err := tx.Query(ctx, "SELECT filename FROM y9c.schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// syncCatalog mirrors the tracked metric catalog so SQL consumers can join display names.
func (s *PostgresStore) syncCatalog(ctx context.Context, tx pgx.Tx) error {
	items := s.catalog.Items()
	rows := make([][]any, 0, len(items))
	for _, it := range items {
		rows = append(rows, []any{it.Code, it.Name, string(it.Statement), it.Category})
	}
	if _, err := db.BulkUpsertTx(ctx, tx, catalogUpsert, rows); err != nil {
		return eris.Wrap(err, "postgres: sync metric catalog")
	}
	return nil
}

// UpsertRecords writes recs through a temp table and INSERT ... ON CONFLICT
// in one transaction.
func (s *PostgresStore) UpsertRecords(ctx context.Context, recs []model.FinancialRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	if err := validateRecords(recs); err != nil {
		return 0, err
	}
	recs = dedupe(recs)

	now := time.Now().UTC()
	rows := make([][]any, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []any{
			r.RSSD, r.Period.AsOf(), r.Code, numeric(r.Value), string(r.Source), r.Schedule, now,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, financialDataUpsert, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert records")
	}
	return n, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec model.FinancialRecord) error {
	if err := validateRecords([]model.FinancialRecord{rec}); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO y9c.financial_data (rssd_id, report_date, mdrm_code, value, source, schedule, loaded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (rssd_id, report_date, mdrm_code) DO UPDATE SET
			value = EXCLUDED.value, source = EXCLUDED.source, schedule = EXCLUDED.schedule, loaded_at = EXCLUDED.loaded_at`,
		rec.RSSD, rec.Period.AsOf(), rec.Code, numeric(rec.Value), string(rec.Source), rec.Schedule, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert %d/%s/%s", rec.RSSD, rec.Period, rec.Code)
}

func (s *PostgresStore) Records(ctx context.Context, f Filter) ([]model.FinancialRecord, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if len(f.RSSD) > 0 {
		where = append(where, "rssd_id = ANY("+arg(f.RSSD)+")")
	}
	if len(f.Codes) > 0 {
		where = append(where, "mdrm_code = ANY("+arg(f.Codes)+")")
	}
	if f.From != nil {
		where = append(where, "report_date >= "+arg(f.From.AsOf()))
	}
	if f.To != nil {
		where = append(where, "report_date <= "+arg(f.To.AsOf()))
	}

	query := `SELECT rssd_id, report_date, mdrm_code, value::text, source, schedule FROM y9c.financial_data`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY rssd_id, report_date, mdrm_code"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query records")
	}
	defer rows.Close()

	var out []model.FinancialRecord
	for rows.Next() {
		var (
			r     model.FinancialRecord
			date  time.Time
			value string
			src   string
		)
		if err := rows.Scan(&r.RSSD, &date, &r.Code, &value, &src, &r.Schedule); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		r.Period = period.Of(date)
		if r.Value, err = decimal.NewFromString(value); err != nil {
			return nil, eris.Wrap(err, "postgres: stored value")
		}
		r.Source = source.ID(src)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: records iterate")
}

func (s *PostgresStore) BalanceSheet(ctx context.Context, rssd int64, p period.Period) (map[string]decimal.Decimal, error) {
	vals, err := s.values(ctx, rssd, p)
	if err != nil {
		return nil, err
	}
	return statement(s.catalog, mdrm.BalanceSheet, vals), nil
}

func (s *PostgresStore) IncomeStatement(ctx context.Context, rssd int64, p period.Period) (map[string]decimal.Decimal, error) {
	vals, err := s.values(ctx, rssd, p)
	if err != nil {
		return nil, err
	}
	return statement(s.catalog, mdrm.IncomeStatement, vals), nil
}

func (s *PostgresStore) values(ctx context.Context, rssd int64, p period.Period) (map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT mdrm_code, value::text FROM y9c.financial_data WHERE rssd_id = $1 AND report_date = $2`,
		rssd, p.AsOf(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query values %d/%s", rssd, p)
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var code, value string
		if err := rows.Scan(&code, &value); err != nil {
			return nil, eris.Wrap(err, "postgres: scan value")
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: stored value for %s", code)
		}
		out[code] = d
	}
	return out, eris.Wrap(rows.Err(), "postgres: values iterate")
}

func (s *PostgresStore) TimeSeries(ctx context.Context, rssd int64, code string) ([]model.Point, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT report_date, value::text FROM y9c.financial_data WHERE rssd_id = $1 AND mdrm_code = $2 ORDER BY report_date`,
		rssd, strings.ToUpper(code),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query series %d/%s", rssd, code)
	}
	defer rows.Close()

	var pts []model.Point
	for rows.Next() {
		var (
			date  time.Time
			value string
		)
		if err := rows.Scan(&date, &value); err != nil {
			return nil, eris.Wrap(err, "postgres: scan point")
		}
		v, err := decimal.NewFromString(value)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: stored value")
		}
		pts = append(pts, model.Point{Period: period.Of(date), Value: v})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: series iterate")
	}
	sortPoints(pts)
	return pts, nil
}

func (s *PostgresStore) LatestPeriod(ctx context.Context) (*period.Period, error) {
	var date pgtype.Date
	if err := s.pool.QueryRow(ctx, `SELECT MAX(report_date) FROM y9c.financial_data`).Scan(&date); err != nil {
		return nil, eris.Wrap(err, "postgres: latest period")
	}
	if !date.Valid {
		return nil, nil
	}
	p := period.Of(date.Time)
	return &p, nil
}

func (s *PostgresStore) Periods(ctx context.Context, rssd int64) ([]period.Period, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT report_date FROM y9c.financial_data WHERE rssd_id = $1 ORDER BY report_date`,
		rssd,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query periods %d", rssd)
	}
	defer rows.Close()

	var out []period.Period
	for rows.Next() {
		var date time.Time
		if err := rows.Scan(&date); err != nil {
			return nil, eris.Wrap(err, "postgres: scan period")
		}
		out = append(out, period.Of(date))
	}
	return out, eris.Wrap(rows.Err(), "postgres: periods iterate")
}

func (s *PostgresStore) Coverage(ctx context.Context, rssd int64) ([]model.Coverage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT report_date, COUNT(DISTINCT mdrm_code), COUNT(*) FROM y9c.financial_data
		 WHERE rssd_id = $1 GROUP BY report_date ORDER BY report_date`,
		rssd,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query coverage %d", rssd)
	}
	defer rows.Close()

	var out []model.Coverage
	for rows.Next() {
		var (
			date           time.Time
			codes, records int64
		)
		if err := rows.Scan(&date, &codes, &records); err != nil {
			return nil, eris.Wrap(err, "postgres: scan coverage")
		}
		out = append(out, model.Coverage{Period: period.Of(date), Codes: int(codes), Records: int(records)})
	}
	return out, eris.Wrap(rows.Err(), "postgres: coverage iterate")
}

func (s *PostgresStore) StartLoad(ctx context.Context, runID string, p period.Period, src source.ID) (*model.LoadEntry, error) {
	now := time.Now().UTC()
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO y9c.load_history (run_id, report_date, source, status, started_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		runID, p.AsOf(), string(src), string(model.LoadRunning), now,
	).Scan(&id)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: start load %s", p)
	}
	return &model.LoadEntry{
		ID:        id,
		RunID:     runID,
		Period:    p,
		Source:    src,
		Status:    model.LoadRunning,
		StartedAt: now,
	}, nil
}

func (s *PostgresStore) CompleteLoad(ctx context.Context, id int64, res model.LoadResult) error {
	var meta []byte
	if len(res.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(res.Metadata); err != nil {
			return eris.Wrap(err, "postgres: marshal load metadata")
		}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE y9c.load_history SET status = $1, cached = $2, records = $3, dropped = $4, skipped_lines = $5,
		 metadata = $6, completed_at = $7 WHERE id = $8`,
		string(model.LoadComplete), res.Cached, res.Records, res.Dropped, res.SkippedLines, meta, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete load %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("load not found: %d", id)
	}
	return nil
}

func (s *PostgresStore) FailLoad(ctx context.Context, id int64, msg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE y9c.load_history SET status = $1, error = $2, completed_at = $3 WHERE id = $4`,
		string(model.LoadFailed), msg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail load %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("load not found: %d", id)
	}
	return nil
}

func (s *PostgresStore) ListLoads(ctx context.Context, f LoadFilter) ([]model.LoadEntry, error) {
	query := `SELECT id, run_id, report_date, source, status, cached, records, dropped, skipped_lines,
		error, metadata, started_at, completed_at FROM y9c.load_history WHERE 1=1`
	var args []any

	if f.Period != nil {
		args = append(args, f.Period.AsOf())
		query += ` AND report_date = $` + strconv.Itoa(len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` ORDER BY id DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list loads")
	}
	defer rows.Close()

	var out []model.LoadEntry
	for rows.Next() {
		var (
			e         model.LoadEntry
			date      time.Time
			src       string
			status    string
			errMsg    *string
			meta      []byte
			completed *time.Time
		)
		if err := rows.Scan(&e.ID, &e.RunID, &date, &src, &status, &e.Cached, &e.Records, &e.Dropped,
			&e.SkippedLines, &errMsg, &meta, &e.StartedAt, &completed); err != nil {
			return nil, eris.Wrap(err, "postgres: scan load")
		}
		e.Period = period.Of(date)
		e.Source = source.ID(src)
		e.Status = model.LoadStatus(status)
		if errMsg != nil {
			e.Error = *errMsg
		}
		e.CompletedAt = completed
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal load metadata")
			}
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list loads iterate")
}

// numeric converts an exact decimal into its NUMERIC wire form.
func numeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

