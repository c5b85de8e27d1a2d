package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/sells-group/y9c-cli/internal/mdrm"
	"github.com/sells-group/y9c-cli/internal/model"
	"github.com/sells-group/y9c-cli/internal/period"
	"github.com/sells-group/y9c-cli/internal/source"
)

// SQLiteStore implements Store using modernc.org/sqlite. Values are stored
// as exact decimal text.
type SQLiteStore struct {
	db      *sql.DB
	catalog *mdrm.Catalog
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string, catalog *mdrm.Catalog) (*SQLiteStore, error) {
	if catalog == nil {
		return nil, eris.New("sqlite: catalog is required")
	}
	if dsn == "" {
		dsn = filepath.Join("data", "y9c.db")
	}
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, eris.Wrap(err, "sqlite: create database dir")
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, catalog: catalog}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS financial_data (
	rssd_id     INTEGER NOT NULL,
	report_date TEXT NOT NULL,
	mdrm_code   TEXT NOT NULL,
	value       TEXT NOT NULL,
	source      TEXT NOT NULL,
	schedule    TEXT NOT NULL DEFAULT '',
	loaded_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (rssd_id, report_date, mdrm_code)
);

CREATE TABLE IF NOT EXISTS load_history (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	report_date   TEXT NOT NULL,
	source        TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'running',
	cached        INTEGER NOT NULL DEFAULT 0,
	records       INTEGER NOT NULL DEFAULT 0,
	dropped       INTEGER NOT NULL DEFAULT 0,
	skipped_lines INTEGER NOT NULL DEFAULT 0,
	error         TEXT,
	metadata      TEXT,
	started_at    DATETIME NOT NULL,
	completed_at  DATETIME
);

CREATE INDEX IF NOT EXISTS idx_financial_data_report_date ON financial_data(report_date);
CREATE INDEX IF NOT EXISTS idx_financial_data_series ON financial_data(rssd_id, mdrm_code, report_date);
CREATE INDEX IF NOT EXISTS idx_load_history_report_date ON load_history(report_date);
CREATE INDEX IF NOT EXISTS idx_load_history_run_id ON load_history(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteUpsert = `INSERT INTO financial_data (rssd_id, report_date, mdrm_code, value, source, schedule, loaded_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (rssd_id, report_date, mdrm_code) DO UPDATE SET
	value = excluded.value,
	source = excluded.source,
	schedule = excluded.schedule,
	loaded_at = excluded.loaded_at`

// UpsertRecords writes recs in one transaction. Existing rows with the same
// key are replaced, so repeating a load leaves the table unchanged.
func (s *SQLiteStore) UpsertRecords(ctx context.Context, recs []model.FinancialRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	if err := validateRecords(recs); err != nil {
		return 0, err
	}
	recs = dedupe(recs)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsert)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare upsert")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx,
			r.RSSD, r.Period.ReportDate(), r.Code, r.Value.String(), string(r.Source), r.Schedule, now,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert %d/%s/%s", r.RSSD, r.Period, r.Code)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert")
	}
	return int64(len(recs)), nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec model.FinancialRecord) error {
	_, err := s.UpsertRecords(ctx, []model.FinancialRecord{rec})
	return err
}

func (s *SQLiteStore) Records(ctx context.Context, f Filter) ([]model.FinancialRecord, error) {
	query := `SELECT rssd_id, report_date, mdrm_code, value, source, schedule FROM financial_data WHERE 1=1`
	var args []any

	if len(f.RSSD) > 0 {
		query += ` AND rssd_id IN (` + placeholders(len(f.RSSD)) + `)`
		for _, id := range f.RSSD {
			args = append(args, id)
		}
	}
	if len(f.Codes) > 0 {
		query += ` AND mdrm_code IN (` + placeholders(len(f.Codes)) + `)`
		for _, c := range f.Codes {
			args = append(args, c)
		}
	}
	if f.From != nil {
		query += ` AND report_date >= ?`
		args = append(args, f.From.ReportDate())
	}
	if f.To != nil {
		query += ` AND report_date <= ?`
		args = append(args, f.To.ReportDate())
	}
	query += ` ORDER BY rssd_id, report_date, mdrm_code`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query records")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.FinancialRecord
	for rows.Next() {
		var (
			r           model.FinancialRecord
			date, value string
			src         string
		)
		if err := rows.Scan(&r.RSSD, &date, &r.Code, &value, &src, &r.Schedule); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		if r.Period, err = period.Parse(date); err != nil {
			return nil, eris.Wrap(err, "sqlite: stored report date")
		}
		if r.Value, err = decimal.NewFromString(value); err != nil {
			return nil, eris.Wrap(err, "sqlite: stored value")
		}
		r.Source = source.ID(src)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: records iterate")
}

func (s *SQLiteStore) BalanceSheet(ctx context.Context, rssd int64, p period.Period) (map[string]decimal.Decimal, error) {
	vals, err := s.values(ctx, rssd, p)
	if err != nil {
		return nil, err
	}
	return statement(s.catalog, mdrm.BalanceSheet, vals), nil
}

func (s *SQLiteStore) IncomeStatement(ctx context.Context, rssd int64, p period.Period) (map[string]decimal.Decimal, error) {
	vals, err := s.values(ctx, rssd, p)
	if err != nil {
		return nil, err
	}
	return statement(s.catalog, mdrm.IncomeStatement, vals), nil
}

// values returns every stored code for one institution and period.
func (s *SQLiteStore) values(ctx context.Context, rssd int64, p period.Period) (map[string]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mdrm_code, value FROM financial_data WHERE rssd_id = ? AND report_date = ?`,
		rssd, p.ReportDate(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query values %d/%s", rssd, p)
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var code, value string
		if err := rows.Scan(&code, &value); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan value")
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: stored value for %s", code)
		}
		out[code] = d
	}
	return out, eris.Wrap(rows.Err(), "sqlite: values iterate")
}

func (s *SQLiteStore) TimeSeries(ctx context.Context, rssd int64, code string) ([]model.Point, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT report_date, value FROM financial_data WHERE rssd_id = ? AND mdrm_code = ? ORDER BY report_date`,
		rssd, strings.ToUpper(code),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query series %d/%s", rssd, code)
	}
	defer rows.Close() //nolint:errcheck

	var pts []model.Point
	for rows.Next() {
		var date, value string
		if err := rows.Scan(&date, &value); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan point")
		}
		p, err := period.Parse(date)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: stored report date")
		}
		v, err := decimal.NewFromString(value)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: stored value")
		}
		pts = append(pts, model.Point{Period: p, Value: v})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: series iterate")
	}
	sortPoints(pts)
	return pts, nil
}

func (s *SQLiteStore) LatestPeriod(ctx context.Context) (*period.Period, error) {
	var date sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(report_date) FROM financial_data`).Scan(&date); err != nil {
		return nil, eris.Wrap(err, "sqlite: latest period")
	}
	if !date.Valid || date.String == "" {
		return nil, nil
	}
	p, err := period.Parse(date.String)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stored report date")
	}
	return &p, nil
}

func (s *SQLiteStore) Periods(ctx context.Context, rssd int64) ([]period.Period, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT report_date FROM financial_data WHERE rssd_id = ? ORDER BY report_date`,
		rssd,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query periods %d", rssd)
	}
	defer rows.Close() //nolint:errcheck

	var out []period.Period
	for rows.Next() {
		var date string
		if err := rows.Scan(&date); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan period")
		}
		p, err := period.Parse(date)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: stored report date")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: periods iterate")
}

func (s *SQLiteStore) Coverage(ctx context.Context, rssd int64) ([]model.Coverage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT report_date, COUNT(DISTINCT mdrm_code), COUNT(*) FROM financial_data
		 WHERE rssd_id = ? GROUP BY report_date ORDER BY report_date`,
		rssd,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query coverage %d", rssd)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Coverage
	for rows.Next() {
		var (
			date string
			c    model.Coverage
		)
		if err := rows.Scan(&date, &c.Codes, &c.Records); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan coverage")
		}
		if c.Period, err = period.Parse(date); err != nil {
			return nil, eris.Wrap(err, "sqlite: stored report date")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: coverage iterate")
}

func (s *SQLiteStore) StartLoad(ctx context.Context, runID string, p period.Period, src source.ID) (*model.LoadEntry, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO load_history (run_id, report_date, source, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		runID, p.ReportDate(), string(src), string(model.LoadRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: start load %s", p)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load id")
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

func (s *SQLiteStore) CompleteLoad(ctx context.Context, id int64, res model.LoadResult) error {
	meta, err := marshalMetadata(res.Metadata)
	if err != nil {
		return err
	}
	r, err := s.db.ExecContext(ctx,
		`UPDATE load_history SET status = ?, cached = ?, records = ?, dropped = ?, skipped_lines = ?, metadata = ?, completed_at = ?
		 WHERE id = ?`,
		string(model.LoadComplete), res.Cached, res.Records, res.Dropped, res.SkippedLines, meta, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete load %d", id)
	}
	return checkRowsAffected(r, "load", id)
}

func (s *SQLiteStore) FailLoad(ctx context.Context, id int64, msg string) error {
	r, err := s.db.ExecContext(ctx,
		`UPDATE load_history SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(model.LoadFailed), msg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail load %d", id)
	}
	return checkRowsAffected(r, "load", id)
}

func (s *SQLiteStore) ListLoads(ctx context.Context, f LoadFilter) ([]model.LoadEntry, error) {
	query := `SELECT id, run_id, report_date, source, status, cached, records, dropped, skipped_lines,
		error, metadata, started_at, completed_at FROM load_history WHERE 1=1`
	var args []any

	if f.Period != nil {
		query += ` AND report_date = ?`
		args = append(args, f.Period.ReportDate())
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY id DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list loads")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.LoadEntry
	for rows.Next() {
		var (
			e         model.LoadEntry
			date, src string
			status    string
			errMsg    sql.NullString
			meta      sql.NullString
			completed sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.RunID, &date, &src, &status, &e.Cached, &e.Records, &e.Dropped,
			&e.SkippedLines, &errMsg, &meta, &e.StartedAt, &completed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan load")
		}
		if e.Period, err = period.Parse(date); err != nil {
			return nil, eris.Wrap(err, "sqlite: stored report date")
		}
		e.Source = source.ID(src)
		e.Status = model.LoadStatus(status)
		e.Error = errMsg.String
		if completed.Valid {
			t := completed.Time
			e.CompletedAt = &t
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal load metadata")
			}
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list loads iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %d", entity, id)
	}
	return nil
}

func marshalMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal load metadata")
	}
	return string(b), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
