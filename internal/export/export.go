// Package export writes stored FR Y-9C records to CSV files or an XLSX
// workbook, split by statement.
package export

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/y9c-cli/internal/mdrm"
	"github.com/sells-group/y9c-cli/internal/model"
	"github.com/sells-group/y9c-cli/internal/store"
)

// Format is an output file format.
type Format string

const (
	CSV  Format = "csv"
	XLSX Format = "xlsx"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", CSV:
		return CSV, nil
	case XLSX:
		return XLSX, nil
	default:
		return "", eris.Errorf("export: unknown format %q (valid: csv, xlsx)", s)
	}
}

// All selects every stored record, tracked or not.
const All = "all"

// Options controls an export.
type Options struct {
	Dir    string
	Format Format
	// Statement limits the export to one statement. Empty exports one split
	// per statement plus an "all" split.
	Statement mdrm.Statement
	Filter    store.Filter
}

// Columns is the header row of every split.
var Columns = []string{
	"rssd_id", "period", "report_date", "mdrm_code", "name", "statement", "category", "value", "source", "schedule",
}

// Exporter reads records from a Store and writes them out.
type Exporter struct {
	store   store.Store
	catalog *mdrm.Catalog
	log     *zap.Logger
}

// New creates an Exporter.
func New(st store.Store, catalog *mdrm.Catalog) *Exporter {
	return &Exporter{
		store:   st,
		catalog: catalog,
		log:     zap.L().With(zap.String("component", "export")),
	}
}

// split is one named group of rows.
type split struct {
	name string
	rows [][]string
}

// Export writes the selected records and returns the paths written.
func (e *Exporter) Export(ctx context.Context, opts Options) ([]string, error) {
	if opts.Dir == "" {
		return nil, eris.New("export: output directory is required")
	}
	if opts.Format == "" {
		opts.Format = CSV
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "export: create %s", opts.Dir)
	}

	f := opts.Filter
	if opts.Statement != "" {
		f.Codes = e.catalog.Codes(opts.Statement)
	}
	recs, err := e.store.Records(ctx, f)
	if err != nil {
		return nil, eris.Wrap(err, "export: load records")
	}

	splits := e.split(recs, opts.Statement)

	var paths []string
	switch opts.Format {
	case CSV:
		for _, s := range splits {
			path := filepath.Join(opts.Dir, "y9c_"+s.name+".csv")
			if err := writeCSV(path, s.rows); err != nil {
				return paths, err
			}
			paths = append(paths, path)
		}
	case XLSX:
		path := filepath.Join(opts.Dir, "y9c.xlsx")
		if opts.Statement != "" {
			path = filepath.Join(opts.Dir, "y9c_"+string(opts.Statement)+".xlsx")
		}
		if err := writeXLSX(path, splits); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	default:
		return nil, eris.Errorf("export: unknown format %q", opts.Format)
	}

	e.log.Info("export complete",
		zap.Int("records", len(recs)),
		zap.Int("files", len(paths)),
		zap.String("format", string(opts.Format)),
	)
	return paths, nil
}

// split groups records by statement, keeping store order within each group.
func (e *Exporter) split(recs []model.FinancialRecord, only mdrm.Statement) []split {
	byStatement := make(map[mdrm.Statement][][]string)
	all := make([][]string, 0, len(recs))
	for _, r := range recs {
		row := e.row(r)
		all = append(all, row)
		if it, ok := e.catalog.Lookup(r.Code); ok {
			byStatement[it.Statement] = append(byStatement[it.Statement], row)
		}
	}

	if only != "" {
		return []split{{name: string(only), rows: byStatement[only]}}
	}

	var out []split
	for _, st := range mdrm.Statements {
		if rows := byStatement[st]; len(rows) > 0 || st == mdrm.BalanceSheet || st == mdrm.IncomeStatement {
			out = append(out, split{name: string(st), rows: rows})
		}
	}
	return append(out, split{name: All, rows: all})
}

func (e *Exporter) row(r model.FinancialRecord) []string {
	it, _ := e.catalog.Lookup(r.Code)
	name := it.Name
	if name == "" {
		name = r.Code
	}
	return []string{
		strconv.FormatInt(r.RSSD, 10),
		r.Period.String(),
		r.Period.ReportDate(),
		r.Code,
		name,
		string(it.Statement),
		it.Category,
		r.Value.String(),
		string(r.Source),
		r.Schedule,
	}
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "export: create file")
	}
	defer f.Close() //nolint:errcheck

	w := csv.NewWriter(f)
	if err := w.Write(Columns); err != nil {
		return eris.Wrap(err, "export: write header")
	}
	if err := w.WriteAll(rows); err != nil {
		return eris.Wrap(err, "export: write rows")
	}
	return f.Close()
}

func writeXLSX(path string, splits []split) error {
	f := xlsx.NewFile()
	for _, s := range splits {
		sheet, err := f.AddSheet(s.name)
		if err != nil {
			return eris.Wrapf(err, "export: add sheet %s", s.name)
		}
		header := sheet.AddRow()
		for _, c := range Columns {
			header.AddCell().SetString(c)
		}
		for _, r := range s.rows {
			row := sheet.AddRow()
			for i, v := range r {
				cell := row.AddCell()
				if Columns[i] == "value" || Columns[i] == "rssd_id" {
					if n, err := strconv.ParseFloat(v, 64); err == nil && len(strings.TrimLeft(v, "-")) <= 15 {
						cell.SetFloat(n)
						continue
					}
				}
				cell.SetString(v)
			}
		}
	}
	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "export: save %s", path)
	}
	return nil
}
