// Package parser turns a period's raw archive into a lazy stream of
// per-cell RawRecords. Each provider's file layout is one Parser variant.
package parser

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/y9c-cli/internal/archive"
	"github.com/sells-group/y9c-cli/internal/fetcher"
	"github.com/sells-group/y9c-cli/internal/model"
	"github.com/sells-group/y9c-cli/internal/period"
	"github.com/sells-group/y9c-cli/internal/source"
)

// DefaultMaxSkipRatio is the share of malformed data lines tolerated per archive.
const DefaultMaxSkipRatio = 0.05

// dataExts are the inner file types that carry report data.
var dataExts = []string{".txt", ".csv", ".dat"}

// errNoIDColumn stops the scan of an inner file whose header names no
// institution id column.
var errNoIDColumn = errors.New("no institution id column")

// RawRecord is one (institution, metric) cell of a data line, exactly as the
// provider wrote it.
type RawRecord struct {
	Source   source.ID
	Period   period.Period
	Schedule string // inner file the cell came from
	Line     int
	RSSD     string
	Code     string
	Value    string
}

// Stats counts what a parse saw. Lines excludes header and description rows.
// Ignored counts inner files without an institution id column.
type Stats struct {
	Files   int `json:"files"`
	Ignored int `json:"ignored_files"`
	Lines   int `json:"lines"`
	Skipped int `json:"skipped"`
	Records int `json:"records"`
}

// SkipRatio is Skipped/Lines, or 0 when no lines were read.
func (s Stats) SkipRatio() float64 {
	if s.Lines == 0 {
		return 0
	}
	return float64(s.Skipped) / float64(s.Lines)
}

// ParseFailure reports an archive that could not be parsed as a whole: the
// container was unreadable, carried no data, or too many lines were malformed.
type ParseFailure struct {
	Period period.Period
	Source source.ID
	Reason string
	Stats  Stats
	Err    error
}

func (e *ParseFailure) Error() string {
	msg := fmt.Sprintf("parse %s from %s: %s", e.Period, e.Source, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseFailure) Unwrap() error { return e.Err }

// Options configures a parser.
type Options struct {
	// MaxSkipRatio is the tolerated share of malformed lines. Zero selects
	// DefaultMaxSkipRatio.
	MaxSkipRatio float64
	// Buffer is the record channel capacity.
	Buffer int
}

func (o Options) withDefaults() Options {
	if o.MaxSkipRatio <= 0 {
		o.MaxSkipRatio = DefaultMaxSkipRatio
	}
	if o.Buffer <= 0 {
		o.Buffer = 1024
	}
	return o
}

// Parser parses one provider's archives.
type Parser interface {
	// Parse starts a fresh single-pass stream over the archive.
	Parse(ctx context.Context, a *archive.Archive) *Stream
}

// For returns the parser for a provider.
func For(id source.ID, opts Options) (Parser, error) {
	switch id {
	case source.NIC:
		return NewNICParser(opts), nil
	case source.Chicago:
		return NewChicagoParser(opts), nil
	default:
		return nil, eris.Errorf("parser: no parser for source %q", id)
	}
}

// Stream is a lazy, single-pass sequence of RawRecords. Consumers range over
// Records until it is closed and then call Wait. A consumer that stops early
// must cancel the context passed to Parse so the producer can exit.
type Stream struct {
	records chan RawRecord
	done    chan struct{}
	stats   Stats
	err     error
}

// Records returns the record channel. It is closed when parsing ends.
func (s *Stream) Records() <-chan RawRecord { return s.records }

// Wait blocks until parsing ends and returns the final counts and error.
func (s *Stream) Wait() (Stats, error) {
	<-s.done
	return s.stats, s.err
}

// scanFunc reads one inner file and calls visit for each physical row.
// rowErr is set when the row could not be split into fields.
type scanFunc func(ctx context.Context, r io.Reader, visit func(line int, fields []string, rowErr error) error) error

// run drives a parse: it walks the archive's data files in name order,
// feeds each through scan, and emits records for well-formed lines.
func run(ctx context.Context, a *archive.Archive, opts Options, scan scanFunc) *Stream {
	opts = opts.withDefaults()
	s := &Stream{
		records: make(chan RawRecord, opts.Buffer),
		done:    make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer close(s.records)

		p := &producer{ctx: ctx, a: a, out: s.records}
		err := p.parseArchive(scan)
		s.stats = p.stats
		if err == nil {
			err = checkSkipRatio(a, p.stats, opts.MaxSkipRatio)
		}
		s.err = err

		zap.L().Debug("archive parsed",
			zap.String("component", "parser"),
			zap.String("source", string(a.Source)),
			zap.String("period", a.Period.String()),
			zap.Int("files", p.stats.Files),
			zap.Int("lines", p.stats.Lines),
			zap.Int("skipped", p.stats.Skipped),
			zap.Int("records", p.stats.Records),
		)
	}()

	return s
}

func checkSkipRatio(a *archive.Archive, st Stats, limit float64) error {
	if st.Lines == 0 {
		return &ParseFailure{Period: a.Period, Source: a.Source, Reason: "no data lines", Stats: st}
	}
	if ratio := st.SkipRatio(); ratio > limit {
		return &ParseFailure{
			Period: a.Period,
			Source: a.Source,
			Reason: fmt.Sprintf("%d of %d lines malformed (%.1f%% > %.1f%%)", st.Skipped, st.Lines, ratio*100, limit*100),
			Stats:  st,
		}
	}
	return nil
}

type producer struct {
	ctx   context.Context
	a     *archive.Archive
	out   chan<- RawRecord
	stats Stats
}

func (p *producer) fail(reason string, err error) error {
	return &ParseFailure{Period: p.a.Period, Source: p.a.Source, Reason: reason, Stats: p.stats, Err: err}
}

func (p *producer) parseArchive(scan scanFunc) error {
	zr, err := p.a.Open()
	if err != nil {
		return p.fail("unreadable archive", err)
	}
	defer zr.Close() //nolint:errcheck

	files := fetcher.DataEntries(&zr.Reader, dataExts...)
	if len(files) == 0 {
		return p.fail("archive contains no data files", nil)
	}

	for _, f := range files {
		used, err := p.parseFile(f, scan)
		if err != nil {
			return err
		}
		if !used {
			p.stats.Ignored++
			zap.L().Warn("parser: ignoring file without institution id column",
				zap.String("source", string(p.a.Source)),
				zap.String("period", p.a.Period.String()),
				zap.String("file", f.Name),
			)
			continue
		}
		p.stats.Files++
	}
	if p.stats.Files == 0 {
		return p.fail("archive contains no data files", eris.Errorf("%d files without an institution id column", p.stats.Ignored))
	}
	return nil
}

// parseFile scans one inner file. It reports false when the file has no
// institution id column and so carries no report data.
func (p *producer) parseFile(f *zip.File, scan scanFunc) (bool, error) {
	rc, err := f.Open()
	if err != nil {
		return false, p.fail("open "+f.Name, err)
	}
	defer rc.Close() //nolint:errcheck

	t := &table{schedule: path.Base(f.Name)}
	err = scan(p.ctx, rc, func(line int, fields []string, rowErr error) error {
		return p.visit(t, line, fields, rowErr)
	})
	if err != nil {
		if p.ctx.Err() != nil {
			return false, eris.Wrap(p.ctx.Err(), "parser: cancelled")
		}
		if errors.Is(err, errNoIDColumn) {
			return false, nil
		}
		var pf *ParseFailure
		if errors.As(err, &pf) {
			return false, err
		}
		return false, p.fail("read "+f.Name, err)
	}
	return t.header != nil, nil
}

func (p *producer) visit(t *table, line int, fields []string, rowErr error) error {
	if t.header == nil {
		if rowErr != nil {
			return p.fail("unreadable header in "+t.schedule, rowErr)
		}
		if isBlank(fields) {
			return nil
		}
		return t.setHeader(fields)
	}

	if rowErr == nil && isBlank(fields) {
		return nil
	}

	if !t.sawData && rowErr == nil && t.isDescription(fields) {
		t.sawData = true
		return nil
	}
	t.sawData = true

	p.stats.Lines++
	cells, ok := t.cells(fields, rowErr)
	if !ok {
		p.stats.Skipped++
		return nil
	}

	rssd := cleanField(fields[t.idCol])
	for _, c := range cells {
		rec := RawRecord{
			Source:   p.a.Source,
			Period:   p.a.Period,
			Schedule: t.schedule,
			Line:     line,
			RSSD:     rssd,
			Code:     c.code,
			Value:    c.value,
		}
		select {
		case p.out <- rec:
			p.stats.Records++
		case <-p.ctx.Done():
			return p.ctx.Err()
		}
	}
	return nil
}

// idColumns are the header names that identify the reporting institution, in preference order.
var idColumns = []string{"IDRSSD", "RSSD9001", "RSSD_ID"}

// table tracks the layout of one inner file.
type table struct {
	schedule string
	header   []string
	idCol    int
	metrics  []int
	sawData  bool
}

type cell struct {
	code  string
	value string
}

func (t *table) setHeader(fields []string) error {
	t.header = make([]string, len(fields))
	t.idCol = -1
	for i, f := range fields {
		t.header[i] = cleanField(f)
	}
	for _, want := range idColumns {
		for i, h := range t.header {
			if strings.EqualFold(h, want) {
				t.idCol = i
				break
			}
		}
		if t.idCol >= 0 {
			break
		}
	}
	if t.idCol < 0 {
		return errNoIDColumn
	}
	for i, h := range t.header {
		if i != t.idCol && !isAttribute(h) {
			t.metrics = append(t.metrics, i)
		}
	}
	return nil
}

// isDescription reports whether fields look like the optional row of item
// captions that follows the header: same width, a non-numeric id cell, and
// free text in every metric cell. Anything else is a data line.
func (t *table) isDescription(fields []string) bool {
	if len(fields) != len(t.header) || len(t.metrics) == 0 {
		return false
	}
	if isDigits(cleanField(fields[t.idCol])) {
		return false
	}
	for _, i := range t.metrics {
		if _, kind := model.ParseValue(fields[i]); kind != model.Invalid {
			return false
		}
	}
	return true
}

// cells validates a data line and returns its metric cells. A line is
// malformed when it has the wrong field count, a non-numeric id, or a value
// that is neither numeric nor a recognised no-value token.
func (t *table) cells(fields []string, rowErr error) ([]cell, bool) {
	if rowErr != nil || len(fields) != len(t.header) {
		return nil, false
	}
	if !isDigits(cleanField(fields[t.idCol])) {
		return nil, false
	}
	out := make([]cell, 0, len(t.metrics))
	for _, i := range t.metrics {
		v := fields[i]
		if _, kind := model.ParseValue(v); kind == model.Invalid {
			return nil, false
		}
		out = append(out, cell{code: t.header[i], value: v})
	}
	return out, true
}

// isAttribute reports whether a header names a descriptive attribute rather
// than a reported line item.
func isAttribute(h string) bool {
	u := strings.ToUpper(h)
	return u == "" || strings.HasPrefix(u, "RSSD") || strings.HasPrefix(u, "TEXT")
}

func cleanField(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `"`))
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isBlank(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
