package fetcher

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// CSVOptions configures the streaming CSV parser.
type CSVOptions struct {
	Delimiter  rune // default ','
	Comment    rune // comment character (0 = none)
	LazyQuotes bool
	TrimSpace  bool
}

// Row is one CSV record with its starting line number. Err is set when the
// line could not be parsed; the stream continues with the next line.
type Row struct {
	Line   int
	Fields []string
	Err    error
}

// StreamCSV reads delimited text and sends rows to a channel.
// Caller must consume the returned row channel. Fatal errors are sent on the
// error channel; per-line parse errors are reported on the Row instead.
// Both channels are closed when processing completes.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan Row, <-chan error) {
	rowCh := make(chan Row, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		if opts.Comment != 0 {
			reader.Comment = opts.Comment
		}
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1 // field count is validated by the caller
		reader.ReuseRecord = false

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}

			row := Row{Fields: record}
			if err != nil {
				var pe *csv.ParseError
				if !errors.As(err, &pe) {
					errCh <- eris.Wrap(err, "csv: read row")
					return
				}
				row.Line = pe.StartLine
				row.Err = pe
			} else {
				row.Line, _ = reader.FieldPos(0)
			}

			if opts.TrimSpace {
				for i, field := range row.Fields {
					row.Fields[i] = strings.TrimSpace(field)
				}
			}

			select {
			case rowCh <- row:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}
