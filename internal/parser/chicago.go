package parser

import (
	"context"
	"io"

	"golang.org/x/text/encoding/charmap"

	"github.com/sells-group/y9c-cli/internal/archive"
	"github.com/sells-group/y9c-cli/internal/fetcher"
)

// ChicagoParser reads the Chicago Fed historical BHC layout: comma separated
// Windows-1252 text with quoted captions and lower-case item codes.
type ChicagoParser struct {
	opts Options
}

// NewChicagoParser creates a ChicagoParser.
func NewChicagoParser(opts Options) *ChicagoParser {
	return &ChicagoParser{opts: opts}
}

// Parse implements Parser.
func (p *ChicagoParser) Parse(ctx context.Context, a *archive.Archive) *Stream {
	return run(ctx, a, p.opts, scanCSV)
}

func scanCSV(ctx context.Context, r io.Reader, visit func(line int, fields []string, rowErr error) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dec := charmap.Windows1252.NewDecoder().Reader(r)
	rows, errs := fetcher.StreamCSV(ctx, dec, fetcher.CSVOptions{LazyQuotes: true})

	for row := range rows {
		if err := visit(row.Line, row.Fields, row.Err); err != nil {
			return err
		}
	}
	return <-errs
}
