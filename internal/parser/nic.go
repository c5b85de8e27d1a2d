package parser

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/y9c-cli/internal/archive"
)

// nicDelimiter separates fields in NIC bulk files.
const nicDelimiter = "^"

// maxNICLine bounds a single line. BHCF rows run to several thousand columns.
const maxNICLine = 16 * 1024 * 1024

// NICParser reads the National Information Center BHCF layout: caret
// delimited UTF-8 text, one row per institution, an upper-case header row
// and an optional row of item captions beneath it.
type NICParser struct {
	opts Options
}

// NewNICParser creates a NICParser.
func NewNICParser(opts Options) *NICParser {
	return &NICParser{opts: opts}
}

// Parse implements Parser.
func (p *NICParser) Parse(ctx context.Context, a *archive.Archive) *Stream {
	return run(ctx, a, p.opts, scanCaret)
}

// scanCaret splits caret-delimited lines. Quotes carry no meaning in this
// layout, so a stray quote in a caption cannot swallow later lines.
func scanCaret(ctx context.Context, r io.Reader, visit func(line int, fields []string, rowErr error) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 256*1024), maxNICLine)

	line := 0
	for sc.Scan() {
		line++
		if line%1000 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		text := strings.TrimRight(sc.Text(), "\r")
		if line == 1 {
			text = strings.TrimPrefix(text, "\ufeff")
		}
		fields := strings.Split(text, nicDelimiter)
		if line == 1 {
			for i, f := range fields {
				fields[i] = strings.ToUpper(f)
			}
		}
		if err := visit(line, fields, nil); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return eris.Wrap(err, "nic: scan")
	}
	return nil
}
