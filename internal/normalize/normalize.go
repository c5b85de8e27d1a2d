// Package normalize maps source-specific raw cells onto the canonical
// FinancialRecord schema and decides which cells are kept.
package normalize

import (
	"strconv"
	"strings"

	"github.com/sells-group/y9c-cli/internal/mdrm"
	"github.com/sells-group/y9c-cli/internal/model"
	"github.com/sells-group/y9c-cli/internal/parser"
)

// Drop explains why a raw cell did not become a record. Drops are expected
// and never failures.
type Drop int

const (
	DropNone Drop = iota
	DropUntracked
	DropNoValue
	DropBadCode
	DropBadID
	DropBadValue
)

func (d Drop) String() string {
	switch d {
	case DropNone:
		return "none"
	case DropUntracked:
		return "untracked"
	case DropNoValue:
		return "no_value"
	case DropBadCode:
		return "bad_code"
	case DropBadID:
		return "bad_id"
	case DropBadValue:
		return "bad_value"
	default:
		return "unknown"
	}
}

// Counts tallies drops by reason.
type Counts map[Drop]int64

// Total is the number of dropped cells.
func (c Counts) Total() int64 {
	var n int64
	for d, v := range c {
		if d != DropNone {
			n += v
		}
	}
	return n
}

// Strings returns the counts keyed by reason name, for logs and load metadata.
func (c Counts) Strings() map[string]int64 {
	out := make(map[string]int64, len(c))
	for d, v := range c {
		if d != DropNone && v > 0 {
			out[d.String()] = v
		}
	}
	return out
}

// Config is the tracked institution set.
type Config struct {
	Tracked []int64
}

// Normalizer is safe for concurrent use once built.
type Normalizer struct {
	tracked map[int64]struct{}
}

// New builds a Normalizer for cfg.
func New(cfg Config) *Normalizer {
	n := &Normalizer{tracked: make(map[int64]struct{}, len(cfg.Tracked))}
	for _, id := range cfg.Tracked {
		n.tracked[id] = struct{}{}
	}
	return n
}

// Tracks reports whether rssd is in the tracked set.
func (n *Normalizer) Tracks(rssd int64) bool {
	_, ok := n.tracked[rssd]
	return ok
}

// Normalize converts raw into a FinancialRecord. When the returned Drop is
// not DropNone the record is the zero value and must be discarded.
func (n *Normalizer) Normalize(raw parser.RawRecord) (model.FinancialRecord, Drop) {
	id, ok := ParseRSSD(raw.RSSD)
	if !ok {
		return model.FinancialRecord{}, DropBadID
	}
	if !n.Tracks(id) {
		return model.FinancialRecord{}, DropUntracked
	}

	code, ok := CanonicalCode(raw.Code)
	if !ok {
		return model.FinancialRecord{}, DropBadCode
	}

	val, kind := model.ParseValue(raw.Value)
	switch kind {
	case model.NoValue:
		return model.FinancialRecord{}, DropNoValue
	case model.Invalid:
		return model.FinancialRecord{}, DropBadValue
	}

	return model.FinancialRecord{
		RSSD:     id,
		Period:   raw.Period,
		Code:     code,
		Value:    val,
		Source:   raw.Source,
		Schedule: raw.Schedule,
	}, DropNone
}

// ParseRSSD converts a raw identifier into its integer form. Quotes, spaces
// and zero padding are ignored, so "0001447376" and "1447376" are the same
// institution. Zero is not a valid identifier.
func ParseRSSD(s string) (int64, bool) {
	s = strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `"'`))
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// CanonicalCode upper-cases a column name and strips source decoration such
// as a "BHCF_" prefix or a "_1" suffix. ok is false when no canonical code
// remains.
func CanonicalCode(s string) (string, bool) {
	c := strings.ToUpper(strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `"`)))
	if mdrm.Canonical(c) {
		return c, true
	}
	if i := strings.LastIndexAny(c, "_.:"); i >= 0 && mdrm.Canonical(c[i+1:]) {
		return c[i+1:], true
	}
	if i := strings.IndexByte(c, '_'); i > 0 && mdrm.Canonical(c[:i]) {
		return c[:i], true
	}
	return "", false
}
