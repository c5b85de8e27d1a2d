package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ValueKind classifies a raw value field.
type ValueKind int

const (
	// Invalid is neither a number nor a recognised no-value token.
	Invalid ValueKind = iota
	// Numeric parsed as a decimal (zero included).
	Numeric
	// NoValue is blank, an NA-style token, or a zero-padded placeholder.
	NoValue
)

func (k ValueKind) String() string {
	switch k {
	case Numeric:
		return "numeric"
	case NoValue:
		return "no_value"
	default:
		return "invalid"
	}
}

// noValueTokens are the explicit "not reported" markers seen across providers.
var noValueTokens = map[string]bool{
	"NA":   true,
	"N/A":  true,
	"NULL": true,
	"NAN":  true,
	".":    true,
	"-":    true,
	"--":   true,
	"ND":   true,
	"NR":   true,
	"*":    true,
}

// ParseValue classifies a raw value and parses it when numeric. Thousands
// separators and surrounding quotes are ignored.
func ParseValue(raw string) (decimal.Decimal, ValueKind) {
	s := strings.Trim(strings.TrimSpace(raw), `"`)
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, NoValue
	}
	upper := strings.ToUpper(s)
	if noValueTokens[upper] {
		return decimal.Zero, NoValue
	}

	if d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", "")); err == nil {
		return d, Numeric
	}

	if isZeroPaddedPlaceholder(upper) {
		return decimal.Zero, NoValue
	}
	return decimal.Zero, Invalid
}

// isZeroPaddedPlaceholder matches fixed-width fillers such as "000000000NA" or
// "0000X": leading zeros followed by a non-numeric marker.
func isZeroPaddedPlaceholder(s string) bool {
	rest := strings.TrimLeft(s, "0")
	if rest == s || rest == "" {
		return false
	}
	if noValueTokens[rest] {
		return true
	}
	for _, r := range rest {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
