// Package source decides which upstream provider publishes a reporting period
// and builds the provider-specific download URL.
package source

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/y9c-cli/internal/period"
)

// ID identifies an upstream bulk-file provider.
type ID string

const (
	// NIC is the FFIEC National Information Center portal (current provider).
	NIC ID = "ffiec_nic"
	// Chicago is the Federal Reserve Bank of Chicago historical archive (legacy provider).
	Chicago ID = "chicago_fed"
)

// String returns the identifier.
func (id ID) String() string { return string(id) }

// Valid reports whether id names a known provider.
func (id ID) Valid() bool { return id == NIC || id == Chicago }

// ParseID converts a string into a provider ID.
func ParseID(s string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(s)))
	if !id.Valid() {
		return "", eris.Errorf("source: unknown source %q (valid: %s, %s)", s, NIC, Chicago)
	}
	return id, nil
}

// DefaultCutover is the first quarter published by the NIC portal.
var DefaultCutover = period.Period{Year: 2021, Quarter: 1}

// Selector maps reporting periods to providers around a fixed cutover.
type Selector struct {
	Cutover period.Period
}

// NewSelector returns a Selector; an invalid cutover falls back to DefaultCutover.
func NewSelector(cutover period.Period) Selector {
	if !cutover.Valid() {
		cutover = DefaultCutover
	}
	return Selector{Cutover: cutover}
}

// Select returns NIC for periods at or after the cutover and Chicago otherwise.
// It is total: whether the provider actually has the period is a fetch concern.
func (s Selector) Select(p period.Period) ID {
	if p.Before(s.Cutover) {
		return Chicago
	}
	return NIC
}

// Default URL templates. Placeholders: {year}, {yy}, {quarter}, {mm}, {date}.
const (
	DefaultNICURL     = "https://www.ffiec.gov/npw/FinancialReport/ReturnFinancialReportZip?rpt=BHCF&date={date}"
	DefaultChicagoURL = "https://www.chicagofed.org/-/media/others/banking/financial-institution-reports/bhc-data/bhcf{yy}{mm}.zip"
)

// URLs holds the per-provider download URL templates.
type URLs struct {
	NIC     string `yaml:"nic_url" mapstructure:"nic_url"`
	Chicago string `yaml:"chicago_url" mapstructure:"chicago_url"`
}

// DefaultURLs returns the production templates.
func DefaultURLs() URLs {
	return URLs{NIC: DefaultNICURL, Chicago: DefaultChicagoURL}
}

// URL builds the download URL for the period from the provider's template.
func (u URLs) URL(id ID, p period.Period) (string, error) {
	var tmpl string
	switch id {
	case NIC:
		tmpl = u.NIC
	case Chicago:
		tmpl = u.Chicago
	default:
		return "", eris.Errorf("source: no URL template for %q", id)
	}
	if tmpl == "" {
		return "", eris.Errorf("source: empty URL template for %s", id)
	}
	return expand(tmpl, p), nil
}

func expand(tmpl string, p period.Period) string {
	r := strings.NewReplacer(
		"{year}", strconv.Itoa(p.Year),
		"{yy}", fmt.Sprintf("%02d", p.Year%100),
		"{quarter}", strconv.Itoa(p.Quarter),
		"{mm}", fmt.Sprintf("%02d", int(p.EndMonth())),
		"{date}", p.DateKey(),
	)
	return r.Replace(tmpl)
}
