// Package period models FR Y-9C reporting periods (calendar quarters).
package period

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Period is a reporting quarter. The zero value is not a valid period.
type Period struct {
	Year    int `json:"year"`
	Quarter int `json:"quarter"`
}

// New returns a validated period.
func New(year, quarter int) (Period, error) {
	p := Period{Year: year, Quarter: quarter}
	if !p.Valid() {
		return Period{}, eris.Errorf("period: invalid period %d Q%d", year, quarter)
	}
	return p, nil
}

// Valid reports whether the quarter is 1..4 and the year is plausible for Y-9C data.
func (p Period) Valid() bool {
	return p.Quarter >= 1 && p.Quarter <= 4 && p.Year >= 1900 && p.Year <= 9999
}

// String formats the period as "2024Q4".
func (p Period) String() string {
	return fmt.Sprintf("%dQ%d", p.Year, p.Quarter)
}

// EndMonth returns the last month of the quarter.
func (p Period) EndMonth() time.Month {
	return time.Month(p.Quarter * 3)
}

// AsOf returns the last calendar day of the quarter (UTC midnight).
func (p Period) AsOf() time.Time {
	// Day 0 of the following month is the last day of EndMonth.
	return time.Date(p.Year, p.EndMonth()+1, 0, 0, 0, 0, 0, time.UTC)
}

// ReportDate returns the as-of date formatted as YYYY-MM-DD.
func (p Period) ReportDate() string {
	return p.AsOf().Format("2006-01-02")
}

// DateKey returns the as-of date formatted as YYYYMMDD, the form used by the NIC portal.
func (p Period) DateKey() string {
	return p.AsOf().Format("20060102")
}

// Compare returns -1, 0, or +1 depending on whether p is before, equal to, or after o.
func (p Period) Compare(o Period) int {
	switch {
	case p.Year < o.Year:
		return -1
	case p.Year > o.Year:
		return 1
	case p.Quarter < o.Quarter:
		return -1
	case p.Quarter > o.Quarter:
		return 1
	default:
		return 0
	}
}

// Before reports whether p is strictly earlier than o.
func (p Period) Before(o Period) bool { return p.Compare(o) < 0 }

// After reports whether p is strictly later than o.
func (p Period) After(o Period) bool { return p.Compare(o) > 0 }

// Next returns the following quarter.
func (p Period) Next() Period {
	if p.Quarter == 4 {
		return Period{Year: p.Year + 1, Quarter: 1}
	}
	return Period{Year: p.Year, Quarter: p.Quarter + 1}
}

// Prev returns the preceding quarter.
func (p Period) Prev() Period {
	if p.Quarter == 1 {
		return Period{Year: p.Year - 1, Quarter: 4}
	}
	return Period{Year: p.Year, Quarter: p.Quarter - 1}
}

// Of returns the quarter containing t.
func Of(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Quarter: (int(t.Month())-1)/3 + 1}
}

// Parse accepts "2024Q4", "2024q4", "2024-Q4", "2024 Q4", and quarter-end dates
// written as "20241231" or "2024-12-31".
func Parse(s string) (Period, error) {
	raw := strings.ToUpper(strings.TrimSpace(s))
	if raw == "" {
		return Period{}, eris.New("period: empty period")
	}

	if i := strings.IndexByte(raw, 'Q'); i > 0 {
		yearPart := strings.TrimRight(raw[:i], "- ")
		year, err := strconv.Atoi(yearPart)
		if err != nil {
			return Period{}, eris.Errorf("period: invalid year in %q", s)
		}
		q, err := strconv.Atoi(raw[i+1:])
		if err != nil {
			return Period{}, eris.Errorf("period: invalid quarter in %q", s)
		}
		return New(year, q)
	}

	digits := strings.ReplaceAll(raw, "-", "")
	if len(digits) == 8 {
		t, err := time.Parse("20060102", digits)
		if err != nil {
			return Period{}, eris.Wrapf(err, "period: parse date %q", s)
		}
		p := Of(t)
		if !t.Equal(p.AsOf()) {
			return Period{}, eris.Errorf("period: %q is not a quarter-end date", s)
		}
		return p, nil
	}

	return Period{}, eris.Errorf("period: unrecognised period %q (want e.g. 2024Q4)", s)
}

// MarshalText encodes the period as "2024Q4".
func (p Period) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText accepts any form Parse does.
func (p *Period) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// MustParse is Parse for constants in tests and defaults; it panics on error.
func MustParse(s string) Period {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Range returns every quarter from from to to, inclusive, in ascending order.
// It returns nil when to is before from.
func Range(from, to Period) []Period {
	if to.Before(from) {
		return nil
	}
	var out []Period
	for p := from; !p.After(to); p = p.Next() {
		out = append(out, p)
	}
	return out
}

// Years returns every quarter of startYear..endYear, capped at limit when limit is valid.
func Years(startYear, endYear int, limit Period) []Period {
	to := Period{Year: endYear, Quarter: 4}
	if limit.Valid() && limit.Before(to) {
		to = limit
	}
	return Range(Period{Year: startYear, Quarter: 1}, to)
}

// LatestPublished returns the most recent quarter whose data is expected to be
// published at now, given a publication lag in days after quarter end.
func LatestPublished(now time.Time, lagDays int) Period {
	p := Of(now).Prev()
	for i := 0; i < 8; i++ {
		available := p.AsOf().AddDate(0, 0, lagDays)
		if !now.Before(available) {
			return p
		}
		p = p.Prev()
	}
	return p
}
