package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/y9c-cli/internal/archive"
	"github.com/sells-group/y9c-cli/internal/config"
	"github.com/sells-group/y9c-cli/internal/export"
	"github.com/sells-group/y9c-cli/internal/mdrm"
	"github.com/sells-group/y9c-cli/internal/model"
	"github.com/sells-group/y9c-cli/internal/period"
	"github.com/sells-group/y9c-cli/internal/source"
)

func TestFormatAmount(t *testing.T) {
	pr := message.NewPrinter(language.English)
	assert.Equal(t, "4,002,814,000", formatAmount(pr, decimal.RequireFromString("4002814000")))
	assert.Equal(t, "-1,250", formatAmount(pr, decimal.RequireFromString("-1250")))
	assert.Equal(t, "0", formatAmount(pr, decimal.Zero))
	assert.Equal(t, "1,234.50", formatAmount(pr, decimal.RequireFromString("1234.5")))
}

func TestFormatStatement(t *testing.T) {
	catalog, err := mdrm.Default()
	require.NoError(t, err)
	pr := message.NewPrinter(language.English)

	var buf bytes.Buffer
	formatStatement(&buf, pr, "Balance sheet", catalog.Statement(mdrm.BalanceSheet), map[string]decimal.Decimal{
		"Total assets":      decimal.RequireFromString("4002814000"),
		"Total liabilities": decimal.RequireFromString("3657201000"),
	})
	out := buf.String()

	assert.Contains(t, out, "Balance sheet (2 of")
	assert.Contains(t, out, "BHCK2170")
	assert.Contains(t, out, "4,002,814,000")
	assert.Contains(t, out, "Total liabilities")
	assert.NotContains(t, out, "Total equity capital")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("BHCK2170")), bytes.Index(buf.Bytes(), []byte("BHCK2948")),
		"items follow catalog order")
}

func TestFormatCoverage(t *testing.T) {
	pr := message.NewPrinter(language.English)
	var buf bytes.Buffer
	formatCoverage(&buf, pr, []model.Coverage{
		{Period: period.MustParse("2024Q4"), Codes: 1250, Records: 1250},
	})
	out := buf.String()
	assert.Contains(t, out, "REPORT DATE")
	assert.Contains(t, out, "2024-12-31")
	assert.Contains(t, out, "1,250")
}

func TestFormatLoadEntries(t *testing.T) {
	started := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	completed := started.Add(90 * time.Second)

	var buf bytes.Buffer
	formatLoadEntries(&buf, []model.LoadEntry{
		{
			ID: 2, Period: period.MustParse("2024Q4"), Source: source.NIC, Status: model.LoadComplete,
			StartedAt: started, CompletedAt: &completed, Records: 1800, Cached: true,
		},
		{
			ID: 1, Period: period.MustParse("2024Q3"), Source: source.NIC, Status: model.LoadFailed,
			StartedAt: started, Error: "fetch 2024Q3 from ffiec_nic failed after 3 attempt(s): connection reset by peer while reading body",
		},
	})
	out := buf.String()

	assert.Contains(t, out, "PERIOD")
	assert.Contains(t, out, "2024Q4")
	assert.Contains(t, out, "complete")
	assert.Contains(t, out, "2025-01-15 10:30")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "1800")
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "...")
}

func TestFormatCacheEntries(t *testing.T) {
	var buf bytes.Buffer
	formatCacheEntries(&buf, nil)
	assert.Equal(t, "Cached archives: 0\n", buf.String())

	buf.Reset()
	formatCacheEntries(&buf, []archive.Entry{
		{Source: source.Chicago, Period: period.MustParse("2019Q4"), Size: 2048, Valid: true},
		{Source: source.NIC, Period: period.MustParse("2024Q4"), Size: 12, Problem: "not a zip archive"},
	})
	out := buf.String()
	assert.Contains(t, out, "Cached archives: 2")
	assert.Contains(t, out, "chicago_fed")
	assert.Contains(t, out, "yes")
	assert.Contains(t, out, "no: not a zip archive")
}

func TestFormatConfig(t *testing.T) {
	catalog, err := mdrm.Default()
	require.NoError(t, err)
	c := &config.Config{}
	c.Tracking.RSSDIDs = []int64{1447376}
	c.Tracking.StartYear = 2000
	c.Sources.Cutover = "2021Q1"
	c.Store.Driver = "sqlite"

	var buf bytes.Buffer
	formatConfig(&buf, c, catalog)
	out := buf.String()
	assert.Contains(t, out, "[1447376]")
	assert.Contains(t, out, "2021Q1")
	assert.Contains(t, out, "(embedded)")
	assert.Contains(t, out, "balance_sheet")
	assert.Contains(t, out, "income_statement")
}

func TestParseExportOpts(t *testing.T) {
	cmd := &cobra.Command{Use: "export"}
	cmd.Flags().String("out", "data/export", "")
	cmd.Flags().String("format", "csv", "")
	cmd.Flags().String("statement", "", "")
	cmd.Flags().Int64Slice("rssd", nil, "")
	cmd.Flags().String("from", "", "")
	cmd.Flags().String("to", "", "")
	require.NoError(t, cmd.ParseFlags([]string{
		"--out", "/tmp/x", "--format", "xlsx", "--statement", "income_statement",
		"--rssd", "1447376,1039502", "--from", "2020Q1", "--to", "2024-12-31",
	}))

	opts, err := parseExportOpts(cmd)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", opts.Dir)
	assert.Equal(t, export.XLSX, opts.Format)
	assert.Equal(t, mdrm.IncomeStatement, opts.Statement)
	assert.Equal(t, []int64{1447376, 1039502}, opts.Filter.RSSD)
	require.NotNil(t, opts.Filter.From)
	assert.Equal(t, period.MustParse("2020Q1"), *opts.Filter.From)
	assert.Equal(t, period.MustParse("2024Q4"), *opts.Filter.To)
}

func TestParseExportOpts_Invalid(t *testing.T) {
	tests := [][]string{
		{"--format", "parquet"},
		{"--statement", "cash_flow"},
		{"--from", "2020Q5"},
	}
	for _, args := range tests {
		cmd := &cobra.Command{Use: "export"}
		cmd.Flags().String("out", "data/export", "")
		cmd.Flags().String("format", "csv", "")
		cmd.Flags().String("statement", "", "")
		cmd.Flags().Int64Slice("rssd", nil, "")
		cmd.Flags().String("from", "", "")
		cmd.Flags().String("to", "", "")
		require.NoError(t, cmd.ParseFlags(args))

		_, err := parseExportOpts(cmd)
		assert.Error(t, err, args)
	}
}
