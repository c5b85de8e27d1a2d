package mdrm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	assert.Equal(t, 104, c.Len())
	assert.True(t, c.Tracked("BHCK2170"))
	assert.Equal(t, "Total assets", c.Name("BHCK2170"))
	assert.Equal(t, "Total liabilities", c.Name("BHCK2948"))
	assert.Equal(t, "BHCKZZZZ", c.Name("BHCKZZZZ"))

	it, ok := c.Lookup("BHCK4340")
	require.True(t, ok)
	assert.Equal(t, IncomeStatement, it.Statement)
	assert.Equal(t, "income", it.Category)

	counts := c.Counts()
	assert.Equal(t, 44, counts[BalanceSheet])
	assert.Equal(t, 47, counts[IncomeStatement])
	assert.Equal(t, 7, counts[Insurance])
	assert.Equal(t, 6, counts[Memoranda])
}

func TestCatalog_KeepsFileOrder(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	bs := c.Statement(BalanceSheet)
	require.NotEmpty(t, bs)
	assert.Equal(t, "BHCK0081", bs[0].Code)
	assert.Equal(t, "BHCK3300", bs[len(bs)-1].Code)

	assert.Equal(t, []string{"assets", "equity", "liabilities"}, c.Categories(BalanceSheet))
}

func TestCatalog_Codes(t *testing.T) {
	c, err := Parse([]byte(`
balance_sheet:
  assets:
    BHCK2170: Total assets
income_statement:
  income:
    BHCK4340: Net income
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"BHCK2170", "BHCK4340"}, c.Codes())
	assert.Equal(t, []string{"BHCK4340"}, c.Codes(IncomeStatement))
	assert.Empty(t, c.Codes(Memoranda))
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"not a mapping", "- a\n- b\n"},
		{"unknown statement", "cash_flow:\n  x:\n    BHCK2170: a\n"},
		{"bad code", "balance_sheet:\n  assets:\n    bhck2170: a\n"},
		{"duplicate", "balance_sheet:\n  assets:\n    BHCK2170: a\n  other:\n    BHCK2170: b\n"},
		{"no items", "balance_sheet: {}\n"},
		{"category not mapping", "balance_sheet:\n  assets: [BHCK2170]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 104, c.Len())

	path := filepath.Join(t.TempDir(), "metrics.yaml")
	require.NoError(t, os.WriteFile(path, []byte("memoranda:\n  m:\n    BHCK1763: Average total assets\n"), 0o644))
	c, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Tracked("BHCK1763"))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCanonical(t *testing.T) {
	assert.True(t, Canonical("BHCK2170"))
	assert.True(t, Canonical("BHCKJJ34"))
	assert.False(t, Canonical("bhck2170"))
	assert.False(t, Canonical("BHCK217"))
	assert.False(t, Canonical("BHC12170"))
	assert.False(t, Canonical("RSSD9001X"))
}

func TestParseStatement(t *testing.T) {
	st, err := ParseStatement("income_statement")
	require.NoError(t, err)
	assert.Equal(t, IncomeStatement, st)

	_, err = ParseStatement("cash_flow")
	assert.Error(t, err)
}
