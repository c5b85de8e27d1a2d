package parser

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"github.com/sells-group/y9c-cli/internal/archive"
	"github.com/sells-group/y9c-cli/internal/period"
	"github.com/sells-group/y9c-cli/internal/source"
)

func writeArchive(t *testing.T, src source.ID, files map[string]string) *archive.Archive {
	t.Helper()
	path := filepath.Join(t.TempDir(), "BHCF_2024Q4.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	return &archive.Archive{
		Source: src,
		Period: period.MustParse("2024Q4"),
		Path:   path,
		Origin: archive.FromCache,
	}
}

func collect(t *testing.T, s *Stream) ([]RawRecord, Stats, error) {
	t.Helper()
	var out []RawRecord
	for r := range s.Records() {
		out = append(out, r)
	}
	st, err := s.Wait()
	return out, st, err
}

func byKey(recs []RawRecord) map[string]string {
	m := make(map[string]string, len(recs))
	for _, r := range recs {
		m[r.RSSD+"/"+r.Code] = r.Value
	}
	return m
}

func nicLines(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

func TestNICParser_Basic(t *testing.T) {
	a := writeArchive(t, source.NIC, map[string]string{
		"BHCF20241231.txt": nicLines(
			"RSSD9001^RSSD9017^BHCK2170^BHCK2948^TEXT9010",
			"1447376^JPMORGAN CHASE^4002814000^3657201000^New York",
			"1039502^BANK OF AMERICA^3261519000^^Charlotte",
		),
	})

	recs, st, err := collect(t, NewNICParser(Options{}).Parse(context.Background(), a))
	require.NoError(t, err)

	assert.Equal(t, Stats{Files: 1, Lines: 2, Skipped: 0, Records: 4}, st)
	got := byKey(recs)
	assert.Equal(t, "4002814000", got["1447376/BHCK2170"])
	assert.Equal(t, "3657201000", got["1447376/BHCK2948"])
	assert.Equal(t, "", got["1039502/BHCK2948"])
	_, hasName := got["1447376/RSSD9017"]
	assert.False(t, hasName, "attribute columns are not emitted")
	_, hasText := got["1447376/TEXT9010"]
	assert.False(t, hasText)

	for _, r := range recs {
		assert.Equal(t, source.NIC, r.Source)
		assert.Equal(t, "BHCF20241231.txt", r.Schedule)
		assert.Equal(t, a.Period, r.Period)
	}
}

func TestNICParser_LowercaseHeaderAndIDRSSD(t *testing.T) {
	a := writeArchive(t, source.NIC, map[string]string{
		"data.txt": nicLines(
			"\ufeffidrssd^bhck2170",
			"1447376^100",
		),
	})

	recs, _, err := collect(t, NewNICParser(Options{}).Parse(context.Background(), a))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "BHCK2170", recs[0].Code)
	assert.Equal(t, "1447376", recs[0].RSSD)
}

func TestNICParser_DescriptionRowSkipped(t *testing.T) {
	a := writeArchive(t, source.NIC, map[string]string{
		"BHCF.txt": nicLines(
			"RSSD9001^BHCK2170",
			"RSSD ID^TOTAL ASSETS",
			"1447376^100",
		),
	})

	recs, st, err := collect(t, NewNICParser(Options{}).Parse(context.Background(), a))
	require.NoError(t, err)
	assert.Equal(t, 1, st.Lines, "description row is not a data line")
	assert.Equal(t, 0, st.Skipped)
	require.Len(t, recs, 1)
	assert.Equal(t, 3, recs[0].Line)
}

func TestNICParser_CRLFAndBlankLines(t *testing.T) {
	a := writeArchive(t, source.NIC, map[string]string{
		"BHCF.txt": "RSSD9001^BHCK2170\r\n1447376^100\r\n\r\n1039502^200\r\n",
	})

	recs, st, err := collect(t, NewNICParser(Options{}).Parse(context.Background(), a))
	require.NoError(t, err)
	assert.Equal(t, 2, st.Lines)
	got := byKey(recs)
	assert.Equal(t, "200", got["1039502/BHCK2170"])
}

func TestNICParser_MalformedBelowThreshold(t *testing.T) {
	lines := []string{"RSSD9001^BHCK2170^BHCK2948"}
	for i := 0; i < 99; i++ {
		lines = append(lines, "1447376^100^200")
	}
	lines = append(lines, "1447376^100") // short line
	a := writeArchive(t, source.NIC, map[string]string{"BHCF.txt": nicLines(lines...)})

	recs, st, err := collect(t, NewNICParser(Options{MaxSkipRatio: 0.05}).Parse(context.Background(), a))
	require.NoError(t, err)
	assert.Equal(t, 100, st.Lines)
	assert.Equal(t, 1, st.Skipped)
	assert.Len(t, recs, 198)
	assert.InDelta(t, 0.01, st.SkipRatio(), 1e-9)
}

func TestNICParser_MalformedAboveThreshold(t *testing.T) {
	a := writeArchive(t, source.NIC, map[string]string{
		"BHCF.txt": nicLines(
			"RSSD9001^BHCK2170",
			"1447376^100",
			"ABC^100",           // non-numeric id
			"1039502^12AB",      // invalid value
			"1039502^100^extra", // too many fields
		),
	})

	_, st, err := collect(t, NewNICParser(Options{MaxSkipRatio: 0.05}).Parse(context.Background(), a))
	require.Error(t, err)

	var pf *ParseFailure
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, source.NIC, pf.Source)
	assert.Equal(t, period.MustParse("2024Q4"), pf.Period)
	assert.Contains(t, pf.Reason, "3 of 4 lines malformed")
	assert.Equal(t, 3, st.Skipped)
}

func TestNICParser_NoValueTokensAreWellFormed(t *testing.T) {
	a := writeArchive(t, source.NIC, map[string]string{
		"BHCF.txt": nicLines(
			"RSSD9001^BHCK2170^BHCK2948^BHCK3210",
			"1447376^NA^000000000NA^1,234",
		),
	})

	recs, st, err := collect(t, NewNICParser(Options{}).Parse(context.Background(), a))
	require.NoError(t, err)
	assert.Equal(t, 0, st.Skipped)
	got := byKey(recs)
	assert.Equal(t, "NA", got["1447376/BHCK2170"])
	assert.Equal(t, "1,234", got["1447376/BHCK3210"])
}

func TestNICParser_MultipleSchedulesInNameOrder(t *testing.T) {
	a := writeArchive(t, source.NIC, map[string]string{
		"b_schedule.txt": nicLines("RSSD9001^BHCK2170", "1447376^200"),
		"a_schedule.txt": nicLines("RSSD9001^BHCK2170", "1447376^100"),
		"readme.pdf":     "not data",
	})

	recs, st, err := collect(t, NewNICParser(Options{}).Parse(context.Background(), a))
	require.NoError(t, err)
	assert.Equal(t, 2, st.Files)
	require.Len(t, recs, 2)
	assert.Equal(t, "a_schedule.txt", recs[0].Schedule)
	assert.Equal(t, "b_schedule.txt", recs[1].Schedule)
}

func TestNICParser_NoIDColumn(t *testing.T) {
	a := writeArchive(t, source.NIC, map[string]string{
		"BHCF.txt": nicLines("NAME^BHCK2170", "x^1"),
	})

	_, _, err := collect(t, NewNICParser(Options{}).Parse(context.Background(), a))
	var pf *ParseFailure
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, "archive contains no data files", pf.Reason)
	assert.Equal(t, 1, pf.Stats.Ignored)
	assert.Contains(t, pf.Error(), "without an institution id column")
}

func TestNICParser_IgnoresFilesWithoutIDColumn(t *testing.T) {
	a := writeArchive(t, source.NIC, map[string]string{
		"BHCF20241231.txt": nicLines("RSSD9001^BHCK2170", "1447376^100", "1039502^200"),
		"readme.txt":       nicLines("Y-9C bulk data", "See the MDRM dictionary for item definitions."),
	})

	recs, st, err := collect(t, NewNICParser(Options{}).Parse(context.Background(), a))
	require.NoError(t, err)
	assert.Equal(t, Stats{Files: 1, Ignored: 1, Lines: 2, Records: 2}, st)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, "BHCF20241231.txt", r.Schedule)
	}
}

func TestNICParser_MalformedFirstLineIsCounted(t *testing.T) {
	lines := []string{"RSSD9001^BHCK2170", "XYZ^100"}
	for i := 0; i < 99; i++ {
		lines = append(lines, "1447376^100")
	}
	a := writeArchive(t, source.NIC, map[string]string{"BHCF.txt": nicLines(lines...)})

	recs, st, err := collect(t, NewNICParser(Options{}).Parse(context.Background(), a))
	require.NoError(t, err)
	assert.Equal(t, 100, st.Lines)
	assert.Equal(t, 1, st.Skipped)
	assert.Len(t, recs, 99)
	assert.InDelta(t, 0.01, st.SkipRatio(), 1e-9)
}

func TestTable_IsDescription(t *testing.T) {
	tbl := &table{schedule: "BHCF.txt"}
	require.NoError(t, tbl.setHeader([]string{"RSSD9001", "RSSD9017", "BHCK2170", "BHCK2948"}))

	tests := []struct {
		name   string
		fields []string
		want   bool
	}{
		{name: "captions", fields: []string{"RSSD ID", "NAME", "TOTAL ASSETS", "TOTAL LIABILITIES"}, want: true},
		{name: "numeric id", fields: []string{"1447376", "JPM", "TOTAL ASSETS", "TOTAL LIABILITIES"}},
		{name: "numeric metric", fields: []string{"XYZ", "JPM", "100", "TOTAL LIABILITIES"}},
		{name: "no-value metric", fields: []string{"XYZ", "JPM", "NA", "TOTAL LIABILITIES"}},
		{name: "short row", fields: []string{"RSSD ID", "TOTAL ASSETS"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tbl.isDescription(tt.fields))
		})
	}
}

func TestNICParser_NoDataFiles(t *testing.T) {
	a := writeArchive(t, source.NIC, map[string]string{"readme.pdf": "x"})

	_, _, err := collect(t, NewNICParser(Options{}).Parse(context.Background(), a))
	var pf *ParseFailure
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, "archive contains no data files", pf.Reason)
}

func TestNICParser_HeaderOnly(t *testing.T) {
	a := writeArchive(t, source.NIC, map[string]string{"BHCF.txt": "RSSD9001^BHCK2170\n"})

	_, _, err := collect(t, NewNICParser(Options{}).Parse(context.Background(), a))
	var pf *ParseFailure
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, "no data lines", pf.Reason)
}

func TestNICParser_UnreadableArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.zip")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))
	a := &archive.Archive{Source: source.NIC, Period: period.MustParse("2024Q4"), Path: path}

	_, _, err := collect(t, NewNICParser(Options{}).Parse(context.Background(), a))
	var pf *ParseFailure
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, "unreadable archive", pf.Reason)
}

func TestNICParser_StreamIsRestartable(t *testing.T) {
	a := writeArchive(t, source.NIC, map[string]string{
		"BHCF.txt": nicLines("RSSD9001^BHCK2170", "1447376^100"),
	})
	p := NewNICParser(Options{})

	first, _, err := collect(t, p.Parse(context.Background(), a))
	require.NoError(t, err)
	second, _, err := collect(t, p.Parse(context.Background(), a))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestNICParser_Cancellation(t *testing.T) {
	lines := []string{"RSSD9001^BHCK2170"}
	for i := 0; i < 5000; i++ {
		lines = append(lines, "1447376^100")
	}
	a := writeArchive(t, source.NIC, map[string]string{"BHCF.txt": nicLines(lines...)})

	ctx, cancel := context.WithCancel(context.Background())
	s := NewNICParser(Options{Buffer: 1}).Parse(ctx, a)
	<-s.Records()
	cancel()
	for range s.Records() {
	}
	_, err := s.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChicagoParser_Windows1252(t *testing.T) {
	body := "rssd9001,rssd9017,bhck2170,bhck2948\r\n" +
		"0001447376,\"Soci\xe9t\xe9 G\xe9n\xe9rale, NA\",4002814000,3657201000\r\n" +
		"0001039502,\"BANK OF AMERICA\",3261519000,NA\r\n"
	a := writeArchive(t, source.Chicago, map[string]string{"bhcf1012.csv": body})

	recs, st, err := collect(t, NewChicagoParser(Options{}).Parse(context.Background(), a))
	require.NoError(t, err)
	assert.Equal(t, Stats{Files: 1, Lines: 2, Skipped: 0, Records: 4}, st)

	got := byKey(recs)
	assert.Equal(t, "4002814000", got["0001447376/bhck2170"])
	assert.Equal(t, "NA", got["0001039502/bhck2948"])
	for _, r := range recs {
		assert.Equal(t, source.Chicago, r.Source)
	}
}

func TestChicagoParser_DecodesCaptions(t *testing.T) {
	enc, err := charmap.Windows1252.NewEncoder().String("RSSD9001,BHCK2170\n\"Identifianté\",\"Total assets\"\n1,5\n")
	require.NoError(t, err)
	a := writeArchive(t, source.Chicago, map[string]string{"bhcf.csv": enc})

	recs, st, err := collect(t, NewChicagoParser(Options{}).Parse(context.Background(), a))
	require.NoError(t, err)
	assert.Equal(t, 1, st.Lines)
	require.Len(t, recs, 1)
	assert.Equal(t, "5", recs[0].Value)
}

func TestChicagoParser_FieldCountMismatch(t *testing.T) {
	a := writeArchive(t, source.Chicago, map[string]string{
		"bhcf.csv": "rssd9001,bhck2170\n1,5\n2,6,7\n",
	})

	_, st, err := collect(t, NewChicagoParser(Options{MaxSkipRatio: 0.6}).Parse(context.Background(), a))
	require.NoError(t, err)
	assert.Equal(t, 2, st.Lines)
	assert.Equal(t, 1, st.Skipped)
}

func TestFor(t *testing.T) {
	p, err := For(source.NIC, Options{})
	require.NoError(t, err)
	assert.IsType(t, &NICParser{}, p)

	p, err = For(source.Chicago, Options{})
	require.NoError(t, err)
	assert.IsType(t, &ChicagoParser{}, p)

	_, err = For(source.ID("bogus"), Options{})
	assert.Error(t, err)
}

func TestParseFailure_Error(t *testing.T) {
	pf := &ParseFailure{Period: period.MustParse("2024Q4"), Source: source.NIC, Reason: "no data lines"}
	assert.Equal(t, "parse 2024Q4 from ffiec_nic: no data lines", pf.Error())
	assert.Nil(t, pf.Unwrap())
}
