package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/y9c-cli/internal/config"
	"github.com/sells-group/y9c-cli/internal/period"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		StaleQuarters:      1,
		SkipRatioThreshold: 0.01,
	})

	q1 := period.MustParse("2025Q1")
	snap := &RunSnapshot{
		Attempted:       1,
		Loaded:          1,
		Latest:          &q1,
		LatestPublished: q1,
		Skips:           []PeriodSkips{{Period: q1, Skipped: 1, Lines: 1000, Ratio: 0.001}},
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_Failures(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	q1 := period.MustParse("2025Q1")
	snap := &RunSnapshot{
		RunID:           "run-7",
		Attempted:       4,
		Loaded:          1,
		FetchFailed:     []period.Period{period.MustParse("2024Q3"), period.MustParse("2024Q4")},
		ParseFailed:     []period.Period{period.MustParse("2024Q2")},
		Latest:          &q1,
		LatestPublished: q1,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertFetchFailure, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "2024Q3, 2024Q4")
	assert.Equal(t, "run-7", alerts[0].RunID)
	assert.Equal(t, AlertParseFailure, alerts[1].Type)
	assert.Contains(t, alerts[1].Message, "1 period(s) failed to parse")
}

func TestAlerter_Evaluate_Aborted(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	q1 := period.MustParse("2025Q1")
	snap := &RunSnapshot{
		Attempted:       3,
		Loaded:          1,
		OtherFailed:     []period.Period{period.MustParse("2024Q4")},
		Aborted:         "store: upsert records: database is locked",
		Latest:          &q1,
		LatestPublished: q1,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertLoadFailure, alerts[0].Type)
	assert.Equal(t, AlertRunAborted, alerts[1].Type)
	assert.Equal(t, "critical", alerts[1].Severity)
	assert.Contains(t, alerts[1].Message, "1 of 3")
}

func TestAlerter_Evaluate_SkippedLines(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{SkipRatioThreshold: 0.01})

	q1 := period.MustParse("2025Q1")
	snap := &RunSnapshot{
		Attempted:       1,
		Loaded:          1,
		Skips:           []PeriodSkips{{Period: q1, Skipped: 30, Lines: 1000, Ratio: 0.03}},
		Latest:          &q1,
		LatestPublished: q1,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertSkippedLines, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "3.00%")
}

func TestAlerter_Evaluate_StaleData(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{StaleQuarters: 1})

	latest := period.MustParse("2024Q2")
	snap := &RunSnapshot{
		Latest:          &latest,
		LatestPublished: period.MustParse("2025Q1"),
		LagQuarters:     3,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStaleData, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "trails by 3 quarter(s)")

	// Lag within threshold.
	snap.LagQuarters = 1
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_EmptyStore(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &RunSnapshot{Attempted: 2, LatestPublished: period.MustParse("2025Q1"), LagQuarters: -1}
	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStaleData, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)

	// Nothing attempted, nothing to report.
	snap.Attempted = 0
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertFetchFailure, Severity: "high", Message: "test alert 1"},
		{Type: AlertStaleData, Severity: "medium", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "",
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertFetchFailure, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "http://example.com",
	})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertParseFailure, Message: "test"}})
	assert.Equal(t, 0, sent)
}
