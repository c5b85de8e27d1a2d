package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/y9c-cli/internal/config"
	"github.com/sells-group/y9c-cli/internal/period"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFetchFailure AlertType = "fetch_failure"
	AlertParseFailure AlertType = "parse_failure"
	AlertLoadFailure  AlertType = "load_failure"
	AlertRunAborted   AlertType = "run_aborted"
	AlertSkippedLines AlertType = "skipped_lines"
	AlertStaleData    AlertType = "stale_data"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	RunID     string         `json:"run_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a RunSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *RunSnapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	add := func(typ AlertType, severity, msg string, details map[string]any) {
		alerts = append(alerts, Alert{
			Type:      typ,
			Severity:  severity,
			Message:   msg,
			RunID:     snap.RunID,
			Details:   details,
			Timestamp: now,
		})
	}

	if n := len(snap.FetchFailed); n > 0 {
		add(AlertFetchFailure, "high",
			fmt.Sprintf("%d period(s) could not be downloaded: %s", n, joinPeriods(snap.FetchFailed)),
			map[string]any{"periods": snap.FetchFailed, "attempted": snap.Attempted})
	}
	if n := len(snap.ParseFailed); n > 0 {
		add(AlertParseFailure, "high",
			fmt.Sprintf("%d period(s) failed to parse: %s", n, joinPeriods(snap.ParseFailed)),
			map[string]any{"periods": snap.ParseFailed, "attempted": snap.Attempted})
	}
	if n := len(snap.OtherFailed); n > 0 {
		add(AlertLoadFailure, "high",
			fmt.Sprintf("%d period(s) failed to load: %s", n, joinPeriods(snap.OtherFailed)),
			map[string]any{"periods": snap.OtherFailed})
	}

	if snap.Aborted != "" {
		add(AlertRunAborted, "critical",
			fmt.Sprintf("Ingest run stopped after %d of %d period(s): %s", snap.Loaded, snap.Attempted, snap.Aborted),
			map[string]any{"loaded": snap.Loaded, "attempted": snap.Attempted})
	}

	if a.cfg.SkipRatioThreshold > 0 {
		for _, s := range snap.Skips {
			if s.Ratio <= a.cfg.SkipRatioThreshold {
				continue
			}
			add(AlertSkippedLines, "medium",
				fmt.Sprintf("%s: parser skipped %d of %d line(s) (%.2f%% > %.2f%%)",
					s.Period, s.Skipped, s.Lines, s.Ratio*100, a.cfg.SkipRatioThreshold*100),
				map[string]any{"period": s.Period, "skipped": s.Skipped, "lines": s.Lines})
		}
	}

	// Stale check: an empty store counts as stale only after a run attempted something.
	switch {
	case snap.Latest == nil && snap.Attempted > 0:
		add(AlertStaleData, "high",
			fmt.Sprintf("Store holds no data; latest published quarter is %s", snap.LatestPublished),
			map[string]any{"latest_published": snap.LatestPublished})
	case snap.Latest != nil && a.cfg.StaleQuarters > 0 && snap.LagQuarters > a.cfg.StaleQuarters:
		add(AlertStaleData, "medium",
			fmt.Sprintf("Store trails by %d quarter(s): latest %s, published %s",
				snap.LagQuarters, snap.Latest, snap.LatestPublished),
			map[string]any{
				"latest":           snap.Latest,
				"latest_published": snap.LatestPublished,
				"lag_quarters":     snap.LagQuarters,
			})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func joinPeriods(ps []period.Period) string {
	var b bytes.Buffer
	for i, p := range ps {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.String())
	}
	return b.String()
}
