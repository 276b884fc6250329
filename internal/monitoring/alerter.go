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

	"github.com/sells-group/leads-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRefreshFailureRate AlertType = "refresh_failure_rate"
	AlertRegionStale        AlertType = "region_stale"
	AlertConflictBacklog    AlertType = "conflict_backlog"
)

// minFinishedRuns is the number of finished runs needed before a region's
// failure rate is judged.
const minFinishedRuns = 3

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Region    string         `json:"region,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
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
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	for _, h := range snap.Regions {
		finished := h.Completed + h.PartiallyFailed + h.Failed
		if finished >= minFinishedRuns && a.cfg.FailureRateThreshold > 0 && h.FailRate > a.cfg.FailureRateThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertRefreshFailureRate,
				Severity: "high",
				Region:   h.Region,
				Message: fmt.Sprintf(
					"Region %s refresh failure rate %.1f%% exceeds threshold %.1f%% (%d failed or partial / %d finished in last %dh)",
					h.Region, h.FailRate*100, a.cfg.FailureRateThreshold*100,
					h.Failed+h.PartiallyFailed, finished, snap.LookbackHours,
				),
				Details: map[string]any{
					"failure_rate":     h.FailRate,
					"threshold":        a.cfg.FailureRateThreshold,
					"failed":           h.Failed,
					"partially_failed": h.PartiallyFailed,
					"finished":         finished,
				},
				Timestamp: now,
			})
		}

		if a.cfg.StaleAfterHours > 0 && !h.Running {
			limit := time.Duration(a.cfg.StaleAfterHours) * time.Hour
			if h.LastSuccessAt == nil || now.Sub(*h.LastSuccessAt) > limit {
				last := "never"
				if h.LastSuccessAt != nil {
					last = h.LastSuccessAt.Format(time.RFC3339)
				}
				alerts = append(alerts, Alert{
					Type:     AlertRegionStale,
					Severity: "medium",
					Region:   h.Region,
					Message: fmt.Sprintf(
						"Region %s has not refreshed successfully in %dh (last success: %s)",
						h.Region, a.cfg.StaleAfterHours, last,
					),
					Details: map[string]any{
						"last_success_at": last,
						"stale_after_h":   a.cfg.StaleAfterHours,
					},
					Timestamp: now,
				})
			}
		}
	}

	if a.cfg.ConflictBacklogThreshold > 0 && snap.PendingConflicts > a.cfg.ConflictBacklogThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertConflictBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d merge conflicts pending resolution (threshold %d)",
				snap.PendingConflicts, a.cfg.ConflictBacklogThreshold,
			),
			Details: map[string]any{
				"pending":   snap.PendingConflicts,
				"threshold": a.cfg.ConflictBacklogThreshold,
			},
			Timestamp: now,
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
				zap.String("region", alert.Region),
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
