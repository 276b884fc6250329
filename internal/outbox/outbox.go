// Package outbox records lead workflow events and pushes them to registered
// webhooks. Events are written first and delivered later, so a webhook that
// is down delays delivery instead of failing the change that produced it.
package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leads-cli/internal/metrics"
	"github.com/sells-group/leads-cli/internal/model"
	"github.com/sells-group/leads-cli/internal/resilience"
	"github.com/sells-group/leads-cli/internal/store"
)

// Delivery headers.
const (
	SignatureHeader = "X-Leads-Signature"
	EventHeader     = "X-Leads-Event"
)

// Defaults for unset Config fields.
const (
	DefaultBatchSize   = 50
	MaxBatchSize       = 500
	DefaultMaxAttempts = 10
)

// NewEvent builds a pending event with payload encoded as JSON.
func NewEvent(eventType, leadID string, payload any, at time.Time) (*model.OutboxEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrapf(err, "outbox: marshal %s payload", eventType)
	}
	return &model.OutboxEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		LeadID:    leadID,
		Payload:   data,
		Status:    model.OutboxPending,
		CreatedAt: at.UTC(),
	}, nil
}

// Config controls a dispatch pass.
type Config struct {
	BatchSize   int
	MaxAttempts int
	// DisableAfter turns a webhook off after this many consecutive failed
	// deliveries. Zero never disables.
	DisableAfter int
	Timeout      time.Duration
	Retry        resilience.RetryConfig
}

// Dispatcher delivers pending events to every enabled webhook.
type Dispatcher struct {
	store   store.OutboxStore
	cfg     Config
	client  *http.Client
	metrics *metrics.Recorder
	now     func() time.Time
	log     *zap.Logger
}

// NewDispatcher creates a Dispatcher. rec may be nil.
func NewDispatcher(st store.OutboxStore, cfg Config, rec *metrics.Recorder) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Dispatcher{
		store:   st,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: rec,
		now:     time.Now,
		log:     zap.L().With(zap.String("component", "outbox")),
	}
}

// Dispatch sends up to batchSize pending events, oldest first. An event is
// delivered only when every enabled webhook accepts it; otherwise it stays
// pending until it runs out of attempts and is marked failed. batchSize <= 0
// uses the configured batch size.
func (d *Dispatcher) Dispatch(ctx context.Context, batchSize int) (model.DispatchResult, error) {
	var res model.DispatchResult
	if batchSize <= 0 {
		batchSize = d.cfg.BatchSize
	}
	if batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}

	sinks, err := d.store.ListWebhooks(ctx, true)
	if err != nil {
		return res, err
	}
	res.Sinks = len(sinks)
	if len(sinks) == 0 {
		res.NoSinks = true
		return res, nil
	}

	events, err := d.store.ListEvents(ctx, store.OutboxFilter{
		Status:      model.OutboxPending,
		MaxAttempts: d.cfg.MaxAttempts,
		Limit:       batchSize,
	})
	if err != nil {
		return res, err
	}
	res.Events = len(events)

	streaks := make(map[string]*streak, len(sinks))
	for _, sink := range sinks {
		streaks[sink.Name] = &streak{}
	}
	for i := range events {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ev := &events[i]
		var lastErr error
		for _, sink := range sinks {
			st := streaks[sink.Name]
			if err := d.deliver(ctx, sink, ev); err != nil {
				lastErr = eris.Wrapf(err, "webhook %s", sink.Name)
				st.fails++
				continue
			}
			st.reset = true
			st.fails = 0
		}

		ev.Attempts++
		switch {
		case lastErr == nil:
			at := d.now().UTC()
			ev.Status = model.OutboxDelivered
			ev.DeliveredAt = &at
			ev.LastError = ""
			res.Delivered++
		case ev.Attempts >= d.cfg.MaxAttempts:
			ev.Status = model.OutboxFailed
			ev.LastError = lastErr.Error()
			res.Failed++
			res.Exhausted++
		default:
			ev.LastError = lastErr.Error()
			res.Failed++
		}
		if err := d.store.SaveEvent(ctx, ev); err != nil {
			return res, err
		}
	}

	disabled, err := d.settle(ctx, sinks, streaks)
	res.Disabled = disabled
	d.metrics.OutboxEvents("delivered", res.Delivered)
	d.metrics.OutboxEvents("retry", res.Failed-res.Exhausted)
	d.metrics.OutboxEvents("failed", res.Exhausted)
	if res.Events > 0 {
		d.log.Info("outbox dispatched",
			zap.Int("events", res.Events),
			zap.Int("delivered", res.Delivered),
			zap.Int("failed", res.Failed),
			zap.Strings("disabled", res.Disabled),
		)
	}
	return res, err
}

// streak tracks one webhook's failures during a pass. reset means it
// succeeded at least once, so the failures count from its last success.
type streak struct {
	reset bool
	fails int
}

// settle updates each webhook's failure streak and disables the ones that
// crossed the limit. Webhooks are re-read so an edit made during the pass
// is kept.
func (d *Dispatcher) settle(ctx context.Context, sinks []model.Webhook, streaks map[string]*streak) ([]string, error) {
	var disabled []string
	for _, sink := range sinks {
		st := streaks[sink.Name]
		if !st.reset && st.fails == 0 {
			continue
		}
		w, err := d.store.GetWebhook(ctx, sink.Name)
		if err != nil {
			return disabled, err
		}
		prev := w.Failures
		if st.reset {
			w.Failures = st.fails
		} else {
			w.Failures += st.fails
		}
		if w.Failures == prev {
			continue
		}
		w.UpdatedAt = d.now().UTC()
		if w.Enabled && d.cfg.DisableAfter > 0 && w.Failures >= d.cfg.DisableAfter {
			w.Enabled = false
			w.DisabledReason = fmt.Sprintf("disabled after %d consecutive failed deliveries", w.Failures)
			disabled = append(disabled, w.Name)
			d.log.Warn("webhook disabled", zap.String("webhook", w.Name), zap.Int("failures", w.Failures))
		}
		if err := d.store.SaveWebhook(ctx, w); err != nil {
			return disabled, err
		}
	}
	return disabled, nil
}

// Run dispatches every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.Dispatch(ctx, 0); err != nil && ctx.Err() == nil {
			d.log.Error("outbox dispatch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type envelope struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// deliver posts one event to one webhook, retrying transient failures.
func (d *Dispatcher) deliver(ctx context.Context, sink model.Webhook, ev *model.OutboxEvent) error {
	data := map[string]any{}
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &data); err != nil {
			return eris.Wrap(err, "outbox: decode payload")
		}
	}
	data["event_id"] = ev.ID
	body, err := json.Marshal(envelope{Type: ev.Type, Data: data})
	if err != nil {
		return eris.Wrap(err, "outbox: marshal envelope")
	}

	retry := d.cfg.Retry
	retry.OnRetry = func(attempt int, err error) {
		d.log.Warn("webhook delivery failed, retrying",
			zap.String("webhook", sink.Name),
			zap.String("event_id", ev.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return resilience.Do(ctx, retry, func(ctx context.Context) error {
		return d.post(ctx, sink, ev.Type, body)
	})
}

func (d *Dispatcher) post(ctx context.Context, sink model.Webhook, eventType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sink.URL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "outbox: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, eventType)
	if sig := Sign(sink.Secret, body); sig != "" {
		req.Header.Set(SignatureHeader, sig)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "outbox: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
	err = eris.Errorf("outbox: webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.NewTransientError(err, resp.StatusCode)
	}
	return err
}

// Sign returns the hex HMAC-SHA256 of body under secret, or "" without a
// secret.
func Sign(secret string, body []byte) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
