package outbox

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leads-cli/internal/model"
	"github.com/sells-group/leads-cli/internal/resilience"
	"github.com/sells-group/leads-cli/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type captured struct {
	body      []byte
	event     string
	signature string
}

type hookServer struct {
	mu     sync.Mutex
	got    []captured
	status atomic.Int32
}

func newSink(t *testing.T) (*hookServer, *httptest.Server) {
	t.Helper()
	s := &hookServer{}
	s.status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.got = append(s.got, captured{body: body, event: r.Header.Get(EventHeader), signature: r.Header.Get(SignatureHeader)})
		s.mu.Unlock()
		w.WriteHeader(int(s.status.Load()))
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *hookServer) received() []captured {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]captured(nil), s.got...)
}

func newDispatcher(st store.OutboxStore, cfg Config) *Dispatcher {
	cfg.Retry = resilience.RetryConfig{MaxAttempts: 1}
	d := NewDispatcher(st, cfg, nil)
	d.now = func() time.Time { return t0 }
	return d
}

func enqueue(t *testing.T, st store.OutboxStore, leadID string, at time.Time) *model.OutboxEvent {
	t.Helper()
	ev, err := NewEvent(model.EventLeadOutcome, leadID, map[string]any{"lead_id": leadID, "outcome_type": "contacted"}, at)
	require.NoError(t, err)
	require.NoError(t, st.EnqueueEvent(context.Background(), ev))
	return ev
}

func TestDispatch_DeliversSignedEnvelope(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	s, srv := newSink(t)
	_, err := Register(ctx, st, "crm", srv.URL, "shh", t0)
	require.NoError(t, err)
	ev := enqueue(t, st, "L1", t0)

	res, err := newDispatcher(st, Config{}).Dispatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Events)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Sinks)

	got := s.received()
	require.Len(t, got, 1)
	assert.Equal(t, model.EventLeadOutcome, got[0].event)
	assert.Equal(t, Sign("shh", got[0].body), got[0].signature)

	var env struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(got[0].body, &env))
	assert.Equal(t, model.EventLeadOutcome, env.Type)
	assert.Equal(t, ev.ID, env.Data["event_id"])
	assert.Equal(t, "L1", env.Data["lead_id"])

	events, err := st.ListEvents(ctx, store.OutboxFilter{Status: model.OutboxDelivered})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Attempts)
	require.NotNil(t, events[0].DeliveredAt)
	assert.Equal(t, t0, *events[0].DeliveredAt)

	// A delivered event is not sent again.
	res, err = newDispatcher(st, Config{}).Dispatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Events)
	assert.Len(t, s.received(), 1)
}

func TestDispatch_NoSecretNoSignature(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	s, srv := newSink(t)
	_, err := Register(ctx, st, "crm", srv.URL, "", t0)
	require.NoError(t, err)
	enqueue(t, st, "L1", t0)

	_, err = newDispatcher(st, Config{}).Dispatch(ctx, 0)
	require.NoError(t, err)
	got := s.received()
	require.Len(t, got, 1)
	assert.Empty(t, got[0].signature)
}

func TestDispatch_NoSinks(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	enqueue(t, st, "L1", t0)

	res, err := newDispatcher(st, Config{}).Dispatch(ctx, 0)
	require.NoError(t, err)
	assert.True(t, res.NoSinks)
	assert.Equal(t, 0, res.Events)

	pending, err := st.ListEvents(ctx, store.OutboxFilter{Status: model.OutboxPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].Attempts)
}

func TestDispatch_RetriesThenExhausts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	s, srv := newSink(t)
	s.status.Store(http.StatusInternalServerError)
	_, err := Register(ctx, st, "crm", srv.URL, "", t0)
	require.NoError(t, err)
	enqueue(t, st, "L1", t0)

	d := newDispatcher(st, Config{MaxAttempts: 2})
	res, err := d.Dispatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Exhausted)

	pending, err := st.ListEvents(ctx, store.OutboxFilter{Status: model.OutboxPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, "status 500")

	res, err = d.Dispatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Exhausted)

	failed, err := st.ListEvents(ctx, store.OutboxFilter{Status: model.OutboxFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Attempts)

	// Exhausted events are left alone.
	res, err = d.Dispatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Events)
	assert.Len(t, s.received(), 2)
}

func TestDispatch_PartialSinkFailureStaysPending(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	good, goodSrv := newSink(t)
	bad, badSrv := newSink(t)
	bad.status.Store(http.StatusBadGateway)
	_, err := Register(ctx, st, "good", goodSrv.URL, "", t0)
	require.NoError(t, err)
	_, err = Register(ctx, st, "bad", badSrv.URL, "", t0)
	require.NoError(t, err)
	enqueue(t, st, "L1", t0)

	res, err := newDispatcher(st, Config{}).Dispatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Delivered)
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, good.received(), 1)

	pending, err := st.ListEvents(ctx, store.OutboxFilter{Status: model.OutboxPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Contains(t, pending[0].LastError, "webhook bad")
}

func TestDispatch_DisablesFailingWebhook(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	s, srv := newSink(t)
	s.status.Store(http.StatusServiceUnavailable)
	_, err := Register(ctx, st, "crm", srv.URL, "", t0)
	require.NoError(t, err)
	enqueue(t, st, "L1", t0)
	enqueue(t, st, "L2", t0.Add(time.Second))

	d := newDispatcher(st, Config{DisableAfter: 3})
	res, err := d.Dispatch(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Disabled)

	w, err := st.GetWebhook(ctx, "crm")
	require.NoError(t, err)
	assert.Equal(t, 2, w.Failures)
	assert.True(t, w.Enabled)

	res, err = d.Dispatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"crm"}, res.Disabled)

	w, err = st.GetWebhook(ctx, "crm")
	require.NoError(t, err)
	assert.False(t, w.Enabled)
	assert.Equal(t, 4, w.Failures)
	assert.Contains(t, w.DisabledReason, "consecutive failed deliveries")

	// With its only sink disabled the pass is skipped.
	res, err = d.Dispatch(ctx, 0)
	require.NoError(t, err)
	assert.True(t, res.NoSinks)
}

func TestDispatch_SuccessResetsFailures(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	s, srv := newSink(t)
	_, err := Register(ctx, st, "crm", srv.URL, "", t0)
	require.NoError(t, err)
	w, err := st.GetWebhook(ctx, "crm")
	require.NoError(t, err)
	w.Failures = 4
	require.NoError(t, st.SaveWebhook(ctx, w))
	enqueue(t, st, "L1", t0)

	_, err = newDispatcher(st, Config{DisableAfter: 5}).Dispatch(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, s.received(), 1)

	w, err = st.GetWebhook(ctx, "crm")
	require.NoError(t, err)
	assert.Equal(t, 0, w.Failures)
	assert.True(t, w.Enabled)
}

func TestDispatch_BatchSize(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	s, srv := newSink(t)
	_, err := Register(ctx, st, "crm", srv.URL, "", t0)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		enqueue(t, st, "L1", t0.Add(time.Duration(i)*time.Second))
	}

	res, err := newDispatcher(st, Config{}).Dispatch(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Events)
	assert.Len(t, s.received(), 2)

	pending, err := st.ListEvents(ctx, store.OutboxFilter{Status: model.OutboxPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, t0.Add(2*time.Second), pending[0].CreatedAt)
}

func TestSign(t *testing.T) {
	assert.Empty(t, Sign("", []byte("x")))
	sig := Sign("k", []byte("body"))
	assert.Len(t, sig, 64)
	assert.Equal(t, sig, Sign("k", []byte("body")))
	assert.NotEqual(t, sig, Sign("k2", []byte("body")))
}
