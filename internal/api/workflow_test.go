package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leads-cli/internal/model"
	"github.com/sells-group/leads-cli/internal/outbox"
)

func (e *env) firstLead(t *testing.T) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/v1/refresh/metro?wait=true", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = e.do(t, http.MethodGet, "/v1/leads/top?zip=48009&strategy=rental", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[topResponse](t, w)
	require.NotEmpty(t, body.Leads)
	return body.Leads[0].ID
}

func TestAPIKey(t *testing.T) {
	e := newKeyedEnv(t, "s3cret")

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"missing key", "", http.StatusUnauthorized},
		{"wrong key", "nope", http.StatusUnauthorized},
		{"correct key", "s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.doKey(t, http.MethodPost, "/v1/refresh/metro?wait=true", "", tt.key)
			assert.Equal(t, tt.want, w.Code, w.Body.String())

			w = e.doKey(t, http.MethodPost, "/v1/conflicts/missing/resolve", "", tt.key)
			if tt.want == http.StatusOK {
				assert.Equal(t, http.StatusNotFound, w.Code)
			} else {
				assert.Equal(t, http.StatusUnauthorized, w.Code)
				assert.Equal(t, "missing or invalid api key", decode[map[string]string](t, w)["error"])
			}
		})
	}

	// Reads stay open.
	w := e.do(t, http.MethodGet, "/v1/leads/top?strategy=rental", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = e.do(t, http.MethodGet, "/v1/refresh/metro", "")
	assert.Equal(t, http.StatusOK, w.Code)

	for _, target := range []string{"/v1/leads/x/status", "/v1/leads/x/outcomes", "/v1/webhooks", "/v1/outbox/dispatch"} {
		w := e.do(t, http.MethodPost, target, "{}")
		assert.Equal(t, http.StatusUnauthorized, w.Code, target)
	}
	w = e.do(t, http.MethodPatch, "/v1/webhooks/crm", "{}")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLeadWorkflow(t *testing.T) {
	e := newEnv(t)
	id := e.firstLead(t)

	w := e.do(t, http.MethodPost, "/v1/leads/"+id+"/status", `{"status":"qualified","notes":"good comps"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "qualified", decode[map[string]any](t, w)["status"])

	w = e.do(t, http.MethodPost, "/v1/leads/"+id+"/outcomes", `{"outcome_type":"contacted","source":"crm"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "contacted", decode[map[string]any](t, w)["status"])

	w = e.do(t, http.MethodPost, "/v1/leads/"+id+"/outcomes", `{"outcome_type":"closed","contract_price":180000}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = e.do(t, http.MethodPost, "/v1/leads/"+id+"/outcomes", `{"outcome_type":"dead"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(t, http.MethodPost, "/v1/leads/"+id+"/outcomes", `{"outcome_type":"ghosted"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(t, http.MethodPost, "/v1/leads/"+id+"/status", `{"status":"archived"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(t, http.MethodPost, "/v1/leads/"+id+"/status", `{`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(t, http.MethodPost, "/v1/leads/missing/outcomes", `{"outcome_type":"contacted"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodGet, "/v1/leads/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	lead := decode[model.CanonicalLead](t, w)
	assert.Equal(t, model.StatusClosed, lead.Status)
	assert.Len(t, lead.Outcomes, 2)

	w = e.do(t, http.MethodGet, "/v1/leads/top?zip=48009&strategy=rental", "")
	require.Equal(t, http.StatusOK, w.Code)
	for _, l := range decode[topResponse](t, w).Leads {
		if l.ID == id {
			assert.Equal(t, model.StatusClosed, l.Status)
		}
	}

	w = e.do(t, http.MethodGet, "/v1/outbox?status=pending", "")
	require.Equal(t, http.StatusOK, w.Code)
	evs := decode[[]model.OutboxEvent](t, w)
	require.Len(t, evs, 3)
	types := map[string]int{}
	for _, ev := range evs {
		types[ev.Type]++
		assert.Equal(t, id, ev.LeadID)
	}
	assert.Equal(t, map[string]int{model.EventLeadStatusChanged: 1, model.EventLeadOutcome: 2}, types)

	w = e.do(t, http.MethodGet, "/v1/outbox?status=stuck", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhooksAndDispatch(t *testing.T) {
	e := newEnv(t)
	var hits atomic.Int32
	var lastSig atomic.Value
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		hits.Add(1)
		lastSig.Store(r.Header.Get(outbox.SignatureHeader) + "|" + outbox.Sign("shh", body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer sink.Close()

	w := e.do(t, http.MethodPost, "/v1/outbox/dispatch", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[model.DispatchResult](t, w).NoSinks)

	w = e.do(t, http.MethodPost, "/v1/webhooks", `{"name":"crm","url":"`+sink.URL+`","secret":"shh"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[model.Webhook](t, w)
	assert.Equal(t, "***", created.Secret)
	assert.True(t, created.Enabled)

	w = e.do(t, http.MethodPost, "/v1/webhooks", `{"name":"crm","url":"`+sink.URL+`"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = e.do(t, http.MethodPost, "/v1/webhooks", `{"name":"bad","url":"not a url"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	id := e.firstLead(t)
	w = e.do(t, http.MethodPost, "/v1/leads/"+id+"/outcomes", `{"outcome_type":"contacted"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = e.do(t, http.MethodPost, "/v1/outbox/dispatch?batch_size=1000", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/v1/outbox/dispatch?batch_size=10", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[model.DispatchResult](t, w)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, int32(1), hits.Load())
	sig, _ := lastSig.Load().(string)
	got, want, _ := strings.Cut(sig, "|")
	assert.NotEmpty(t, got)
	assert.Equal(t, want, got)

	w = e.do(t, http.MethodGet, "/v1/outbox?status=delivered", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.OutboxEvent](t, w), 1)

	w = e.do(t, http.MethodPatch, "/v1/webhooks/crm", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, decode[model.Webhook](t, w).Enabled)
	w = e.do(t, http.MethodPatch, "/v1/webhooks/ghost", `{"enabled":true}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodGet, "/v1/webhooks", "")
	require.Equal(t, http.StatusOK, w.Code)
	hooks := decode[[]model.Webhook](t, w)
	require.Len(t, hooks, 1)
	assert.Equal(t, "***", hooks[0].Secret)
	assert.Equal(t, "disabled by operator", hooks[0].DisabledReason)
}
