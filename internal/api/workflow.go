package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/leads-cli/internal/model"
	"github.com/sells-group/leads-cli/internal/outbox"
	"github.com/sells-group/leads-cli/internal/outcome"
	"github.com/sells-group/leads-cli/internal/store"
)

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid request body")
	}
	return nil
}

func (s *Server) setStatus(w http.ResponseWriter, r *http.Request) {
	var in outcome.StatusInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	lead, err := s.deps.Outcomes.SetStatus(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lead_id":           lead.ID,
		"status":            lead.CurrentStatus(),
		"status_changed_at": lead.StatusChangedAt,
	})
}

func (s *Server) recordOutcome(w http.ResponseWriter, r *http.Request) {
	var in outcome.OutcomeInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	ev, lead, err := s.deps.Outcomes.Record(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"outcome": ev,
		"status":  lead.CurrentStatus(),
	})
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.deps.Store.ListWebhooks(r.Context(), false)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]model.Webhook, 0, len(hooks))
	for _, h := range hooks {
		out = append(out, h.Redacted())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		URL    string `json:"url"`
		Secret string `json:"secret"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	hook, err := outbox.Register(r.Context(), s.deps.Store, req.Name, req.URL, req.Secret, time.Now())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, hook.Redacted())
}

func (s *Server) updateWebhook(w http.ResponseWriter, r *http.Request) {
	var patch outbox.WebhookPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	hook, err := outbox.Update(r.Context(), s.deps.Store, chi.URLParam(r, "name"), patch, time.Now())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hook.Redacted())
}

func (s *Server) dispatchOutbox(w http.ResponseWriter, r *http.Request) {
	batch, err := intParam(r.URL.Query().Get("batch_size"), 0)
	if err != nil || batch < 0 || batch > outbox.MaxBatchSize {
		writeError(w, badRequest("batch_size must be between 1 and 500"))
		return
	}
	res, err := s.deps.Dispatcher.Dispatch(r.Context(), batch)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listOutbox(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.OutboxFilter{Status: model.OutboxStatus(q.Get("status"))}
	switch filter.Status {
	case "", model.OutboxPending, model.OutboxDelivered, model.OutboxFailed:
	default:
		writeError(w, badRequest("status must be pending, delivered or failed"))
		return
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), 100); err != nil || filter.Limit <= 0 {
		writeError(w, badRequest("limit must be a positive integer"))
		return
	}
	events, err := s.deps.Store.ListEvents(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	if events == nil {
		events = []model.OutboxEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}
