// Package api exposes the lead engine over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/leads-cli/internal/merge"
	"github.com/sells-group/leads-cli/internal/metrics"
	"github.com/sells-group/leads-cli/internal/model"
	"github.com/sells-group/leads-cli/internal/outbox"
	"github.com/sells-group/leads-cli/internal/outcome"
	"github.com/sells-group/leads-cli/internal/query"
	"github.com/sells-group/leads-cli/internal/store"
)

const defaultHistoryLimit = 50

// APIKeyHeader carries the key that mutating routes require.
const APIKeyHeader = "X-API-Key"

// Refresher triggers and reports refresh cycles.
type Refresher interface {
	Refresh(ctx context.Context, region string) (*model.JobResult, error)
	JobState(ctx context.Context, region string) (*model.JobState, error)
}

// Resolver merges held conflicts.
type Resolver interface {
	ResolveConflict(ctx context.Context, conflictID, leadID string, apply merge.ApplyFunc) (*model.CanonicalLead, error)
}

// Deps are the components the HTTP surface serves.
type Deps struct {
	Queries   *query.Service
	Refresher Refresher
	Resolver  Resolver
	Store     store.LeadStore
	Metrics   *metrics.Recorder
	// Score re-scores a lead after a conflict is resolved into it.
	Score      merge.ApplyFunc
	Outcomes   *outcome.Service
	Dispatcher *outbox.Dispatcher
	// APIKey, when set, must match X-API-Key on every mutating route.
	APIKey         string
	AllowedOrigins []string
}

// Server routes API requests.
type Server struct {
	deps   Deps
	router chi.Router
	// base outlives requests; asynchronous refreshes run under it.
	base context.Context
	log  *zap.Logger
}

// NewServer builds the router. Asynchronous refreshes are cancelled with ctx.
func NewServer(ctx context.Context, deps Deps) *Server {
	s := &Server{
		deps: deps,
		base: ctx,
		log:  zap.L().With(zap.String("component", "api")),
	}

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", APIKeyHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/leads/top", s.topLeads)
		r.Get("/leads/{id}", s.getLead)
		r.Get("/leads/{id}/scores/{strategy}/history", s.scoreHistory)
		r.Get("/refresh/{region}", s.refreshState)
		r.Get("/refresh/{region}/runs", s.listRuns)
		r.Get("/conflicts", s.listConflicts)
		r.Get("/webhooks", s.listWebhooks)
		r.Get("/outbox", s.listOutbox)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAPIKey)
			r.Post("/refresh/{region}", s.startRefresh)
			r.Post("/conflicts/{id}/resolve", s.resolveConflict)
			r.Post("/leads/{id}/status", s.setStatus)
			r.Post("/leads/{id}/outcomes", s.recordOutcome)
			r.Post("/webhooks", s.createWebhook)
			r.Patch("/webhooks/{name}", s.updateWebhook)
			r.Post("/outbox/dispatch", s.dispatchOutbox)
		})
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// requireAPIKey rejects requests whose X-API-Key does not match the
// configured key. Without a configured key every request passes.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	want := []byte(s.deps.APIKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(want) > 0 && subtle.ConstantTimeCompare([]byte(r.Header.Get(APIKeyHeader)), want) != 1 {
			s.log.Warn("unauthorized request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid api key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) topLeads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tq := store.TopQuery{
		Region:   strings.TrimSpace(q.Get("region")),
		Zip:      strings.TrimSpace(q.Get("zip")),
		Strategy: strings.TrimSpace(q.Get("strategy")),
	}
	if tq.Strategy == "" {
		writeError(w, badRequest("strategy is required"))
		return
	}
	var err error
	if tq.Limit, err = intParam(q.Get("limit"), 0); err != nil || tq.Limit < 0 {
		writeError(w, badRequest("limit must be a positive integer"))
		return
	}
	if v := q.Get("max_price"); v != "" {
		price, err := strconv.ParseFloat(v, 64)
		if err != nil || price < 0 {
			writeError(w, badRequest("max_price must be a non-negative number"))
			return
		}
		tq.MaxPrice = &price
	}
	if v := q.Get("include_stale"); v != "" {
		if tq.IncludeStale, err = strconv.ParseBool(v); err != nil {
			writeError(w, badRequest("include_stale must be a boolean"))
			return
		}
	}

	leads, err := s.deps.Queries.TopLeads(r.Context(), tq)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"strategy": tq.Strategy,
		"count":    len(leads),
		"leads":    leads,
	})
}

func (s *Server) getLead(w http.ResponseWriter, r *http.Request) {
	lead, err := s.deps.Queries.Lead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

func (s *Server) scoreHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), defaultHistoryLimit)
	if err != nil || limit <= 0 {
		writeError(w, badRequest("limit must be a positive integer"))
		return
	}
	hist, err := s.deps.Queries.ScoreHistory(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "strategy"), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if hist == nil {
		hist = []model.StrategyScore{}
	}
	writeJSON(w, http.StatusOK, hist)
}

// startRefresh runs a cycle in the background and answers 202, or runs it
// inline with ?wait=true and answers with the job result.
func (s *Server) startRefresh(w http.ResponseWriter, r *http.Request) {
	region := chi.URLParam(r, "region")
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))

	state, err := s.deps.Refresher.JobState(r.Context(), region)
	if err != nil {
		s.fail(w, err)
		return
	}
	if state.State == model.RefreshRunning {
		writeError(w, model.ErrRefreshInProgress)
		return
	}

	if wait {
		res, err := s.deps.Refresher.Refresh(context.WithoutCancel(r.Context()), region)
		if res == nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	go func() {
		res, err := s.deps.Refresher.Refresh(s.base, region)
		if err != nil {
			s.log.Error("refresh failed", zap.String("region", region), zap.Error(err))
			return
		}
		s.log.Info("refresh complete",
			zap.String("region", region),
			zap.String("status", string(res.Status)),
			zap.String("run_id", res.RunID),
		)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"region": region,
	})
}

func (s *Server) refreshState(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.Refresher.JobState(r.Context(), chi.URLParam(r, "region"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	region := chi.URLParam(r, "region")
	limit, err := intParam(r.URL.Query().Get("limit"), 20)
	if err != nil || limit <= 0 {
		writeError(w, badRequest("limit must be a positive integer"))
		return
	}
	if _, err := s.deps.Refresher.JobState(r.Context(), region); err != nil {
		s.fail(w, err)
		return
	}
	runs, err := s.deps.Store.ListRuns(r.Context(), region, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if runs == nil {
		runs = []model.JobResult{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) listConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ConflictFilter{Status: model.ConflictStatus(q.Get("status"))}
	switch filter.Status {
	case "", model.ConflictPending, model.ConflictResolved:
	default:
		writeError(w, badRequest("status must be pending or resolved"))
		return
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), 100); err != nil || filter.Limit <= 0 {
		writeError(w, badRequest("limit must be a positive integer"))
		return
	}
	conflicts, err := s.deps.Store.ListConflicts(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []model.MergeConflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

// resolveConflict merges a held record into lead_id, or into a new lead when
// lead_id is omitted.
func (s *Server) resolveConflict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LeadID string `json:"lead_id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, badRequest("invalid request body"))
			return
		}
	}
	lead, err := s.deps.Resolver.ResolveConflict(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.LeadID), s.deps.Score)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.deps.Queries.Invalidate(r.Context()); err != nil {
		s.log.Warn("query cache invalidation failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, lead)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	if status := statusFor(err); status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeError(w, err)
}

// badRequestError is a malformed request parameter.
type badRequestError string

func (e badRequestError) Error() string { return string(e) }

func badRequest(msg string) error { return badRequestError(msg) }

func statusFor(err error) int {
	var bad badRequestError
	var unknown *model.UnknownStrategyError
	switch {
	case errors.As(err, &bad), errors.As(err, &unknown), errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrRefreshInProgress), errors.Is(err, model.ErrConflictClosed),
		errors.Is(err, model.ErrTerminalOutcome), errors.Is(err, model.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, model.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
