// Package outcome tracks what happened to a lead after it was surfaced:
// operator status changes and contact funnel steps. Every change is written
// onto the lead document and announced through the outbox.
package outcome

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leads-cli/internal/merge"
	"github.com/sells-group/leads-cli/internal/model"
	"github.com/sells-group/leads-cli/internal/outbox"
)

// Leads changes one lead under its merge lock.
type Leads interface {
	Update(ctx context.Context, id string, fn merge.ApplyFunc) (*model.CanonicalLead, bool, error)
}

// Enqueuer stores events for later delivery.
type Enqueuer interface {
	EnqueueEvent(ctx context.Context, ev *model.OutboxEvent) error
}

// Invalidator drops cached query results after leads change.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// StatusInput is an operator status change.
type StatusInput struct {
	Status     model.LeadStatus `json:"status"`
	OccurredAt *time.Time       `json:"occurred_at,omitempty"`
	Notes      string           `json:"notes,omitempty"`
	Source     string           `json:"source,omitempty"`
}

// OutcomeInput is one funnel step to record.
type OutcomeInput struct {
	Type           model.OutcomeType `json:"outcome_type"`
	OccurredAt     *time.Time        `json:"occurred_at,omitempty"`
	Notes          string            `json:"notes,omitempty"`
	Source         string            `json:"source,omitempty"`
	ContractPrice  *float64          `json:"contract_price,omitempty"`
	RealizedProfit *float64          `json:"realized_profit,omitempty"`
}

// DefaultSource labels changes whose caller named none.
const DefaultSource = "manual"

// Service records status changes and outcomes.
type Service struct {
	leads  Leads
	outbox Enqueuer
	cache  Invalidator
	now    func() time.Time
	log    *zap.Logger
}

// New creates a Service. cache may be nil.
func New(leads Leads, ob Enqueuer, cache Invalidator) *Service {
	return &Service{
		leads:  leads,
		outbox: ob,
		cache:  cache,
		now:    time.Now,
		log:    zap.L().With(zap.String("component", "outcome")),
	}
}

// SetStatus moves a lead to in.Status. Setting the status a lead already has
// changes nothing and emits no event.
func (s *Service) SetStatus(ctx context.Context, leadID string, in StatusInput) (*model.CanonicalLead, error) {
	if !in.Status.Valid() {
		return nil, eris.Wrapf(model.ErrInvalidInput, "outcome: unknown status %q", in.Status)
	}
	at := s.occurred(in.OccurredAt)
	source := sourceOr(in.Source)

	var prev model.LeadStatus
	lead, changed, err := s.leads.Update(ctx, leadID, func(_ context.Context, lead *model.CanonicalLead) (bool, error) {
		prev = lead.CurrentStatus()
		if prev == in.Status {
			return false, nil
		}
		lead.Status = in.Status
		lead.StatusChangedAt = &at
		return true, nil
	})
	if err != nil || !changed {
		return lead, err
	}

	s.log.Info("lead status changed",
		zap.String("lead_id", leadID),
		zap.String("from", string(prev)),
		zap.String("to", string(in.Status)),
	)
	s.invalidate(ctx)
	payload := map[string]any{
		"lead_id":         leadID,
		"status":          in.Status,
		"previous_status": prev,
		"occurred_at":     at,
		"source":          source,
	}
	if in.Notes != "" {
		payload["notes"] = in.Notes
	}
	return lead, s.enqueue(ctx, model.EventLeadStatusChanged, leadID, payload, at)
}

// Record appends a funnel step to a lead. A closing outcome that differs
// from one already recorded fails with model.ErrTerminalOutcome. A step
// logged below the furthest stage reached is kept and flagged out of order.
// Once a lead is closed or dead its status no longer follows outcomes.
func (s *Service) Record(ctx context.Context, leadID string, in OutcomeInput) (*model.OutcomeEvent, *model.CanonicalLead, error) {
	if !in.Type.Valid() {
		return nil, nil, eris.Wrapf(model.ErrInvalidInput, "outcome: unknown outcome type %q", in.Type)
	}
	at := s.occurred(in.OccurredAt)
	ev := model.OutcomeEvent{
		ID:             uuid.NewString(),
		LeadID:         leadID,
		Type:           in.Type,
		OccurredAt:     at,
		Source:         sourceOr(in.Source),
		Notes:          in.Notes,
		ContractPrice:  in.ContractPrice,
		RealizedProfit: in.RealizedProfit,
	}

	lead, _, err := s.leads.Update(ctx, leadID, func(_ context.Context, lead *model.CanonicalLead) (bool, error) {
		if term, ok := lead.TerminalOutcome(); ok && in.Type.Terminal() && term != in.Type {
			return false, eris.Wrapf(model.ErrTerminalOutcome, "outcome: lead %s is %s", leadID, term)
		}
		furthest := 0
		for _, prior := range lead.Outcomes {
			if st := prior.Type.Stage(); st > furthest {
				furthest = st
			}
		}
		ev.OutOfOrder = in.Type.Stage() < furthest

		lead.Outcomes = append(lead.Outcomes, ev)
		sort.SliceStable(lead.Outcomes, func(i, j int) bool {
			return lead.Outcomes[i].OccurredAt.Before(lead.Outcomes[j].OccurredAt)
		})
		if !lead.CurrentStatus().Terminal() {
			lead.Status = in.Type.ImpliedStatus()
			lead.StatusChangedAt = &at
		}
		return true, nil
	})
	if err != nil {
		return nil, nil, err
	}

	if ev.OutOfOrder {
		s.log.Warn("outcome logged out of order", zap.String("lead_id", leadID), zap.String("outcome", string(in.Type)))
	}
	s.invalidate(ctx)
	payload := map[string]any{
		"lead_id":      leadID,
		"outcome_id":   ev.ID,
		"outcome_type": ev.Type,
		"occurred_at":  ev.OccurredAt,
		"source":       ev.Source,
		"status":       lead.CurrentStatus(),
		"out_of_order": ev.OutOfOrder,
	}
	if ev.Notes != "" {
		payload["notes"] = ev.Notes
	}
	if ev.ContractPrice != nil {
		payload["contract_price"] = *ev.ContractPrice
	}
	if ev.RealizedProfit != nil {
		payload["realized_profit"] = *ev.RealizedProfit
	}
	return &ev, lead, s.enqueue(ctx, model.EventLeadOutcome, leadID, payload, at)
}

func (s *Service) occurred(at *time.Time) time.Time {
	if at != nil && !at.IsZero() {
		return at.UTC()
	}
	return s.now().UTC()
}

// enqueue runs after the lead write. A failure here leaves the change saved
// without its event, so it is returned for the caller to surface.
func (s *Service) enqueue(ctx context.Context, eventType, leadID string, payload map[string]any, at time.Time) error {
	ev, err := outbox.NewEvent(eventType, leadID, payload, s.now())
	if err != nil {
		return err
	}
	if err := s.outbox.EnqueueEvent(ctx, ev); err != nil {
		s.log.Error("outbox enqueue failed",
			zap.String("lead_id", leadID),
			zap.String("event", eventType),
			zap.Time("occurred_at", at),
			zap.Error(err),
		)
		return eris.Wrapf(err, "outcome: enqueue %s", eventType)
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		s.log.Warn("query cache invalidation failed", zap.Error(err))
	}
}

func sourceOr(source string) string {
	if source == "" {
		return DefaultSource
	}
	return source
}
