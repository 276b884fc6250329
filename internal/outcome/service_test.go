package outcome

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leads-cli/internal/merge"
	"github.com/sells-group/leads-cli/internal/model"
	"github.com/sells-group/leads-cli/internal/store"
)

var t0 = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

type countingCache struct{ n int }

func (c *countingCache) Invalidate(context.Context) error {
	c.n++
	return nil
}

type failingOutbox struct{}

func (failingOutbox) EnqueueEvent(context.Context, *model.OutboxEvent) error {
	return errors.New("outbox down")
}

func setup(t *testing.T) (*Service, *store.MemoryStore, *countingCache) {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.Upsert(context.Background(), &model.CanonicalLead{
		ID:     "L1",
		Region: "metro",
		Address: model.Address{
			Line: "12 Elm St",
			Zip:  "48009",
		},
	}))
	cache := &countingCache{}
	svc := New(merge.NewEngine(st, merge.Config{}), st, cache)
	svc.now = func() time.Time { return t0 }
	return svc, st, cache
}

func events(t *testing.T, st *store.MemoryStore) []model.OutboxEvent {
	t.Helper()
	evs, err := st.ListEvents(context.Background(), store.OutboxFilter{})
	require.NoError(t, err)
	return evs
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()
	svc, st, cache := setup(t)

	lead, err := svc.SetStatus(ctx, "L1", StatusInput{Status: model.StatusQualified, Notes: "good comps"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusQualified, lead.Status)
	require.NotNil(t, lead.StatusChangedAt)
	assert.Equal(t, t0, *lead.StatusChangedAt)
	assert.Equal(t, 1, cache.n)

	evs := events(t, st)
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventLeadStatusChanged, evs[0].Type)
	assert.Equal(t, "L1", evs[0].LeadID)
	assert.Equal(t, model.OutboxPending, evs[0].Status)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(evs[0].Payload, &payload))
	assert.Equal(t, "qualified", payload["status"])
	assert.Equal(t, "new", payload["previous_status"])
	assert.Equal(t, DefaultSource, payload["source"])
	assert.Equal(t, "good comps", payload["notes"])

	stored, err := st.Get(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQualified, stored.Status)

	// Same status again is a no-op.
	_, err = svc.SetStatus(ctx, "L1", StatusInput{Status: model.StatusQualified})
	require.NoError(t, err)
	assert.Len(t, events(t, st), 1)
	assert.Equal(t, 1, cache.n)
}

func TestSetStatus_Errors(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := setup(t)

	_, err := svc.SetStatus(ctx, "L1", StatusInput{Status: "archived"})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = svc.SetStatus(ctx, "missing", StatusInput{Status: model.StatusDead})
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Empty(t, events(t, st))
}

func TestRecord_AdvancesStatus(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := setup(t)

	tests := []struct {
		outcome model.OutcomeType
		status  model.LeadStatus
	}{
		{model.OutcomeContacted, model.StatusContacted},
		{model.OutcomeResponded, model.StatusContacted},
		{model.OutcomeAppointmentSet, model.StatusContacted},
		{model.OutcomeUnderContract, model.StatusUnderContract},
		{model.OutcomeClosed, model.StatusClosed},
	}
	for i, tt := range tests {
		at := t0.Add(time.Duration(i) * time.Hour)
		ev, lead, err := svc.Record(ctx, "L1", OutcomeInput{Type: tt.outcome, OccurredAt: &at, Source: "crm"})
		require.NoError(t, err, tt.outcome)
		assert.False(t, ev.OutOfOrder, tt.outcome)
		assert.Equal(t, "crm", ev.Source)
		assert.Equal(t, tt.status, lead.Status, tt.outcome)
	}

	stored, err := st.Get(ctx, "L1")
	require.NoError(t, err)
	require.Len(t, stored.Outcomes, len(tests))
	assert.Equal(t, model.StatusClosed, stored.Status)
	term, ok := stored.TerminalOutcome()
	assert.True(t, ok)
	assert.Equal(t, model.OutcomeClosed, term)
	assert.Len(t, events(t, st), len(tests))
}

func TestRecord_Payload(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := setup(t)

	price, profit := 185000.0, 22000.0
	ev, _, err := svc.Record(ctx, "L1", OutcomeInput{
		Type:           model.OutcomeClosed,
		ContractPrice:  &price,
		RealizedProfit: &profit,
		Notes:          "cash buyer",
	})
	require.NoError(t, err)
	assert.Equal(t, t0, ev.OccurredAt)

	evs := events(t, st)
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventLeadOutcome, evs[0].Type)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(evs[0].Payload, &payload))
	assert.Equal(t, ev.ID, payload["outcome_id"])
	assert.Equal(t, "closed", payload["outcome_type"])
	assert.Equal(t, "closed", payload["status"])
	assert.InDelta(t, price, payload["contract_price"], 0.001)
	assert.InDelta(t, profit, payload["realized_profit"], 0.001)
	assert.Equal(t, "cash buyer", payload["notes"])
}

func TestRecord_TerminalConflict(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := setup(t)

	_, _, err := svc.Record(ctx, "L1", OutcomeInput{Type: model.OutcomeDead})
	require.NoError(t, err)

	_, _, err = svc.Record(ctx, "L1", OutcomeInput{Type: model.OutcomeClosed})
	assert.ErrorIs(t, err, model.ErrTerminalOutcome)

	// Repeating the same terminal outcome is allowed.
	_, _, err = svc.Record(ctx, "L1", OutcomeInput{Type: model.OutcomeDead})
	require.NoError(t, err)

	stored, err := st.Get(ctx, "L1")
	require.NoError(t, err)
	assert.Len(t, stored.Outcomes, 2)
	assert.Equal(t, model.StatusDead, stored.Status)
	assert.Len(t, events(t, st), 2)
}

func TestRecord_OutOfOrder(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := setup(t)

	_, _, err := svc.Record(ctx, "L1", OutcomeInput{Type: model.OutcomeAppointmentSet})
	require.NoError(t, err)

	earlier := t0.Add(-time.Hour)
	ev, lead, err := svc.Record(ctx, "L1", OutcomeInput{Type: model.OutcomeContacted, OccurredAt: &earlier})
	require.NoError(t, err)
	assert.True(t, ev.OutOfOrder)
	require.Len(t, lead.Outcomes, 2)
	assert.Equal(t, model.OutcomeContacted, lead.Outcomes[0].Type)

	stored, err := st.Get(ctx, "L1")
	require.NoError(t, err)
	assert.True(t, stored.Outcomes[0].OutOfOrder)
}

func TestRecord_TerminalStatusSticks(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setup(t)

	_, _, err := svc.Record(ctx, "L1", OutcomeInput{Type: model.OutcomeDead})
	require.NoError(t, err)
	ev, lead, err := svc.Record(ctx, "L1", OutcomeInput{Type: model.OutcomeResponded})
	require.NoError(t, err)
	assert.True(t, ev.OutOfOrder)
	assert.Equal(t, model.StatusDead, lead.Status)
}

func TestRecord_Errors(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setup(t)

	_, _, err := svc.Record(ctx, "L1", OutcomeInput{Type: "ghosted"})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, _, err = svc.Record(ctx, "nope", OutcomeInput{Type: model.OutcomeContacted})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRecord_EnqueueFailureKeepsOutcome(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.Upsert(ctx, &model.CanonicalLead{ID: "L1", Address: model.Address{Zip: "48009"}}))
	svc := New(merge.NewEngine(st, merge.Config{}), failingOutbox{}, nil)

	_, _, err := svc.Record(ctx, "L1", OutcomeInput{Type: model.OutcomeContacted})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enqueue lead.outcome")

	stored, err := st.Get(ctx, "L1")
	require.NoError(t, err)
	assert.Len(t, stored.Outcomes, 1)
}
