package model

import (
	"encoding/json"
	"time"
)

// LeadStatus is where a lead sits in the acquisition workflow.
type LeadStatus string

const (
	StatusNew           LeadStatus = "new"
	StatusQualified     LeadStatus = "qualified"
	StatusContacted     LeadStatus = "contacted"
	StatusUnderContract LeadStatus = "under_contract"
	StatusClosed        LeadStatus = "closed"
	StatusDead          LeadStatus = "dead"
)

// Valid reports whether s is a known status.
func (s LeadStatus) Valid() bool {
	switch s {
	case StatusNew, StatusQualified, StatusContacted, StatusUnderContract, StatusClosed, StatusDead:
		return true
	}
	return false
}

// Terminal reports whether s ends the workflow.
func (s LeadStatus) Terminal() bool {
	return s == StatusClosed || s == StatusDead
}

// OutcomeType is one step of the contact funnel.
type OutcomeType string

const (
	OutcomeContacted      OutcomeType = "contacted"
	OutcomeResponded      OutcomeType = "responded"
	OutcomeAppointmentSet OutcomeType = "appointment_set"
	OutcomeUnderContract  OutcomeType = "under_contract"
	OutcomeClosed         OutcomeType = "closed"
	OutcomeDead           OutcomeType = "dead"
)

var outcomeStage = map[OutcomeType]int{
	OutcomeContacted:      1,
	OutcomeResponded:      2,
	OutcomeAppointmentSet: 3,
	OutcomeUnderContract:  4,
	OutcomeClosed:         5,
	OutcomeDead:           99,
}

// Valid reports whether t is a known outcome.
func (t OutcomeType) Valid() bool {
	_, ok := outcomeStage[t]
	return ok
}

// Terminal reports whether t closes the funnel.
func (t OutcomeType) Terminal() bool {
	return t == OutcomeClosed || t == OutcomeDead
}

// Stage orders outcomes along the funnel.
func (t OutcomeType) Stage() int { return outcomeStage[t] }

// ImpliedStatus is the lead status an outcome moves the lead to.
func (t OutcomeType) ImpliedStatus() LeadStatus {
	switch t {
	case OutcomeUnderContract:
		return StatusUnderContract
	case OutcomeClosed:
		return StatusClosed
	case OutcomeDead:
		return StatusDead
	default:
		return StatusContacted
	}
}

// OutcomeEvent records one funnel step on a lead.
type OutcomeEvent struct {
	ID             string      `json:"id"`
	LeadID         string      `json:"lead_id"`
	Type           OutcomeType `json:"type"`
	OccurredAt     time.Time   `json:"occurred_at"`
	Source         string      `json:"source"`
	Notes          string      `json:"notes,omitempty"`
	ContractPrice  *float64    `json:"contract_price,omitempty"`
	RealizedProfit *float64    `json:"realized_profit,omitempty"`
	// OutOfOrder is set when the step was logged after a later funnel stage.
	OutOfOrder bool `json:"out_of_order,omitempty"`
}

// Outbox event types.
const (
	EventLeadStatusChanged = "lead.status_changed"
	EventLeadOutcome       = "lead.outcome"
)

// OutboxStatus is the delivery state of an outbox event.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxDelivered OutboxStatus = "delivered"
	OutboxFailed    OutboxStatus = "failed"
)

// OutboxEvent is a change waiting to be pushed to webhooks.
type OutboxEvent struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	LeadID      string          `json:"lead_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Status      OutboxStatus    `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
}

// Webhook is a registered delivery target for outbox events.
type Webhook struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Secret  string `json:"secret,omitempty"`
	Enabled bool   `json:"enabled"`
	// Failures counts consecutive failed deliveries.
	Failures       int       `json:"failures"`
	DisabledReason string    `json:"disabled_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Redacted hides the signing secret.
func (w Webhook) Redacted() Webhook {
	if w.Secret != "" {
		w.Secret = "***"
	}
	return w
}

// DispatchResult summarizes one outbox dispatch pass.
type DispatchResult struct {
	Events    int      `json:"events"`
	Delivered int      `json:"delivered"`
	Failed    int      `json:"failed"`
	Exhausted int      `json:"exhausted"`
	Sinks     int      `json:"sinks"`
	Disabled  []string `json:"disabled,omitempty"`
	NoSinks   bool     `json:"skipped_no_sinks,omitempty"`
}
