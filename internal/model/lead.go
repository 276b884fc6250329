package model

import "time"

// CanonicalLead is the merged representation of one physical property.
type CanonicalLead struct {
	ID           string                   `json:"id"`
	IdentityKey  string                   `json:"identity_key"`
	Keys         []string                 `json:"keys"`
	Region       string                   `json:"region,omitempty"`
	Address      Address                  `json:"address"`
	ParcelID     string                   `json:"parcel_id,omitempty"`
	Attributes   Attributes               `json:"attributes"`
	Location     *Location                `json:"location,omitempty"`
	Provenance   []Provenance             `json:"provenance"`
	Observations map[string][]Observation `json:"observations"`
	FirstSeenAt  time.Time                `json:"first_seen_at"`
	LastMergedAt time.Time                `json:"last_merged_at"`
	LastSeenAt   time.Time                `json:"last_seen_at"`
	Stale        bool                     `json:"stale"`
	Scores       map[string]StrategyScore `json:"scores,omitempty"`
	StaleScores  map[string]string        `json:"stale_scores,omitempty"`
	// Status and Outcomes are operator workflow state; merges carry them
	// forward untouched.
	Status          LeadStatus     `json:"status,omitempty"`
	StatusChangedAt *time.Time     `json:"status_changed_at,omitempty"`
	Outcomes        []OutcomeEvent `json:"outcomes,omitempty"`
}

// StrategyScore is one strategy's score for a lead with its feature snapshot.
type StrategyScore struct {
	LeadID      string         `json:"lead_id"`
	Strategy    string         `json:"strategy"`
	Version     string         `json:"version"`
	Score       float64        `json:"score"`
	Explanation map[string]any `json:"explanation,omitempty"`
	InputHash   string         `json:"input_hash"`
	ComputedAt  time.Time      `json:"computed_at"`
	Stale       bool           `json:"stale,omitempty"`
}

// LeadSummary is the query-surface view of a lead.
type LeadSummary struct {
	ID         string     `json:"id"`
	Address    Address    `json:"address"`
	Score      float64    `json:"score"`
	Stale      bool       `json:"stale,omitempty"`
	Price      *float64   `json:"price,omitempty"`
	Status     LeadStatus `json:"status,omitempty"`
	LastMerged time.Time  `json:"last_merged"`
}

// Summary builds the query view for the given strategy.
func (l *CanonicalLead) Summary(strategy string) LeadSummary {
	s := l.Scores[strategy]
	return LeadSummary{
		ID:         l.ID,
		Address:    l.Address,
		Score:      s.Score,
		Stale:      s.Stale,
		Price:      l.Attributes.Price,
		Status:     l.CurrentStatus(),
		LastMerged: l.LastMergedAt,
	}
}

// ScoreFor returns the current score for a strategy.
func (l *CanonicalLead) ScoreFor(strategy string) (StrategyScore, bool) {
	s, ok := l.Scores[strategy]
	return s, ok
}

// Clone returns a deep copy safe to mutate.
func (l *CanonicalLead) Clone() *CanonicalLead {
	if l == nil {
		return nil
	}
	c := *l
	c.Keys = append([]string(nil), l.Keys...)
	c.Provenance = append([]Provenance(nil), l.Provenance...)
	c.Attributes = cloneAttributes(l.Attributes)
	if l.Location != nil {
		loc := *l.Location
		c.Location = &loc
	}
	c.Observations = make(map[string][]Observation, len(l.Observations))
	for k, obs := range l.Observations {
		c.Observations[k] = append([]Observation(nil), obs...)
	}
	if l.Scores != nil {
		c.Scores = make(map[string]StrategyScore, len(l.Scores))
		for k, s := range l.Scores {
			c.Scores[k] = s.clone()
		}
	}
	if l.StatusChangedAt != nil {
		at := *l.StatusChangedAt
		c.StatusChangedAt = &at
	}
	c.Outcomes = append([]OutcomeEvent(nil), l.Outcomes...)
	if l.StaleScores != nil {
		c.StaleScores = make(map[string]string, len(l.StaleScores))
		for k, v := range l.StaleScores {
			c.StaleScores[k] = v
		}
	}
	return &c
}

// CurrentStatus returns the lead's workflow status; leads nobody has worked
// are new.
func (l *CanonicalLead) CurrentStatus() LeadStatus {
	if l.Status == "" {
		return StatusNew
	}
	return l.Status
}

// TerminalOutcome returns the lead's closing outcome, if any.
func (l *CanonicalLead) TerminalOutcome() (OutcomeType, bool) {
	for _, o := range l.Outcomes {
		if o.Type.Terminal() {
			return o.Type, true
		}
	}
	return "", false
}

// HasKey reports whether the lead is indexed under key.
func (l *CanonicalLead) HasKey(key string) bool {
	for _, k := range l.Keys {
		if k == key {
			return true
		}
	}
	return false
}

func (s StrategyScore) clone() StrategyScore {
	if s.Explanation != nil {
		exp := make(map[string]any, len(s.Explanation))
		for k, v := range s.Explanation {
			exp[k] = v
		}
		s.Explanation = exp
	}
	return s
}

func cloneAttributes(a Attributes) Attributes {
	out := a
	out.Price = cloneFloat(a.Price)
	out.Baths = cloneFloat(a.Baths)
	out.RentEstimate = cloneFloat(a.RentEstimate)
	out.LastSalePrice = cloneFloat(a.LastSalePrice)
	out.Beds = cloneInt(a.Beds)
	out.Sqft = cloneInt(a.Sqft)
	out.YearBuilt = cloneInt(a.YearBuilt)
	if a.ListingDate != nil {
		t := *a.ListingDate
		out.ListingDate = &t
	}
	return out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	f := *v
	return &f
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

// HasProvenance reports whether p is already recorded on the lead.
func (l *CanonicalLead) HasProvenance(p Provenance) bool {
	key := p.Key()
	for _, have := range l.Provenance {
		if have.Key() == key {
			return true
		}
	}
	return false
}
