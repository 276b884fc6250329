package model

import (
	"sort"
	"time"
)

// Provenance records which provider contributed to a lead and when.
type Provenance struct {
	Provider   string    `json:"provider"`
	SourceRef  string    `json:"source_ref,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`
	Confidence float64   `json:"confidence"`
}

// Key identifies a provenance entry; re-ingesting the same record yields the same key.
func (p Provenance) Key() string {
	return p.Provider + "\x1f" + p.SourceRef + "\x1f" + p.FetchedAt.UTC().Format(time.RFC3339Nano)
}

// Observation is a single attribute value reported by one provider at one time.
// Losing observations are kept so no reported value is ever dropped.
type Observation struct {
	Provider   string    `json:"provider"`
	SourceRef  string    `json:"source_ref,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
	Value      string    `json:"value"`
}

// Key identifies an observation within one attribute.
func (o Observation) Key() string {
	return o.Provider + "\x1f" + o.SourceRef + "\x1f" + o.ObservedAt.UTC().Format(time.RFC3339Nano) + "\x1f" + o.Value
}

// SortProvenance orders entries by time, then provider, then source ref.
func SortProvenance(ps []Provenance) {
	sort.Slice(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if !a.FetchedAt.Equal(b.FetchedAt) {
			return a.FetchedAt.Before(b.FetchedAt)
		}
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.SourceRef < b.SourceRef
	})
}

// SortObservations orders observations the same way, with value as the last tiebreak.
func SortObservations(obs []Observation) {
	sort.Slice(obs, func(i, j int) bool {
		a, b := obs[i], obs[j]
		if !a.ObservedAt.Equal(b.ObservedAt) {
			return a.ObservedAt.Before(b.ObservedAt)
		}
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		if a.SourceRef != b.SourceRef {
			return a.SourceRef < b.SourceRef
		}
		return a.Value < b.Value
	})
}
