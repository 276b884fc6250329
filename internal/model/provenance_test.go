package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProvenance_KeyIgnoresConfidence(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	a := Provenance{Provider: "reso", SourceRef: "L-1", FetchedAt: at, Confidence: 1}
	b := Provenance{Provider: "reso", SourceRef: "L-1", FetchedAt: at.In(time.FixedZone("EST", -5*3600)), Confidence: 0.5}
	assert.Equal(t, a.Key(), b.Key())

	c := a
	c.SourceRef = "L-2"
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestSortProvenance(t *testing.T) {
	t.Parallel()

	t1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	ps := []Provenance{
		{Provider: "b", FetchedAt: t2},
		{Provider: "b", FetchedAt: t1},
		{Provider: "a", FetchedAt: t1, SourceRef: "2"},
		{Provider: "a", FetchedAt: t1, SourceRef: "1"},
	}
	SortProvenance(ps)

	assert.Equal(t, "a", ps[0].Provider)
	assert.Equal(t, "1", ps[0].SourceRef)
	assert.Equal(t, "2", ps[1].SourceRef)
	assert.Equal(t, "b", ps[2].Provider)
	assert.True(t, ps[3].FetchedAt.Equal(t2))
}

func TestSortObservations_ValueTiebreak(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	obs := []Observation{
		{Provider: "x", ObservedAt: at, Value: "9"},
		{Provider: "x", ObservedAt: at, Value: "1"},
	}
	SortObservations(obs)
	assert.Equal(t, "1", obs[0].Value)
	assert.NotEqual(t, obs[0].Key(), obs[1].Key())
}
