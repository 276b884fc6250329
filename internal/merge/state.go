package merge

import (
	"sort"
	"strings"

	"github.com/sells-group/leads-cli/internal/model"
)

// Observation keys for lead fields that are not property attributes.
const (
	fieldAddress = "address"
	fieldParcel  = "parcel_id"
	fieldRegion  = "region"
)

// Policy picks the winning observation for each attribute.
type Policy struct {
	priority map[string]int
}

// NewPolicy creates a Policy; providers earlier in priority win time ties.
func NewPolicy(priority []string) Policy {
	p := Policy{priority: make(map[string]int, len(priority))}
	for i, name := range priority {
		if _, ok := p.priority[name]; !ok {
			p.priority[name] = i
		}
	}
	return p
}

func (p Policy) rank(provider string) int {
	if r, ok := p.priority[provider]; ok {
		return r
	}
	return len(p.priority)
}

// Winner returns the observation that should be displayed: the most recent,
// then the higher-priority provider, then the lower provider name, then the
// lower value.
func (p Policy) Winner(obs []model.Observation) (model.Observation, bool) {
	if len(obs) == 0 {
		return model.Observation{}, false
	}
	best := obs[0]
	for _, o := range obs[1:] {
		if p.beats(o, best) {
			best = o
		}
	}
	return best, true
}

func (p Policy) beats(a, b model.Observation) bool {
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.After(b.ObservedAt)
	}
	if ra, rb := p.rank(a.Provider), p.rank(b.Provider); ra != rb {
		return ra < rb
	}
	if a.Provider != b.Provider {
		return a.Provider < b.Provider
	}
	if a.SourceRef != b.SourceRef {
		return a.SourceRef < b.SourceRef
	}
	return a.Value < b.Value
}

// observations lists every field value a record reports.
func observations(rec model.NormalizedRecord) map[string]string {
	fields := rec.Attributes.Fields()
	fields[fieldAddress] = encodeAddress(rec.Address)
	if rec.ParcelID != "" {
		fields[fieldParcel] = rec.ParcelID
	}
	if rec.Region != "" {
		fields[fieldRegion] = rec.Region
	}
	if rec.Location != nil {
		fields[model.AttrLocation] = model.FormatLocation(*rec.Location)
	}
	return fields
}

// addRecord folds rec into lead's provenance and observation sets and adds
// keys. It reports whether anything new was added.
func addRecord(lead *model.CanonicalLead, rec model.NormalizedRecord, keys []string) bool {
	added := false

	if prov := rec.Provenance(); !lead.HasProvenance(prov) {
		lead.Provenance = append(lead.Provenance, prov)
		added = true
	}

	if lead.Observations == nil {
		lead.Observations = make(map[string][]model.Observation)
	}
	for attr, value := range observations(rec) {
		o := model.Observation{
			Provider:   rec.Provider,
			SourceRef:  rec.SourceRef,
			ObservedAt: rec.FetchedAt.UTC(),
			Value:      value,
		}
		dup := false
		for _, existing := range lead.Observations[attr] {
			if existing.Key() == o.Key() {
				dup = true
				break
			}
		}
		if !dup {
			lead.Observations[attr] = append(lead.Observations[attr], o)
			added = true
		}
	}

	for _, k := range keys {
		if !lead.HasKey(k) {
			lead.Keys = append(lead.Keys, k)
			added = true
		}
	}
	return added
}

// rebuild derives the lead's displayed fields from its observation and
// provenance sets, so the result does not depend on merge order.
func (p Policy) rebuild(lead *model.CanonicalLead) {
	sort.Strings(lead.Keys)
	model.SortProvenance(lead.Provenance)
	for _, obs := range lead.Observations {
		model.SortObservations(obs)
	}

	var attrs model.Attributes
	for attr, obs := range lead.Observations {
		w, ok := p.Winner(obs)
		if !ok {
			continue
		}
		switch attr {
		case fieldAddress:
			lead.Address = decodeAddress(w.Value)
		case fieldParcel:
			lead.ParcelID = w.Value
		case fieldRegion:
			lead.Region = w.Value
		case model.AttrLocation:
			if loc, err := model.ParseLocation(w.Value); err == nil {
				lead.Location = &loc
			}
		default:
			_ = attrs.Set(attr, w.Value)
		}
	}
	lead.Attributes = attrs

	if len(lead.Provenance) > 0 {
		lead.FirstSeenAt = lead.Provenance[0].FetchedAt
		lead.LastMergedAt = lead.Provenance[len(lead.Provenance)-1].FetchedAt
	}
}

func encodeAddress(a model.Address) string {
	return strings.Join([]string{a.Line, a.Unit, a.City, a.State, a.Zip}, "|")
}

func decodeAddress(s string) model.Address {
	parts := strings.SplitN(s, "|", 5)
	for len(parts) < 5 {
		parts = append(parts, "")
	}
	return model.Address{Line: parts[0], Unit: parts[1], City: parts[2], State: parts[3], Zip: parts[4]}
}
