// Package model defines the lead records that flow through ingestion, merge and scoring.
package model

import (
	"strings"
	"time"
)

// Region is a named set of ZIP codes a refresh cycle covers.
type Region struct {
	Name string   `json:"name"`
	Zips []string `json:"zips"`
}

// HasZip reports whether zip belongs to the region. A region without ZIPs matches everything.
func (r Region) HasZip(zip string) bool {
	if len(r.Zips) == 0 {
		return true
	}
	for _, z := range r.Zips {
		if z == zip {
			return true
		}
	}
	return false
}

// RawRecord is one provider-native record as fetched by a connector.
type RawRecord struct {
	Provider  string         `json:"provider"`
	SourceRef string         `json:"source_ref,omitempty"`
	Region    string         `json:"region,omitempty"`
	Fields    map[string]any `json:"fields"`
	FetchedAt time.Time      `json:"fetched_at"`
}

// Address is a canonical postal address.
type Address struct {
	Line  string `json:"line"`
	Unit  string `json:"unit,omitempty"`
	City  string `json:"city"`
	State string `json:"state"`
	Zip   string `json:"zip"`
}

// String renders the address on one line.
func (a Address) String() string {
	line := a.Line
	if a.Unit != "" {
		line += " UNIT " + a.Unit
	}
	parts := []string{line, a.City, strings.TrimSpace(a.State + " " + a.Zip)}
	return strings.Join(parts, ", ")
}

// Location is a WGS84 coordinate pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// NormalizedRecord is a RawRecord mapped onto the canonical field set.
type NormalizedRecord struct {
	Provider   string     `json:"provider"`
	SourceRef  string     `json:"source_ref,omitempty"`
	Region     string     `json:"region,omitempty"`
	FetchedAt  time.Time  `json:"fetched_at"`
	Address    Address    `json:"address"`
	ParcelID   string     `json:"parcel_id,omitempty"`
	Attributes Attributes `json:"attributes"`
	Location   *Location  `json:"location,omitempty"`
	RawText    string     `json:"raw_text,omitempty"`
}

// Provenance returns the provenance entry this record contributes.
func (r NormalizedRecord) Provenance() Provenance {
	return Provenance{
		Provider:   r.Provider,
		SourceRef:  r.SourceRef,
		FetchedAt:  r.FetchedAt.UTC(),
		Confidence: 1.0,
	}
}

// LookupField returns the first non-empty value among paths. A path may use
// dots to reach into nested objects, e.g. "address.city".
func LookupField(fields map[string]any, paths ...string) any {
	for _, p := range paths {
		v := lookupPath(fields, p)
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		return v
	}
	return nil
}

func lookupPath(fields map[string]any, path string) any {
	if v, ok := fields[path]; ok {
		return v
	}
	var cur any = fields
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
		if cur == nil {
			return nil
		}
	}
	return cur
}
