// Package connector adapts lead providers to a uniform record stream.
package connector

import (
	"context"
	"strconv"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leads-cli/internal/model"
)

// Connector pulls raw records for a region from one provider.
// Fetch returns a finite stream; the error channel yields at most one error
// and both channels are closed when the stream ends. Connectors never write
// to the provider.
type Connector interface {
	Name() string
	Fetch(ctx context.Context, region model.Region) (<-chan model.RawRecord, <-chan error)
}

// Registry maps connector names to their implementations.
type Registry struct {
	connectors map[string]Connector
	order      []string // insertion order for deterministic iteration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connectors: make(map[string]Connector),
	}
}

// Register adds a connector. Names must be unique.
func (r *Registry) Register(c Connector) error {
	name := c.Name()
	if _, ok := r.connectors[name]; ok {
		return eris.Errorf("connector: duplicate connector %q", name)
	}
	r.connectors[name] = c
	r.order = append(r.order, name)
	return nil
}

// Get returns a connector by name.
func (r *Registry) Get(name string) (Connector, error) {
	c, ok := r.connectors[name]
	if !ok {
		return nil, eris.Errorf("connector: unknown connector %q", name)
	}
	return c, nil
}

// Select returns the named connectors, or all of them when names is empty.
func (r *Registry) Select(names []string) ([]Connector, error) {
	if len(names) == 0 {
		return r.All(), nil
	}
	result := make([]Connector, 0, len(names))
	for _, name := range names {
		c, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, nil
}

// All returns all connectors in registration order.
func (r *Registry) All() []Connector {
	result := make([]Connector, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.connectors[name])
	}
	return result
}

// Names returns all registered connector names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// send delivers rec unless ctx is done.
func send(ctx context.Context, out chan<- model.RawRecord, rec model.RawRecord) bool {
	select {
	case out <- rec:
		return true
	case <-ctx.Done():
		return false
	}
}

// zipKeys are the fields a provider record may carry its postal code in.
var zipKeys = []string{
	"zipCode", "zipcode", "zip", "postalCode", "PostalCode", "ZipCode",
	"address.zipCode", "address.zip", "address.postalCode",
	"Address.PostalCode",
}

// inRegion reports whether a record belongs to region. Records without a
// recognizable ZIP pass through so the normalizer can report them.
func inRegion(region model.Region, fields map[string]any) bool {
	zip := recordZip(fields)
	if zip == "" {
		return true
	}
	return region.HasZip(zip)
}

func recordZip(fields map[string]any) string {
	v := model.LookupField(fields, zipKeys...)
	if v == nil {
		return ""
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case float64:
		s = formatFloat(t)
	default:
		return ""
	}
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
	if len(digits) < 5 {
		return ""
	}
	return digits[:5]
}

// stringField returns the first non-empty field among keys rendered as a string.
func stringField(fields map[string]any, keys ...string) string {
	switch v := model.LookupField(fields, keys...).(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return formatFloat(v)
	default:
		return ""
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
