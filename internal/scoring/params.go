package scoring

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Params is the scoring model parameter file.
type Params struct {
	Strategies map[string]StrategyParams `yaml:"strategies"`
}

// StrategyParams configures one strategy.
type StrategyParams struct {
	Version string             `yaml:"version"`
	Gate    string             `yaml:"gate"` // CEL expression; empty allows every lead
	Values  map[string]float64 `yaml:"params"`
}

// Float returns a named parameter or def when unset.
func (p StrategyParams) Float(name string, def float64) float64 {
	if v, ok := p.Values[name]; ok {
		return v
	}
	return def
}

// LoadParams reads scoring parameters from a YAML file with a top-level
// "scoring" key.
func LoadParams(path string) (*Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "scoring: read params %s", path)
	}
	return ParseParams(data)
}

// ParseParams decodes and validates a scoring parameter document.
func ParseParams(data []byte) (*Params, error) {
	var wrapper struct {
		Scoring Params `yaml:"scoring"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "scoring: parse params")
	}
	p := &wrapper.Scoring
	if p.Strategies == nil {
		p.Strategies = make(map[string]StrategyParams)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// For returns the parameters for a strategy, or the zero value.
func (p *Params) For(name string) StrategyParams {
	if p == nil {
		return StrategyParams{}
	}
	return p.Strategies[name]
}

// Validate rejects negative parameters and gates that do not compile.
func (p *Params) Validate() error {
	var errs []string
	names := make([]string, 0, len(p.Strategies))
	for name := range p.Strategies {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sp := p.Strategies[name]
		for k, v := range sp.Values {
			if v < 0 {
				errs = append(errs, fmt.Sprintf("%s.%s must be >= 0", name, k))
			}
		}
		if sp.Gate != "" {
			if _, err := CompileGate(sp.Gate); err != nil {
				errs = append(errs, fmt.Sprintf("%s.gate: %v", name, err))
			}
		}
	}
	if len(errs) > 0 {
		return eris.Errorf("scoring: params validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
