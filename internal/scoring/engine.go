// Package scoring holds the strategy registry and computes per-lead
// strategy scores.
package scoring

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leads-cli/internal/config"
	"github.com/sells-group/leads-cli/internal/model"
)

// Strategy computes a raw score from lead attributes. Compute returns a
// *model.InsufficientDataError when a required attribute is unknown.
type Strategy interface {
	Name() string
	Version() string
	Compute(a model.Attributes) (float64, map[string]any, error)
}

// InputLister is implemented by strategies that read a fixed attribute set.
// Only those attributes feed the input hash.
type InputLister interface {
	Inputs() []string
}

// Factory builds a strategy from its parameters.
type Factory func(p StrategyParams) Strategy

// Builtins maps shipped strategy names to their factories.
var Builtins = map[string]Factory{
	StrategyRental: func(p StrategyParams) Strategy { return NewRental(p) },
	StrategyFlip:   func(p StrategyParams) Strategy { return NewFlip(p) },
}

type entry struct {
	strategy Strategy
	gate     *Gate
}

// Engine is the strategy registry. Registered models are swapped atomically;
// readers always see either the old or the new model.
type Engine struct {
	mu         sync.RWMutex
	strategies map[string]entry
	now        func() time.Time
	log        *zap.Logger
}

// NewEngine creates an empty registry.
func NewEngine() *Engine {
	return &Engine{
		strategies: make(map[string]entry),
		now:        time.Now,
		log:        zap.L().With(zap.String("component", "scoring")),
	}
}

// Load builds an engine with the configured built-in strategies and the
// parameters in cfg.ConfigPath.
func Load(cfg config.ScoringConfig) (*Engine, error) {
	var params *Params
	if cfg.ConfigPath != "" {
		p, err := LoadParams(cfg.ConfigPath)
		if err != nil {
			return nil, err
		}
		params = p
	}
	e := NewEngine()
	if err := e.Configure(cfg.Strategies, params); err != nil {
		return nil, err
	}
	return e, nil
}

// Configure swaps in built-in strategies by name using params. A strategy
// whose version changes is rescored on its next ScoreAll.
func (e *Engine) Configure(names []string, params *Params) error {
	for _, name := range names {
		factory, ok := Builtins[name]
		if !ok {
			return &model.UnknownStrategyError{Name: name}
		}
		sp := params.For(name)
		var gate *Gate
		if sp.Gate != "" {
			g, err := CompileGate(sp.Gate)
			if err != nil {
				return err
			}
			gate = g
		}
		e.Swap(factory(sp), gate)
	}
	return nil
}

// Register adds a strategy. Registering a taken name is an error; use Swap
// to replace a model.
func (e *Engine) Register(s Strategy, gate *Gate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.strategies[s.Name()]; ok {
		return eris.Errorf("scoring: strategy %q already registered", s.Name())
	}
	e.strategies[s.Name()] = entry{strategy: s, gate: gate}
	return nil
}

// Swap installs s under its name, replacing any prior model, and returns the
// replaced version ("" when none).
func (e *Engine) Swap(s Strategy, gate *Gate) string {
	e.mu.Lock()
	prev := e.strategies[s.Name()]
	e.strategies[s.Name()] = entry{strategy: s, gate: gate}
	e.mu.Unlock()

	var prevVersion string
	if prev.strategy != nil {
		prevVersion = prev.strategy.Version()
	}
	if prevVersion != s.Version() || prev.gate.Expr() != gate.Expr() {
		e.log.Info("strategy installed",
			zap.String("strategy", s.Name()),
			zap.String("version", s.Version()),
			zap.String("previous_version", prevVersion),
			zap.String("gate", gate.Expr()),
		)
	}
	return prevVersion
}

// Names returns the registered strategy names in order.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.strategies))
	for n := range e.strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns a registered strategy.
func (e *Engine) Get(name string) (Strategy, bool) {
	en, ok := e.lookup(name)
	return en.strategy, ok
}

// Has reports whether name is registered.
func (e *Engine) Has(name string) bool {
	_, ok := e.lookup(name)
	return ok
}

func (e *Engine) lookup(name string) (entry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.strategies[name]
	return en, ok
}

// Score computes the lead's score for one strategy and records it on the
// lead. When the inputs and model version are unchanged the current score is
// returned as is. When the strategy lacks data the prior score is kept,
// marked stale, and the returned error matches model.ErrInsufficientData.
func (e *Engine) Score(lead *model.CanonicalLead, name string) (model.StrategyScore, error) {
	en, ok := e.lookup(name)
	if !ok {
		return model.StrategyScore{}, &model.UnknownStrategyError{Name: name}
	}
	s := en.strategy
	hash := InputHash(s, en.gate, lead)

	prev, hasPrev := lead.Scores[name]
	if hasPrev && !prev.Stale && prev.InputHash == hash && prev.Version == s.Version() {
		return prev, nil
	}

	allowed, err := en.gate.Allow(lead)
	if err != nil {
		return model.StrategyScore{}, err
	}

	var (
		raw         float64
		explanation map[string]any
	)
	if allowed {
		raw, explanation, err = s.Compute(lead.Attributes)
		if err != nil {
			if errors.Is(err, model.ErrInsufficientData) {
				return e.keepPrior(lead, name, prev, hasPrev, err)
			}
			return model.StrategyScore{}, eris.Wrapf(err, "scoring: compute %s", name)
		}
	} else {
		explanation = map[string]any{"reason": "blocked", "gate": en.gate.Expr()}
	}

	score := model.StrategyScore{
		LeadID:      lead.ID,
		Strategy:    name,
		Version:     s.Version(),
		Score:       Clamp(raw),
		Explanation: explanation,
		InputHash:   hash,
		ComputedAt:  e.now().UTC(),
	}
	if lead.Scores == nil {
		lead.Scores = make(map[string]model.StrategyScore)
	}
	lead.Scores[name] = score
	delete(lead.StaleScores, name)
	if len(lead.StaleScores) == 0 {
		lead.StaleScores = nil
	}
	return score, nil
}

func (e *Engine) keepPrior(lead *model.CanonicalLead, name string, prev model.StrategyScore, hasPrev bool, cause error) (model.StrategyScore, error) {
	if lead.StaleScores == nil {
		lead.StaleScores = make(map[string]string)
	}
	lead.StaleScores[name] = cause.Error()
	if hasPrev {
		prev.Stale = true
		lead.Scores[name] = prev
	}
	e.log.Debug("insufficient data for strategy",
		zap.String("lead_id", lead.ID),
		zap.String("strategy", name),
		zap.Error(cause),
	)
	return prev, cause
}

// Outcome summarizes a ScoreAll call.
type Outcome struct {
	Changed bool
	Scored  int
	Skipped int
}

// ScoreAll scores the lead against names, or every registered strategy when
// names is empty. Insufficient data is counted in Skipped; any other error
// stops the pass.
func (e *Engine) ScoreAll(lead *model.CanonicalLead, names []string) (Outcome, error) {
	if len(names) == 0 {
		names = e.Names()
	}
	var out Outcome
	for _, name := range names {
		before, had := lead.Scores[name]
		beforeReason, hadReason := lead.StaleScores[name]

		_, err := e.Score(lead, name)
		switch {
		case err == nil:
			out.Scored++
		case errors.Is(err, model.ErrInsufficientData):
			out.Skipped++
		default:
			return out, err
		}

		after, has := lead.Scores[name]
		afterReason, hasReason := lead.StaleScores[name]
		if had != has || (has && !sameScore(before, after)) ||
			hadReason != hasReason || beforeReason != afterReason {
			out.Changed = true
		}
	}
	return out, nil
}

func sameScore(a, b model.StrategyScore) bool {
	return a.InputHash == b.InputHash && a.Version == b.Version && a.Stale == b.Stale &&
		a.Score == b.Score && a.ComputedAt.Equal(b.ComputedAt)
}

// Apply returns a merge hook that scores a lead against names.
func (e *Engine) Apply(names []string) func(ctx context.Context, lead *model.CanonicalLead) (bool, error) {
	return func(_ context.Context, lead *model.CanonicalLead) (bool, error) {
		out, err := e.ScoreAll(lead, names)
		return out.Changed, err
	}
}

// Clamp bounds a raw score to [0, 100]. NaN scores 0.
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 100:
		return 100
	}
	return math.Round(v*100) / 100
}

// InputHash fingerprints everything a score depends on: the strategy name and
// version, its gate, and the attributes it reads.
func InputHash(s Strategy, gate *Gate, lead *model.CanonicalLead) string {
	fields := lead.Attributes.Fields()
	var keys []string
	if il, ok := s.(InputLister); ok {
		keys = append(keys, il.Inputs()...)
	} else {
		for k := range fields {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(s.Name())
	b.WriteByte(0x1f)
	b.WriteString(s.Version())
	b.WriteByte(0x1f)
	b.WriteString(gate.Expr())
	if gate != nil {
		b.WriteByte(0x1f)
		b.WriteString(lead.Region + "|" + lead.Address.Zip)
		if lead.Stale {
			b.WriteString("|stale")
		}
	}
	for _, k := range keys {
		b.WriteByte(0x1e)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
