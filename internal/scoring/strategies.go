package scoring

import (
	"math"

	"github.com/sells-group/leads-cli/internal/model"
)

// Built-in strategy names.
const (
	StrategyRental = "rental"
	StrategyFlip   = "flip"
)

const defaultVersion = "heuristic-v1"

// Rental scores gross rent yield: monthly rent × 12 / price, where 10% maps
// to 100. Listing rent wins; otherwise rent is estimated from value or beds.
type Rental struct {
	version      string
	ppsf         float64
	appreciation float64
	grm          float64
	bedsBase     float64
	bedsStep     float64
	yieldScale   float64
}

// NewRental builds the rental strategy from its parameters.
func NewRental(p StrategyParams) *Rental {
	return &Rental{
		version:      versionOr(p.Version),
		ppsf:         p.Float("ppsf", DefaultPPSF),
		appreciation: p.Float("appreciation", DefaultAppreciation),
		grm:          p.Float("grm", DefaultGRM),
		bedsBase:     p.Float("beds_base", DefaultBedsBase),
		bedsStep:     p.Float("beds_step", DefaultBedsStep),
		yieldScale:   p.Float("yield_scale", 1000),
	}
}

func (r *Rental) Name() string    { return StrategyRental }
func (r *Rental) Version() string { return r.version }

// Inputs lists the attributes Compute reads.
func (r *Rental) Inputs() []string {
	return []string{model.AttrPrice, model.AttrRentEstimate, model.AttrLastSalePrice, model.AttrSqft, model.AttrBeds, model.AttrBaths}
}

// Compute implements Strategy.
func (r *Rental) Compute(a model.Attributes) (float64, map[string]any, error) {
	if a.Price == nil || *a.Price <= 0 {
		return 0, nil, &model.InsufficientDataError{Strategy: StrategyRental, Missing: []string{model.AttrPrice}}
	}
	price := *a.Price

	var rent Estimate
	switch {
	case a.RentEstimate != nil && *a.RentEstimate > 0:
		rent = Estimate{Value: *a.RentEstimate, Rule: "listing"}
	default:
		var valuePtr *Estimate
		if v, ok := EstimateValue(a, r.ppsf, r.appreciation); ok {
			valuePtr = &v
		}
		est, ok := EstimateRent(a, valuePtr, r.grm, r.bedsBase, r.bedsStep)
		if !ok {
			return 0, nil, &model.InsufficientDataError{Strategy: StrategyRental, Missing: []string{model.AttrRentEstimate}}
		}
		rent = est
	}

	grossYield := rent.Value * 12 / price
	score := grossYield * r.yieldScale
	return score, map[string]any{
		"monthly_rent": round2(rent.Value),
		"rent_rule":    rent.Rule,
		"gross_yield":  round4(grossYield),
	}, nil
}

// Flip scores the after-repair spread: (ARV − price − rehab) / price as a
// percentage.
type Flip struct {
	version      string
	ppsf         float64
	appreciation float64
	arvMarkup    float64
	rehabPerSqft float64
	rehabMin     float64
}

// NewFlip builds the flip strategy from its parameters.
func NewFlip(p StrategyParams) *Flip {
	return &Flip{
		version:      versionOr(p.Version),
		ppsf:         p.Float("ppsf", DefaultPPSF),
		appreciation: p.Float("appreciation", DefaultAppreciation),
		arvMarkup:    p.Float("arv_markup", 1.15),
		rehabPerSqft: p.Float("rehab_per_sqft", 10),
		rehabMin:     p.Float("rehab_min", 15000),
	}
}

func (f *Flip) Name() string    { return StrategyFlip }
func (f *Flip) Version() string { return f.version }

// Inputs lists the attributes Compute reads.
func (f *Flip) Inputs() []string {
	return []string{model.AttrPrice, model.AttrLastSalePrice, model.AttrSqft, model.AttrBeds, model.AttrBaths}
}

// Compute implements Strategy. ARV comes from the value heuristic when the
// lead has a sale history or size, else from a markup on the asking price.
func (f *Flip) Compute(a model.Attributes) (float64, map[string]any, error) {
	if a.Price == nil || *a.Price <= 0 {
		return 0, nil, &model.InsufficientDataError{Strategy: StrategyFlip, Missing: []string{model.AttrPrice}}
	}
	price := *a.Price

	arv, ok := EstimateValue(a, f.ppsf, f.appreciation)
	if !ok {
		arv = Estimate{Value: price * f.arvMarkup, Rule: "price*arv_markup"}
	}
	rehab := f.rehabMin
	if a.Sqft != nil {
		rehab = math.Max(f.rehabMin, float64(*a.Sqft)*f.rehabPerSqft)
	}
	spread := arv.Value - price - rehab
	return spread / price * 100, map[string]any{
		"arv":      round2(arv.Value),
		"arv_rule": arv.Rule,
		"rehab":    round2(rehab),
		"spread":   round2(spread),
	}, nil
}

func versionOr(v string) string {
	if v == "" {
		return defaultVersion
	}
	return v
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
