package scoring

import "github.com/sells-group/leads-cli/internal/model"

// Heuristic defaults for SE Michigan.
const (
	DefaultPPSF         = 165.0
	DefaultAppreciation = 1.08
	DefaultGRM          = 120.0
	DefaultBedsBase     = 950.0
	DefaultBedsStep     = 275.0
)

// Estimate is a derived dollar figure and the rule that produced it.
type Estimate struct {
	Value float64
	Rule  string
}

// EstimateValue anchors on the last sale price with modest appreciation, else
// on square footage at ppsf with small bumps for larger homes.
func EstimateValue(a model.Attributes, ppsf, appreciation float64) (Estimate, bool) {
	if a.LastSalePrice != nil && *a.LastSalePrice > 0 {
		return Estimate{Value: *a.LastSalePrice * appreciation, Rule: "last_sale_price*appreciation"}, true
	}
	if a.Sqft != nil && *a.Sqft > 0 {
		if a.Beds != nil && *a.Beds >= 4 {
			ppsf *= 1.03
		}
		if a.Baths != nil && *a.Baths >= 2.5 {
			ppsf *= 1.02
		}
		return Estimate{Value: float64(*a.Sqft) * ppsf, Rule: "sqft*ppsf"}, true
	}
	return Estimate{}, false
}

// EstimateRent converts a value to monthly rent through a gross rent
// multiplier, else falls back to a bedroom baseline.
func EstimateRent(a model.Attributes, value *Estimate, grm, bedsBase, bedsStep float64) (Estimate, bool) {
	if value != nil && value.Value > 0 && grm > 0 {
		monthly := value.Value / (grm * 12)
		if a.Sqft != nil && *a.Sqft >= 2000 {
			monthly *= 1.05
		}
		if a.Beds != nil && *a.Beds >= 4 {
			monthly *= 1.04
		}
		return Estimate{Value: monthly, Rule: "value/grm/12"}, true
	}
	if a.Beds != nil && *a.Beds > 0 {
		base := bedsBase + float64(*a.Beds-2)*bedsStep
		if base < 0 {
			base = 0
		}
		return Estimate{Value: base, Rule: "beds_baseline"}, true
	}
	return Estimate{}, false
}
