package scoring

import (
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leads-cli/internal/model"
)

var (
	gateEnv     *cel.Env
	gateEnvErr  error
	gateEnvOnce sync.Once
)

// getGateEnv returns the shared CEL environment. Gates see the lead's known
// attributes as the map attrs plus region, zip and stale.
func getGateEnv() (*cel.Env, error) {
	gateEnvOnce.Do(func() {
		gateEnv, gateEnvErr = cel.NewEnv(
			cel.Variable("attrs", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("region", cel.StringType),
			cel.Variable("zip", cel.StringType),
			cel.Variable("stale", cel.BoolType),
			cel.CrossTypeNumericComparisons(true),
		)
	})
	return gateEnv, gateEnvErr
}

// Gate is a compiled eligibility expression. A lead the gate rejects is
// scored 0 for the strategy.
type Gate struct {
	expr string
	prg  cel.Program
}

// CompileGate compiles a CEL expression such as
// `has(attrs.price) && attrs.price <= 400000.0`.
func CompileGate(expr string) (*Gate, error) {
	env, err := getGateEnv()
	if err != nil {
		return nil, eris.Wrap(err, "scoring: cel env")
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, eris.Wrapf(iss.Err(), "scoring: compile gate %q", expr)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, eris.Wrapf(err, "scoring: program gate %q", expr)
	}
	return &Gate{expr: expr, prg: prg}, nil
}

// Expr returns the source expression.
func (g *Gate) Expr() string {
	if g == nil {
		return ""
	}
	return g.expr
}

// Allow evaluates the gate against a lead. A nil gate allows everything.
func (g *Gate) Allow(lead *model.CanonicalLead) (bool, error) {
	if g == nil {
		return true, nil
	}
	out, _, err := g.prg.Eval(map[string]any{
		"attrs":  gateAttrs(lead.Attributes),
		"region": lead.Region,
		"zip":    lead.Address.Zip,
		"stale":  lead.Stale,
	})
	if err != nil {
		return false, eris.Wrapf(err, "scoring: eval gate %q", g.expr)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, eris.Errorf("scoring: gate %q must return bool, got %T", g.expr, out.Value())
	}
	return ok, nil
}

// gateAttrs exposes only known attributes so has() reflects presence.
func gateAttrs(a model.Attributes) map[string]any {
	m := make(map[string]any)
	if a.Price != nil {
		m[model.AttrPrice] = *a.Price
	}
	if a.Beds != nil {
		m[model.AttrBeds] = int64(*a.Beds)
	}
	if a.Baths != nil {
		m[model.AttrBaths] = *a.Baths
	}
	if a.Sqft != nil {
		m[model.AttrSqft] = int64(*a.Sqft)
	}
	if a.YearBuilt != nil {
		m[model.AttrYearBuilt] = int64(*a.YearBuilt)
	}
	if a.PropertyType != "" {
		m[model.AttrPropertyType] = a.PropertyType
	}
	if a.ListingStatus != "" {
		m[model.AttrListingStatus] = a.ListingStatus
	}
	if a.ListingDate != nil {
		m[model.AttrListingDate] = a.ListingDate.UTC().Format("2006-01-02")
	}
	if a.RentEstimate != nil {
		m[model.AttrRentEstimate] = *a.RentEstimate
	}
	if a.LastSalePrice != nil {
		m[model.AttrLastSalePrice] = *a.LastSalePrice
	}
	return m
}
