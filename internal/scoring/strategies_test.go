package scoring

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leads-cli/internal/model"
)

func f64(v float64) *float64 { return &v }
func intp(v int) *int        { return &v }

func TestEstimateValue(t *testing.T) {
	tests := []struct {
		name string
		a    model.Attributes
		want float64
		rule string
		ok   bool
	}{
		{"last sale", model.Attributes{LastSalePrice: f64(100000), Sqft: intp(1500)}, 108000, "last_sale_price*appreciation", true},
		{"sqft", model.Attributes{Sqft: intp(1000)}, 165000, "sqft*ppsf", true},
		{"sqft large home", model.Attributes{Sqft: intp(1000), Beds: intp(4), Baths: f64(2.5)}, 1000 * 165 * 1.03 * 1.02, "sqft*ppsf", true},
		{"nothing", model.Attributes{Beds: intp(3)}, 0, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := EstimateValue(tt.a, DefaultPPSF, DefaultAppreciation)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got.Value, 0.01)
			assert.Equal(t, tt.rule, got.Rule)
		})
	}
}

func TestEstimateRent(t *testing.T) {
	value := &Estimate{Value: 144000}

	got, ok := EstimateRent(model.Attributes{}, value, DefaultGRM, DefaultBedsBase, DefaultBedsStep)
	require.True(t, ok)
	assert.InDelta(t, 100, got.Value, 0.001)
	assert.Equal(t, "value/grm/12", got.Rule)

	got, _ = EstimateRent(model.Attributes{Sqft: intp(2200), Beds: intp(4)}, value, DefaultGRM, DefaultBedsBase, DefaultBedsStep)
	assert.InDelta(t, 100*1.05*1.04, got.Value, 0.001)

	got, ok = EstimateRent(model.Attributes{Beds: intp(3)}, nil, DefaultGRM, DefaultBedsBase, DefaultBedsStep)
	require.True(t, ok)
	assert.Equal(t, 1225.0, got.Value)
	assert.Equal(t, "beds_baseline", got.Rule)

	_, ok = EstimateRent(model.Attributes{}, nil, DefaultGRM, DefaultBedsBase, DefaultBedsStep)
	assert.False(t, ok)
}

func TestRental_Compute(t *testing.T) {
	r := NewRental(StrategyParams{})
	assert.Equal(t, StrategyRental, r.Name())
	assert.Equal(t, "heuristic-v1", r.Version())

	tests := []struct {
		name string
		a    model.Attributes
		want float64
		rule string
	}{
		{"listing rent", model.Attributes{Price: f64(100000), RentEstimate: f64(800)}, 96, "listing"},
		{"value estimate", model.Attributes{Price: f64(150000), LastSalePrice: f64(100000)}, 6, "value/grm/12"},
		{"beds baseline", model.Attributes{Price: f64(300000), Beds: intp(3)}, 49, "beds_baseline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, exp, err := r.Compute(tt.a)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, score, 0.001)
			assert.Equal(t, tt.rule, exp["rent_rule"])
		})
	}
}

func TestRental_InsufficientData(t *testing.T) {
	r := NewRental(StrategyParams{})

	_, _, err := r.Compute(model.Attributes{RentEstimate: f64(900)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInsufficientData))
	var ide *model.InsufficientDataError
	require.True(t, errors.As(err, &ide))
	assert.Equal(t, []string{model.AttrPrice}, ide.Missing)

	_, _, err = r.Compute(model.Attributes{Price: f64(100000)})
	require.True(t, errors.As(err, &ide))
	assert.Equal(t, []string{model.AttrRentEstimate}, ide.Missing)
}

func TestFlip_Compute(t *testing.T) {
	f := NewFlip(StrategyParams{})

	tests := []struct {
		name string
		a    model.Attributes
		want float64
		arv  string
	}{
		{"last sale arv", model.Attributes{Price: f64(100000), LastSalePrice: f64(120000), Sqft: intp(1000)}, 14.6, "last_sale_price*appreciation"},
		{"markup arv", model.Attributes{Price: f64(200000)}, 7.5, "price*arv_markup"},
		{"underwater", model.Attributes{Price: f64(200000), LastSalePrice: f64(100000)}, -53.5, "last_sale_price*appreciation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, exp, err := f.Compute(tt.a)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, score, 0.001)
			assert.Equal(t, tt.arv, exp["arv_rule"])
		})
	}

	_, _, err := f.Compute(model.Attributes{Sqft: intp(1000)})
	assert.True(t, errors.Is(err, model.ErrInsufficientData))
}

func TestFlip_RehabFloor(t *testing.T) {
	f := NewFlip(StrategyParams{Values: map[string]float64{"rehab_per_sqft": 20, "rehab_min": 10000}})
	_, exp, err := f.Compute(model.Attributes{Price: f64(100000), Sqft: intp(2000)})
	require.NoError(t, err)
	assert.Equal(t, 40000.0, exp["rehab"])

	_, exp, err = f.Compute(model.Attributes{Price: f64(100000), Sqft: intp(100)})
	require.NoError(t, err)
	assert.Equal(t, 10000.0, exp["rehab"])
}
