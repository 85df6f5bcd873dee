package sizing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantityFor_MediumBand(t *testing.T) {
	// allocation cap 3 lots, risk cap floor(3500/30/75) = 1 lot
	qty := QuantityFor(100_000, 100, 75, 1)
	assert.Equal(t, int64(75), qty)
	assert.Zero(t, qty%75)
	assert.LessOrEqual(t, qty, int64(225))
}

func TestQuantityFor_ScaleMultiplier(t *testing.T) {
	base := QuantityFor(100_000, 100, 75, 1)
	scaled := QuantityFor(100_000, 100, 75, 2)
	assert.Equal(t, base*2, scaled)

	// the multiplier is rounded before it is applied
	assert.Equal(t, base*2, QuantityFor(100_000, 100, 75, 1.5))
	assert.Equal(t, base*2, QuantityFor(100_000, 100, 75, 2.4))
	assert.Equal(t, base, QuantityFor(100_000, 100, 75, 1.49))

	// multipliers below 1 never shrink the position
	assert.Equal(t, base, QuantityFor(100_000, 100, 75, 0.25))
	assert.Equal(t, base, QuantityFor(100_000, 100, 75, math.NaN()))
}

func TestQuantityFor_NotionalCappedAtEquity(t *testing.T) {
	qty := QuantityFor(100_000, 100, 75, 1000)
	require.Positive(t, qty)
	assert.LessOrEqual(t, float64(qty)*100, 100_000.0)
	assert.Zero(t, qty%75)
}

func TestQuantityFor_InvalidInputs(t *testing.T) {
	cases := []struct {
		name   string
		equity float64
		price  float64
		lot    int64
	}{
		{"zero equity", 0, 100, 75},
		{"negative equity", -10, 100, 75},
		{"zero price", 100_000, 0, 75},
		{"zero lot", 100_000, 100, 0},
		{"nan price", 100_000, math.NaN(), 75},
		{"inf equity", math.Inf(1), 100, 75},
		{"one lot unaffordable", 5_000, 100, 75},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Zero(t, QuantityFor(tc.equity, tc.price, tc.lot, 1))
		})
	}
}

func TestBandFor(t *testing.T) {
	a := NewAllocator(nil, 0)
	assert.Equal(t, "small", a.BandFor(49_999).Name)
	assert.Equal(t, "medium", a.BandFor(50_000).Name)
	assert.Equal(t, "large", a.BandFor(500_000).Name)
	assert.Equal(t, "very_large", a.BandFor(5_000_000).Name)
}

func TestQuantityFor_AlwaysLotMultiple(t *testing.T) {
	for _, equity := range []float64{20_000, 75_000, 300_000, 2_500_000} {
		for _, price := range []float64{12.5, 80, 240} {
			qty := QuantityFor(equity, price, 50, 1.5)
			assert.Zero(t, qty%50, "equity=%v price=%v", equity, price)
			assert.LessOrEqual(t, float64(qty)*price, equity)
		}
	}
}
