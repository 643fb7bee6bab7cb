package greeks

import (
	"math"
	"testing"

	"github.com/aristath/marketstream/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestPrice_ZeroTimeIsIntrinsic(t *testing.T) {
	assert.Equal(t, 50.0, Price(150, 100, 0, 0.2, 0.05, domain.OptionTypeCall))
	assert.Equal(t, 0.0, Price(150, 100, 0, 0.2, 0.05, domain.OptionTypePut))
}

func TestPrice_ZeroVolIsIntrinsic(t *testing.T) {
	assert.Equal(t, 50.0, Price(150, 100, 1.0, 0, 0.05, domain.OptionTypeCall))
}

func TestGreeks_ZeroTimeIsAllZero(t *testing.T) {
	g := Greeks(150, 100, 0, 0.2, 0.05, domain.OptionTypeCall)
	assert.Equal(t, Result{Price: 50.0}, g)
}

func TestGreeks_ZeroVolDeltaSteps(t *testing.T) {
	itm := Greeks(150, 100, 1.0, 0, 0.05, domain.OptionTypeCall)
	assert.Equal(t, 1.0, itm.Delta)
	assert.Equal(t, 0.0, itm.Gamma)

	otm := Greeks(80, 100, 1.0, 0, 0.05, domain.OptionTypeCall)
	assert.Equal(t, 0.0, otm.Delta)

	itmPut := Greeks(80, 100, 1.0, 0, 0.05, domain.OptionTypePut)
	assert.Equal(t, -1.0, itmPut.Delta)
}

func TestGreeks_CallDeltaInUnitRange(t *testing.T) {
	g := Greeks(100, 100, 0.5, 0.25, 0.05, domain.OptionTypeCall)
	assert.Greater(t, g.Delta, 0.0)
	assert.Less(t, g.Delta, 1.0)
	assert.Greater(t, g.Gamma, 0.0)
	assert.Greater(t, g.Vega, 0.0)
}

func TestImpliedVol_RoundTrips(t *testing.T) {
	const spot, strike, tYears, rate = 100.0, 95.0, 0.5, 0.03
	const trueVol = 0.28

	price := Price(spot, strike, tYears, trueVol, rate, domain.OptionTypeCall)

	iv, ok := ImpliedVol(price, spot, strike, tYears, rate, domain.OptionTypeCall)
	assert.True(t, ok)
	assert.InDelta(t, trueVol, iv, 1e-4)
}

func TestImpliedVol_BelowIntrinsicIsUndefined(t *testing.T) {
	// Deep ITM call priced below intrinsic value cannot correspond to any vol.
	iv, ok := ImpliedVol(1.0, 150, 100, 0.5, 0.05, domain.OptionTypeCall)
	assert.False(t, ok)
	assert.True(t, math.IsNaN(iv))
}

func TestImpliedVol_ExpiredIsUndefined(t *testing.T) {
	iv, ok := ImpliedVol(10, 100, 100, 0, 0.05, domain.OptionTypeCall)
	assert.False(t, ok)
	assert.Equal(t, 0.0, iv)
}
