// Package greeks prices European options and their Greeks under
// Black-Scholes with continuous compounding, and solves implied volatility
// by Newton-Raphson. All functions are pure and allocation-free so the
// processor can call them inline on the hot tick path.
package greeks

import (
	"math"

	"github.com/aristath/marketstream/internal/domain"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	ivInitialGuess  = 0.3
	ivMinVol        = 0.001
	ivMaxVol        = 5.0
	ivMaxIterations = 100
	ivTolerance     = 1e-6
)

var standardNormal = distuv.Normal{Mu: 0, Sigma: 1}

// Result is the price plus the five standard Greeks.
type Result struct {
	Price float64
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
	Rho   float64
}

// d1d2 computes the two Black-Scholes auxiliary terms. Callers must ensure
// T > 0 and sigma > 0; the zero-T and zero-sigma edge cases are handled by
// callers before this is reached.
func d1d2(spot, strike, t, sigma, r float64) (d1, d2 float64) {
	d1 = (math.Log(spot/strike) + (r+0.5*sigma*sigma)*t) / (sigma * math.Sqrt(t))
	d2 = d1 - sigma*math.Sqrt(t)
	return
}

func intrinsic(spot, strike float64, optType domain.OptionType) float64 {
	if optType == domain.OptionTypePut {
		return math.Max(strike-spot, 0)
	}
	return math.Max(spot-strike, 0)
}

// Price returns the Black-Scholes fair value of a European option.
//
// Edge cases per contract: T <= 0 collapses to intrinsic value; sigma <= 0
// collapses to intrinsic value as well (a zero-vol option is worth exactly
// its intrinsic value at expiry under the risk-neutral measure).
func Price(spot, strike, t, sigma, r float64, optType domain.OptionType) float64 {
	if t <= 0 || sigma <= 0 {
		return intrinsic(spot, strike, optType)
	}

	d1, d2 := d1d2(spot, strike, t, sigma, r)
	disc := math.Exp(-r * t)

	if optType == domain.OptionTypePut {
		return strike*disc*standardNormal.CDF(-d2) - spot*standardNormal.CDF(-d1)
	}
	return spot*standardNormal.CDF(d1) - strike*disc*standardNormal.CDF(d2)
}

// Greeks computes delta, gamma, theta, vega and rho for a European option.
//
// T <= 0: all Greeks are zero (the position no longer has time value).
// sigma <= 0: delta steps to {0,1} depending on moneyness, all other
// Greeks are zero (a zero-vol option's payoff is a step function of spot).
func Greeks(spot, strike, t, sigma, r float64, optType domain.OptionType) Result {
	price := Price(spot, strike, t, sigma, r, optType)

	if t <= 0 {
		return Result{Price: price}
	}

	if sigma <= 0 {
		delta := 0.0
		inTheMoney := spot > strike
		if optType == domain.OptionTypePut {
			inTheMoney = spot < strike
		}
		if inTheMoney {
			delta = 1.0
			if optType == domain.OptionTypePut {
				delta = -1.0
			}
		}
		return Result{Price: price, Delta: delta}
	}

	d1, d2 := d1d2(spot, strike, t, sigma, r)
	disc := math.Exp(-r * t)
	pdfD1 := standardNormal.Prob(d1)
	sqrtT := math.Sqrt(t)

	gamma := pdfD1 / (spot * sigma * sqrtT)
	vega := spot * pdfD1 * sqrtT / 100 // per 1% vol move, matching standard quoting convention

	var delta, theta, rho float64
	if optType == domain.OptionTypePut {
		delta = standardNormal.CDF(d1) - 1
		theta = (-(spot*pdfD1*sigma)/(2*sqrtT) + r*strike*disc*standardNormal.CDF(-d2)) / 365
		rho = -strike * t * disc * standardNormal.CDF(-d2) / 100
	} else {
		delta = standardNormal.CDF(d1)
		theta = (-(spot*pdfD1*sigma)/(2*sqrtT) - r*strike*disc*standardNormal.CDF(d2)) / 365
		rho = strike * t * disc * standardNormal.CDF(d2) / 100
	}

	return Result{Price: price, Delta: delta, Gamma: gamma, Theta: theta, Vega: vega, Rho: rho}
}

// ImpliedVol solves for the volatility that reprices observedPrice via
// Newton-Raphson, starting from a deterministic initial guess and falling
// back to bisection-style clamping at the [0.001, 5.0] bracket. Returns
// (iv, ok); ok is false when the observed price is below intrinsic value
// (IV is undefined) or the solver fails to converge within the iteration
// budget — callers must never block tick delivery on a non-convergent IV.
func ImpliedVol(observedPrice, spot, strike, t, r float64, optType domain.OptionType) (float64, bool) {
	if t <= 0 {
		return 0, false
	}

	if observedPrice < intrinsic(spot, strike, optType) {
		return math.NaN(), false
	}

	sigma := ivInitialGuess
	for i := 0; i < ivMaxIterations; i++ {
		result := Greeks(spot, strike, t, sigma, r, optType)
		diff := result.Price - observedPrice
		if math.Abs(diff) < ivTolerance {
			return sigma, true
		}

		vega := result.Vega * 100 // undo the per-1% scaling for the Newton step
		if vega < 1e-8 {
			break
		}

		sigma -= diff / vega
		if sigma < ivMinVol {
			sigma = ivMinVol
		}
		if sigma > ivMaxVol {
			sigma = ivMaxVol
		}
	}

	return math.NaN(), false
}
