package greeks

import (
	"sync"
	"time"

	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/marketcalendar"
)

// Config configures the GreeksCalculator's risk-free rate and staleness
// policy.
type Config struct {
	RiskFreeRate     float64       // continuous-compounding annual rate
	MaxUnderlyingAge time.Duration // reject enrichment if the underlying quote is older than this
}

// yearFractionKey caches YearFraction per (expiry, current-minute) since
// the minute-granular market-calendar walk is the most expensive part of
// pricing a single option and is identical for every strike sharing an
// expiry within the same minute.
type yearFractionKey struct {
	expiry       time.Time
	minuteBucket int64
}

// Calculator is the pricing engine GreeksCalculator component: Black-Scholes
// with a configurable risk-free rate, IV solved by Newton-Raphson, and a
// year-fraction cache keyed by (expiry, current-minute) so a chain of
// hundreds of strikes sharing an expiry doesn't re-walk the trading
// calendar for each one.
type Calculator struct {
	cfg Config

	mu            sync.Mutex
	yearFracCache map[yearFractionKey]float64
}

// NewCalculator constructs a Calculator. A zero-value RiskFreeRate is legal
// but unusual; callers normally wire this from configuration.
func NewCalculator(cfg Config) *Calculator {
	if cfg.MaxUnderlyingAge <= 0 {
		cfg.MaxUnderlyingAge = 2 * time.Second
	}
	return &Calculator{cfg: cfg, yearFracCache: make(map[yearFractionKey]float64)}
}

// yearFraction returns the cached T for (expiry, now), computing and
// memoizing it on a cache miss.
func (c *Calculator) yearFraction(now, expiry time.Time) float64 {
	key := yearFractionKey{expiry: expiry, minuteBucket: now.Unix() / 60}

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.yearFracCache[key]; ok {
		return v
	}

	// Cache is intentionally unbounded within a minute bucket's lifetime;
	// buckets for past minutes are never looked up again and the map is
	// small relative to tick volume, so no eviction is needed here.
	v := marketcalendar.YearFraction(now, marketcalendar.ExpiryClose(expiry))
	c.yearFracCache[key] = v
	return v
}

// Enrich prices an OptionSnapshot's Greeks from its strike/expiry/spot and
// an observed option price. It returns the snapshot with GreeksOK set and
// the Greeks fields populated when enrichment succeeds, or the snapshot
// unchanged with GreeksOK=false when the underlying is too stale, T<=0 in a
// way that makes the option already expired, or implied vol fails to
// converge. Never returns an error: the contract is "enrich or skip",
// matching the "never block streaming" rule shared with RedisPublisher.
func (c *Calculator) Enrich(snap domain.OptionSnapshot, underlyingObservedAt time.Time, now time.Time) domain.OptionSnapshot {
	if now.Sub(underlyingObservedAt) > c.cfg.MaxUnderlyingAge {
		snap.GreeksOK = false
		return snap
	}

	t := c.yearFraction(now, snap.Expiry)
	iv, ok := ImpliedVol(snap.LastPrice, snap.Spot, snap.Strike, t, c.cfg.RiskFreeRate, snap.OptionType)
	if !ok {
		snap.GreeksOK = false
		return snap
	}

	g := Greeks(snap.Spot, snap.Strike, t, iv, c.cfg.RiskFreeRate, snap.OptionType)
	snap.GreeksOK = true
	snap.IV = iv
	snap.Delta = g.Delta
	snap.Gamma = g.Gamma
	snap.Theta = g.Theta
	snap.Vega = g.Vega
	return snap
}
