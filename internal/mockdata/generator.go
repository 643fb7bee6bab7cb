package mockdata

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/greeks"
	"github.com/aristath/marketstream/internal/marketcalendar"
)

// GeneratorConfig bounds the synthetic random walk.
type GeneratorConfig struct {
	DailyRangePct float64 // clamp on cumulative daily move, e.g. 0.03 for +-3%
	VolNoisePct   float64 // option price noise scale relative to theoretical price
	RiskFreeRate  float64
}

// Generator produces realistic synthetic underlying bars and option
// snapshots for development/testing when mock mode is enabled and the
// market is closed. All state mutation is serialized by a single mutex;
// readers (via Cache.Get) never block on a writer since each update
// rebuilds an immutable Snapshot value rather than mutating one in place.
type Generator struct {
	cfg   GeneratorConfig
	cache *Cache
	rng   *rand.Rand

	mu        sync.Mutex
	dayOpen   map[string]float64 // underlying symbol -> today's opening reference price
	marketDay time.Time
}

// NewGenerator constructs a Generator backed by cache. seed fixes the PRNG
// so repeated runs against the same inputs are reproducible in tests.
func NewGenerator(cfg GeneratorConfig, cache *Cache, seed int64) *Generator {
	if cfg.DailyRangePct <= 0 {
		cfg.DailyRangePct = 0.03
	}
	if cfg.VolNoisePct <= 0 {
		cfg.VolNoisePct = 0.01
	}
	return &Generator{
		cfg:     cfg,
		cache:   cache,
		rng:     rand.New(rand.NewSource(seed)),
		dayOpen: make(map[string]float64),
	}
}

// UnderlyingBar advances (or seeds, on the first call of a new market day)
// symbol's synthetic price with a mean-reverting Brownian increment
// clamped to the configured daily range, stores it in the cache keyed by
// token, and returns the new bar.
func (g *Generator) UnderlyingBar(token int64, symbol string, basePrice float64, now time.Time) domain.UnderlyingBar {
	g.mu.Lock()
	defer g.mu.Unlock()

	marketDay := marketcalendar.MarketDate(now)
	if !marketDay.Equal(g.marketDay) {
		g.marketDay = marketDay
		g.dayOpen = make(map[string]float64)
	}

	open, ok := g.dayOpen[symbol]
	if !ok {
		open = basePrice
		g.dayOpen[symbol] = open
	}

	prevSnap, _ := g.cache.Get(token)
	last := open
	if prevSnap.Underlying != nil {
		last = prevSnap.Underlying.LastPrice
	}

	// Mean-reverting increment: pulls toward the day's open, plus noise.
	meanReversion := (open - last) * 0.05
	noise := g.rng.NormFloat64() * open * 0.0015
	next := last + meanReversion + noise

	clampLow := open * (1 - g.cfg.DailyRangePct)
	clampHigh := open * (1 + g.cfg.DailyRangePct)
	next = math.Max(clampLow, math.Min(clampHigh, next))

	bar := domain.UnderlyingBar{
		Symbol:    symbol,
		LastPrice: next,
		Volume:    int64(g.rng.Intn(10000) + 1000),
		Open:      open,
		High:      math.Max(open, next),
		Low:       math.Min(open, next),
		Close:     next,
		Timestamp: now,
	}

	g.cache.Put(token, Snapshot{InstrumentToken: token, Underlying: &bar}, marketcalendar.MarketDate(now))
	return bar
}

// OptionSnapshot recomputes a synthetic option price from the latest
// underlying snapshot: theoretical Black-Scholes value plus small
// volatility-scaled noise, rounded to the instrument's tick size.
func (g *Generator) OptionSnapshot(inst domain.Instrument, spot float64, impliedVol float64, now time.Time) domain.OptionSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := 0.0
	if inst.Expiry != nil {
		t = marketcalendar.YearFraction(now, marketcalendar.ExpiryClose(*inst.Expiry))
	}
	theoretical := greeks.Price(spot, inst.Strike, t, impliedVol, g.cfg.RiskFreeRate, inst.OptionType)

	noise := g.rng.NormFloat64() * theoretical * g.cfg.VolNoisePct
	price := theoretical + noise
	if inst.TickSize > 0 {
		price = math.Round(price/inst.TickSize) * inst.TickSize
	}
	if price < 0 {
		price = 0
	}

	snap := domain.OptionSnapshot{
		InstrumentToken:  inst.InstrumentToken,
		UnderlyingSymbol: inst.UnderlyingSymbol,
		Strike:           inst.Strike,
		OptionType:       inst.OptionType,
		LastPrice:        price,
		Volume:           int64(g.rng.Intn(500) + 1),
		Spot:             spot,
		Timestamp:        now,
	}
	if inst.Expiry != nil {
		snap.Expiry = *inst.Expiry
	}

	g.cache.Put(inst.InstrumentToken, Snapshot{InstrumentToken: inst.InstrumentToken, Expiry: inst.Expiry, Option: &snap}, marketcalendar.MarketDate(now))
	return snap
}
