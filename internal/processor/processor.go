// Package processor turns validated raw ticks into the enriched
// UnderlyingBar/OptionSnapshot shapes the batcher publishes, routing by
// instrument segment and enriching options with Greeks when a fresh
// underlying price is available.
package processor

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/greeks"
	"github.com/aristath/marketstream/internal/marketcalendar"
	"github.com/aristath/marketstream/internal/validator"
	"github.com/rs/zerolog"
)

// InstrumentLookup resolves a broker instrument token to its contract
// metadata. Satisfied by *internal/instruments.Registry.
type InstrumentLookup interface {
	Lookup(ctx context.Context, token int64, now time.Time) (domain.Instrument, bool, error)
}

// Sinks are where the processor emits its two output shapes. Normally
// wired to internal/batcher.TickBatcher.AddUnderlying/AddOption.
type Sinks struct {
	EmitUnderlying func(domain.UnderlyingBar)
	EmitOption     func(domain.OptionSnapshot)
}

// Stats are the processor's lifetime counters, for health/metrics
// reporting.
type Stats struct {
	Processed               int64
	Dropped                 int64
	UnresolvedInstrument    int64
	ExpiredSkipped          int64
	GreeksMissingUnderlying int64
}

type underlyingQuote struct {
	price      float64
	observedAt time.Time
}

// Processor is the TickProcessor: validate, route, enrich, emit. It never
// returns an error to its caller; per-tick failures are caught, counted,
// logged at debug, and processing continues with the next tick.
type Processor struct {
	instruments InstrumentLookup
	validator   *validator.TickValidator
	greeks      *greeks.Calculator
	sinks       Sinks
	log         zerolog.Logger

	mu               sync.Mutex
	lastUnderlying   map[string]underlyingQuote
	lastTickAtByAcct map[string]time.Time
	stats            Stats
}

// New constructs a Processor.
func New(instruments InstrumentLookup, v *validator.TickValidator, calc *greeks.Calculator, sinks Sinks, log zerolog.Logger) *Processor {
	return &Processor{
		instruments:      instruments,
		validator:        v,
		greeks:           calc,
		sinks:            sinks,
		log:              log.With().Str("component", "tick_processor").Logger(),
		lastUnderlying:   make(map[string]underlyingQuote),
		lastTickAtByAcct: make(map[string]time.Time),
	}
}

// Process validates and routes one batch of raw ticks for accountID.
func (p *Processor) Process(ctx context.Context, accountID string, ticks []domain.TickFrame, now time.Time) {
	result, err := p.validator.Validate(ticks, now)
	if err != nil {
		// Strict-mode abort: the whole batch is thrown away, but this is
		// still not an error the caller needs to act on beyond logging.
		p.log.Debug().Err(err).Str("account_id", accountID).Msg("batch rejected by strict validator")
		p.mu.Lock()
		p.stats.Dropped += int64(len(ticks))
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.stats.Dropped += int64(result.Dropped)
	p.lastTickAtByAcct[accountID] = now
	p.mu.Unlock()

	marketDate := marketcalendar.MarketDate(now)

	for _, tick := range result.Valid {
		p.processOne(ctx, tick, now, marketDate)
	}
}

func (p *Processor) processOne(ctx context.Context, tick domain.TickFrame, now, marketDate time.Time) {
	inst, ok, err := p.instruments.Lookup(ctx, tick.InstrumentToken, now)
	if err != nil || !ok {
		p.mu.Lock()
		p.stats.UnresolvedInstrument++
		p.mu.Unlock()
		p.log.Debug().Int64("instrument_token", tick.InstrumentToken).Msg("tick for unresolved instrument token")
		return
	}

	if inst.IsExpired(marketDate) {
		p.mu.Lock()
		p.stats.ExpiredSkipped++
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.stats.Processed++
	p.mu.Unlock()

	if inst.Segment.IsUnderlying() {
		p.routeUnderlying(inst, tick, now)
		return
	}
	p.routeOption(inst, tick, now)
}

func (p *Processor) routeUnderlying(inst domain.Instrument, tick domain.TickFrame, now time.Time) {
	// Futures carry a contract-decorated trading symbol (NIFTY25NOVFUT);
	// the registry's underlying symbol is the canonical root that option
	// ticks will look up, so prefer it when present.
	symbol := inst.UnderlyingSymbol
	if symbol == "" {
		symbol = inst.TradingSymbol
	}
	symbol = normalizeSymbol(symbol)

	p.mu.Lock()
	p.lastUnderlying[symbol] = underlyingQuote{price: tick.LastPrice, observedAt: now}
	p.mu.Unlock()

	if p.sinks.EmitUnderlying == nil {
		return
	}
	p.sinks.EmitUnderlying(domain.UnderlyingBar{
		Symbol:    symbol,
		LastPrice: tick.LastPrice,
		Volume:    tick.Volume,
		Close:     tick.LastPrice,
		Timestamp: now,
	})
}

func (p *Processor) routeOption(inst domain.Instrument, tick domain.TickFrame, now time.Time) {
	snap := domain.OptionSnapshot{
		InstrumentToken:  inst.InstrumentToken,
		TradingSymbol:    inst.TradingSymbol,
		UnderlyingSymbol: normalizeSymbol(inst.UnderlyingSymbol),
		Strike:           inst.Strike,
		OptionType:       inst.OptionType,
		LastPrice:        tick.LastPrice,
		Volume:           tick.Volume,
		OI:               tick.OI,
		Depth:            normalizeDepth(tick.Depth),
		Timestamp:        now,
	}
	if inst.Expiry != nil {
		snap.Expiry = *inst.Expiry
	}

	p.mu.Lock()
	quote, known := p.lastUnderlying[snap.UnderlyingSymbol]
	p.mu.Unlock()

	if !known {
		p.mu.Lock()
		p.stats.GreeksMissingUnderlying++
		p.mu.Unlock()
		if p.sinks.EmitOption != nil {
			p.sinks.EmitOption(snap)
		}
		return
	}

	snap.Spot = quote.price
	snap = p.greeks.Enrich(snap, quote.observedAt, now)

	if p.sinks.EmitOption != nil {
		p.sinks.EmitOption(snap)
	}
}

// normalizeDepth copies a possibly-nil, possibly-short MarketDepth into a
// value that always carries exactly five bid/ask levels, the missing ones
// left at their zero value.
func normalizeDepth(d *domain.MarketDepth) domain.MarketDepth {
	if d == nil {
		return domain.MarketDepth{}
	}
	return *d
}

// Stats returns a snapshot of the processor's lifetime counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// LastTickAt returns when accountID's stream last delivered a batch, and
// whether any batch has been observed yet.
func (p *Processor) LastTickAt(accountID string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.lastTickAtByAcct[accountID]
	return t, ok
}
