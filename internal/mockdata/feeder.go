package mockdata

import (
	"context"
	"time"

	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/marketcalendar"
	"github.com/rs/zerolog"
)

// feedInterval is how often the feeder regenerates synthetic ticks while
// active. Kept well above the live tick rate since this is a dev/testing
// fallback, not a latency-sensitive path.
const feedInterval = 1 * time.Second

// Sink is the subset of batcher.TickBatcher the feeder writes synthetic
// ticks into, so they flow through the same dedup/flush/publish path as a
// live broker tick.
type Sink interface {
	AddUnderlying(domain.UnderlyingBar)
	AddOption(domain.OptionSnapshot)
}

// InstrumentSource is the subset of instruments.Registry the feeder needs
// to discover which underlyings and options are currently subscribed.
type InstrumentSource interface {
	All(ctx context.Context, now time.Time) ([]domain.Instrument, error)
}

// FeederConfig controls the synthetic feed.
type FeederConfig struct {
	Enabled           bool // mirrors config.Config.MockDataEnabled
	DefaultImpliedVol float64
	SeedPrices        map[string]float64 // underlying trading symbol -> opening reference price
}

// Feeder generates synthetic underlying bars and option snapshots once per
// feedInterval and pushes them into Sink, but only when SafeToServe allows
// it (mock mode enabled AND market closed). It never runs during market
// hours regardless of configuration, so a forgotten flag can't corrupt a
// live session.
type Feeder struct {
	cfg         FeederConfig
	gen         *Generator
	instruments InstrumentSource
	sink        Sink
	log         zerolog.Logger
}

// NewFeeder constructs a Feeder backed by gen (sharing its Cache with any
// RunSweeper instance) and instruments for the current subscription set.
func NewFeeder(cfg FeederConfig, gen *Generator, instruments InstrumentSource, sink Sink, log zerolog.Logger) *Feeder {
	if cfg.DefaultImpliedVol <= 0 {
		cfg.DefaultImpliedVol = 0.2
	}
	return &Feeder{
		cfg:         cfg,
		gen:         gen,
		instruments: instruments,
		sink:        sink,
		log:         log.With().Str("component", "mockdata_feeder").Logger(),
	}
}

// Run drives the synthetic feed until ctx is cancelled. Intended to be
// launched via reliability.TaskMonitor.Spawn alongside RunSweeper. The
// enabled/market-closed gate is applied per instrument inside tick, not
// here, since SafeToServe is segment-specific and one tick can cover
// several segments at once.
func (f *Feeder) Run(ctx context.Context) error {
	ticker := time.NewTicker(feedInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if !f.cfg.Enabled {
				continue
			}
			f.tick(ctx, now)
		}
	}
}

func (f *Feeder) tick(ctx context.Context, now time.Time) {
	instruments, err := f.instruments.All(ctx, now)
	if err != nil {
		f.log.Warn().Err(err).Msg("failed to list instruments for synthetic feed")
		return
	}

	marketDate := marketcalendar.MarketDate(now)
	spotBySymbol := make(map[string]float64)

	for _, inst := range instruments {
		if !inst.Segment.IsUnderlying() || !SafeToServe(f.cfg.Enabled, inst.Segment, now) {
			continue
		}
		base, ok := f.cfg.SeedPrices[inst.TradingSymbol]
		if !ok || base <= 0 {
			continue
		}
		bar := f.gen.UnderlyingBar(inst.InstrumentToken, inst.TradingSymbol, base, now)
		spotBySymbol[inst.TradingSymbol] = bar.LastPrice
		f.sink.AddUnderlying(bar)
	}

	for _, inst := range instruments {
		if inst.Segment != domain.SegmentOptions || inst.IsExpired(marketDate) {
			continue
		}
		if !SafeToServe(f.cfg.Enabled, inst.Segment, now) {
			continue
		}
		spot, ok := spotBySymbol[inst.UnderlyingSymbol]
		if !ok {
			continue
		}
		snap := f.gen.OptionSnapshot(inst, spot, f.cfg.DefaultImpliedVol, now)
		f.sink.AddOption(snap)
	}
}
