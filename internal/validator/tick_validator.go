// Package validator screens raw broker ticks before they enter the
// processing pipeline.
package validator

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/aristath/marketstream/internal/domain"
	"github.com/rs/zerolog"
)

// Mode selects how TickValidator reacts to an invalid tick.
type Mode int

const (
	// Lenient drops invalid ticks individually, counting and sampling a
	// warning, and keeps the rest of the batch.
	Lenient Mode = iota
	// Strict aborts the entire batch for the account on the first invalid
	// tick found.
	Strict
)

// Config bounds what counts as a sane tick.
type Config struct {
	Mode           Mode
	MaxPrice       float64 // sanity ceiling; prevents a corrupt feed from poisoning downstream state
	WarnSampleRate int     // log a warning on every Nth dropped tick (lenient mode); 0 disables the warning entirely
}

// TickValidator filters a batch of raw ticks against segment-independent
// sanity bounds: positive finite last_price under a ceiling, non-negative
// volume/oi, and a non-pathological timestamp. It never mutates its input.
type TickValidator struct {
	cfg Config
	log zerolog.Logger

	dropCount int64
}

// New constructs a TickValidator. A zero MaxPrice defaults to 10,000,000
// (arbitrarily above any real NSE instrument's price, but finite so a
// corrupted float doesn't silently pass through).
func New(cfg Config, log zerolog.Logger) *TickValidator {
	if cfg.MaxPrice <= 0 {
		cfg.MaxPrice = 10_000_000
	}
	return &TickValidator{cfg: cfg, log: log.With().Str("component", "tick_validator").Logger()}
}

// Err describes why a single tick was rejected.
type Err struct {
	InstrumentToken int64
	Reason          string
}

func (e *Err) Error() string {
	return fmt.Sprintf("tick %d invalid: %s", e.InstrumentToken, e.Reason)
}

func (v *TickValidator) check(tick domain.TickFrame, now time.Time) error {
	if math.IsNaN(tick.LastPrice) || math.IsInf(tick.LastPrice, 0) {
		return &Err{tick.InstrumentToken, "last_price is not finite"}
	}
	if tick.LastPrice <= 0 {
		return &Err{tick.InstrumentToken, "last_price not positive"}
	}
	if tick.LastPrice > v.cfg.MaxPrice {
		return &Err{tick.InstrumentToken, "last_price exceeds sanity ceiling"}
	}
	if tick.Volume < 0 {
		return &Err{tick.InstrumentToken, "negative volume"}
	}
	if tick.HasOI && tick.OI < 0 {
		return &Err{tick.InstrumentToken, "negative open interest"}
	}
	if tick.Timestamp.IsZero() {
		return &Err{tick.InstrumentToken, "zero timestamp"}
	}
	// A tick timestamped more than a day ahead of "now" is almost certainly
	// a broker clock glitch rather than a legitimate future print.
	if tick.Timestamp.After(now.Add(24 * time.Hour)) {
		return &Err{tick.InstrumentToken, "timestamp implausibly far in the future"}
	}
	return nil
}

// Result is the outcome of validating one batch.
type Result struct {
	Valid   []domain.TickFrame
	Dropped int
}

// Validate filters ticks according to the configured mode. In Lenient mode
// it returns every valid tick plus a count of how many were dropped; in
// Strict mode a single invalid tick aborts the whole batch (err is
// non-nil, Valid is nil).
func (v *TickValidator) Validate(ticks []domain.TickFrame, now time.Time) (Result, error) {
	valid := make([]domain.TickFrame, 0, len(ticks))
	dropped := 0

	for _, tick := range ticks {
		if err := v.check(tick, now); err != nil {
			if v.cfg.Mode == Strict {
				return Result{}, err
			}
			dropped++
			total := atomic.AddInt64(&v.dropCount, 1)
			if v.cfg.WarnSampleRate > 0 && (total-1)%int64(v.cfg.WarnSampleRate) == 0 {
				v.log.Warn().Err(err).Int64("total_dropped", total).Msg("dropping invalid tick")
			}
			continue
		}
		valid = append(valid, tick)
	}

	return Result{Valid: valid, Dropped: dropped}, nil
}

// DropCount returns the lifetime count of ticks dropped by this validator,
// for health/metrics reporting. Safe to call concurrently with Validate:
// this validator is shared across every account's OnTicks goroutine, so
// the counter is atomic rather than mutex-guarded like the neighbouring
// Processor's stats.
func (v *TickValidator) DropCount() int64 {
	return atomic.LoadInt64(&v.dropCount)
}
