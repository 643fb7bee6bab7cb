// Package historical performs the one-shot per-account candle backfill
// that runs the first time an account's streaming session starts in a
// process lifetime.
package historical

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/marketstream/internal/broker"
	"github.com/aristath/marketstream/internal/domain"
	"github.com/rs/zerolog"
)

// Bar is one OHLCV candle returned by the broker's historical API.
type Bar struct {
	InstrumentToken int64
	Timestamp       time.Time
	Open            float64
	High            float64
	Low             float64
	Close           float64
	Volume          int64
}

// Source is the broker HTTP collaborator that supplies historical candles.
// Out of scope for this package: the bootstrapper only ever consumes this
// interface, batching calls and staying under the account's lease.
type Source interface {
	FetchCandles(ctx context.Context, accountID string, instrument domain.Instrument, from, to time.Time, batchSize int) ([]Bar, error)
}

// Archiver persists a completed backfill batch somewhere durable (S3/R2).
// Optional: a nil Archiver simply skips archival.
type Archiver interface {
	Archive(ctx context.Context, accountID string, instrumentToken int64, bars []Bar) error
}

// Config bounds the bootstrapper's backfill window and batching.
type Config struct {
	BackfillDays int // trading days of history to fetch per instrument
	BatchSize    int // bars requested per broker API call
}

func (c Config) withDefaults() Config {
	if c.BackfillDays <= 0 {
		c.BackfillDays = 5
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 2000
	}
	return c
}

// Bootstrapper is the HistoricalBootstrapper: it runs once per account per
// process lifetime, fetching BackfillDays of history for every assigned
// instrument under the account's SessionOrchestrator lease, and optionally
// archiving each batch. Failures are logged and best-effort: a backfill
// error never blocks that account's streaming session from starting.
type Bootstrapper struct {
	cfg    Config
	source Source
	orch   *broker.SessionOrchestrator
	arch   Archiver
	log    zerolog.Logger

	mu   sync.Mutex
	done map[string]bool
}

// New constructs a Bootstrapper. arch may be nil to skip archival.
func New(cfg Config, source Source, orch *broker.SessionOrchestrator, arch Archiver, log zerolog.Logger) *Bootstrapper {
	return &Bootstrapper{
		cfg:    cfg.withDefaults(),
		source: source,
		orch:   orch,
		arch:   arch,
		log:    log.With().Str("component", "historical_bootstrapper").Logger(),
		done:   make(map[string]bool),
	}
}

// Done reports whether accountID's backfill has already run this process
// lifetime.
func (b *Bootstrapper) Done(accountID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done[accountID]
}

// ResetDone clears accountID's bootstrap_done flag, an explicit
// administrative action to force a re-run on the next Run call.
func (b *Bootstrapper) ResetDone(accountID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.done, accountID)
}

// Run backfills every instrument in instruments for accountID, under a
// SessionOrchestrator lease. A no-op if Done(accountID) is already true.
// Marks accountID done regardless of per-instrument errors: best-effort
// backfill never retries indefinitely on its own.
func (b *Bootstrapper) Run(ctx context.Context, accountID string, instruments []domain.Instrument, now time.Time) error {
	if b.Done(accountID) {
		return nil
	}

	lease, err := b.orch.Lease(ctx, accountID)
	if err != nil {
		return fmt.Errorf("lease account %s for backfill: %w", accountID, err)
	}
	defer lease.Release()

	from := now.AddDate(0, 0, -b.cfg.BackfillDays)

	var failures int
	for _, inst := range instruments {
		bars, err := b.source.FetchCandles(ctx, accountID, inst, from, now, b.cfg.BatchSize)
		if err != nil {
			failures++
			b.log.Warn().Err(err).Str("account_id", accountID).Int64("instrument_token", inst.InstrumentToken).
				Msg("historical backfill failed for instrument, continuing")
			continue
		}
		if b.arch != nil && len(bars) > 0 {
			if err := b.arch.Archive(ctx, accountID, inst.InstrumentToken, bars); err != nil {
				b.log.Warn().Err(err).Str("account_id", accountID).Int64("instrument_token", inst.InstrumentToken).
					Msg("historical archive upload failed")
			}
		}
	}

	b.mu.Lock()
	b.done[accountID] = true
	b.mu.Unlock()

	b.log.Info().Str("account_id", accountID).Int("instruments", len(instruments)).Int("failures", failures).
		Msg("historical backfill completed")
	return nil
}
