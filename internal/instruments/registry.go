// Package instruments caches instrument metadata keyed by instrument
// token, refreshed at most once a day (or on demand), with single-flight
// protection so concurrent callers never stampede the broker's instrument
// dump.
package instruments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/marketcalendar"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Source is the broker collaborator that supplies the raw instrument
// dump; the registry only ever consumes this interface, never the HTTP
// client behind it.
type Source interface {
	FetchInstruments(ctx context.Context) ([]domain.Instrument, error)
}

// Config bounds how eagerly the registry refreshes.
type Config struct {
	StalenessInterval time.Duration // refresh if the cache is older than this, independent of the calendar-day trigger
}

// Registry caches domain.Instrument values, refreshing on three triggers:
// first access after an IST calendar-day boundary, age >= StalenessInterval,
// or an explicit admin call. A singleflight.Group
// ensures only one refresh is ever in flight; concurrent callers await it
// instead of each issuing their own broker fetch.
type Registry struct {
	source Source
	cfg    Config
	log    zerolog.Logger

	sf singleflight.Group

	mu            sync.RWMutex
	byToken       map[int64]domain.Instrument
	lastRefresh   time.Time
	lastMarketDay time.Time
}

// New constructs a Registry. The cache starts empty; the first Lookup or
// Refresh call populates it.
func New(source Source, cfg Config, log zerolog.Logger) *Registry {
	if cfg.StalenessInterval <= 0 {
		cfg.StalenessInterval = 24 * time.Hour
	}
	return &Registry{
		source:  source,
		cfg:     cfg,
		log:     log.With().Str("component", "instrument_registry").Logger(),
		byToken: make(map[int64]domain.Instrument),
	}
}

// needsRefreshLocked reports whether the cache should be refreshed before
// serving the next lookup. Caller must hold at least a read lock.
func (r *Registry) needsRefreshLocked(now time.Time) bool {
	if r.lastRefresh.IsZero() {
		return true
	}
	if !marketcalendar.MarketDate(now).Equal(r.lastMarketDay) {
		return true
	}
	return now.Sub(r.lastRefresh) >= r.cfg.StalenessInterval
}

// ensureFresh triggers (and waits for) a refresh if the cache is stale,
// collapsing concurrent callers onto a single in-flight fetch.
func (r *Registry) ensureFresh(ctx context.Context, now time.Time) error {
	r.mu.RLock()
	stale := r.needsRefreshLocked(now)
	r.mu.RUnlock()
	if !stale {
		return nil
	}
	_, err, _ := r.sf.Do("refresh", func() (any, error) {
		return nil, r.refresh(ctx, now)
	})
	return err
}

func (r *Registry) refresh(ctx context.Context, now time.Time) error {
	instruments, err := r.source.FetchInstruments(ctx)
	if err != nil {
		return fmt.Errorf("fetch instruments: %w", err)
	}

	byToken := make(map[int64]domain.Instrument, len(instruments))
	for _, inst := range instruments {
		byToken[inst.InstrumentToken] = inst
	}

	r.mu.Lock()
	r.byToken = byToken
	r.lastRefresh = now
	r.lastMarketDay = marketcalendar.MarketDate(now)
	r.mu.Unlock()

	r.log.Info().Int("count", len(byToken)).Msg("instrument registry refreshed")
	return nil
}

// Refresh forces an immediate refresh regardless of staleness, for an
// explicit admin-triggered reload.
func (r *Registry) Refresh(ctx context.Context) error {
	_, err, _ := r.sf.Do("refresh", func() (any, error) {
		return nil, r.refresh(ctx, time.Now())
	})
	return err
}

// Lookup returns the cached instrument for token, refreshing first if the
// cache is stale. ok is false if the token is unresolved even after a
// refresh, meaning it has been deregistered by the broker.
func (r *Registry) Lookup(ctx context.Context, token int64, now time.Time) (domain.Instrument, bool, error) {
	if err := r.ensureFresh(ctx, now); err != nil {
		// A failed refresh still serves whatever is cached (possibly
		// stale, possibly empty); the caller decides how to react to a
		// miss via the bool, not via the error, so lookups during a
		// broker outage don't hard-fail the whole tick pipeline.
		r.log.Warn().Err(err).Msg("instrument refresh failed, serving cached data")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byToken[token]
	return inst, ok, nil
}

// All returns every cached instrument, refreshing first if stale.
func (r *Registry) All(ctx context.Context, now time.Time) ([]domain.Instrument, error) {
	if err := r.ensureFresh(ctx, now); err != nil {
		r.log.Warn().Err(err).Msg("instrument refresh failed, serving cached data")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Instrument, 0, len(r.byToken))
	for _, inst := range r.byToken {
		out = append(out, inst)
	}
	return out, nil
}

// Size returns the number of cached instruments, for health reporting.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byToken)
}
