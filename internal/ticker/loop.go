// Package ticker hosts the MultiAccountTickerLoop: the top-level
// coordinator that reconciles persistent subscription intent against live
// broker sessions, assigns instruments to accounts round-robin, drives
// per-account streaming through a BrokerConnectionPool, and reacts to
// SubscriptionReloader triggers with a diff-based subscribe/unsubscribe
// instead of restarting streams (the reload anti-pattern documented as a
// defect in the system this was rebuilt from).
package ticker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/historical"
	"github.com/aristath/marketstream/internal/marketcalendar"
	"github.com/aristath/marketstream/internal/reload"
	"github.com/aristath/marketstream/internal/reliability"
	"github.com/rs/zerolog"
)

// SubscriptionSource is the persisted-intent side of the reconcile pass.
// Satisfied by *internal/subscriptions.Store.
type SubscriptionSource interface {
	ListActive() ([]domain.Subscription, error)
	Deactivate(token int64) error
	AssignAccount(token int64, accountID string) error
}

// InstrumentLookup resolves a token to its contract metadata. Satisfied by
// *internal/instruments.Registry.
type InstrumentLookup interface {
	Lookup(ctx context.Context, token int64, now time.Time) (domain.Instrument, bool, error)
}

// BrokerPool is the per-account streaming shard the loop drives. Satisfied
// by *internal/broker.Pool; narrowed to an interface so the loop's
// reconcile/diff logic can be unit tested without a live transport.
type BrokerPool interface {
	Start(ctx context.Context)
	Subscribe(ctx context.Context, tokens []int64, mode domain.SubscriptionMode) error
	Unsubscribe(ctx context.Context, tokens []int64) error
	Stop()
}

// Batcher is the hot-path sink lifecycle the loop starts and drains on
// shutdown. Satisfied by *internal/batcher.TickBatcher.
type Batcher interface {
	Start(ctx context.Context)
	Stop()
}

// EventPublisher fires subscription lifecycle events onto the events
// channel. Satisfied by *internal/publisher.Publisher. Optional: a nil
// EventPublisher simply skips lifecycle events.
type EventPublisher interface {
	Channel(suffix string) string
	Publish(ctx context.Context, channel string, payload any)
}

// Config wires every collaborator the loop drives. Pools must contain one
// entry per AccountIDs member that should actually stream; an account
// without a pool entry is skipped with a warning (useful for a partially
// configured deployment).
type Config struct {
	AccountIDs   []string
	Store        SubscriptionSource
	Instruments  InstrumentLookup
	Pools        map[string]BrokerPool
	Batcher      Batcher
	Bootstrapper *historical.Bootstrapper // optional
	Publisher    EventPublisher           // optional
	Monitor      *reliability.TaskMonitor
	ReloadConfig reload.Config
}

// Loop is the MultiAccountTickerLoop. Zero value is not usable; construct
// with New.
type Loop struct {
	cfg Config
	log zerolog.Logger

	health *healthTracker

	mu          sync.Mutex
	started     bool
	cancel      context.CancelFunc
	reloader    *reload.Reloader
	planTokens  map[string][]int64 // account -> tokens, for reload diffing
	subsByToken map[int64]domain.Subscription
}

// New constructs a Loop. Call Start to begin streaming.
func New(cfg Config, log zerolog.Logger) *Loop {
	return &Loop{
		cfg:    cfg,
		log:    log.With().Str("component", "ticker_loop").Logger(),
		health: newHealthTracker(),
	}
}

// MarkAccountUnhealthy excludes accountID from future assignment passes
// (reconcile/reload), e.g. after an auth/credential failure. It does not
// touch any stream already running for that account; the next reload
// drains its instruments onto the remaining healthy accounts.
func (l *Loop) MarkAccountUnhealthy(accountID string) {
	l.health.MarkUnhealthy(accountID)
}

// MarkAccountHealthy re-admits accountID to future assignment passes.
func (l *Loop) MarkAccountHealthy(accountID string) {
	l.health.MarkHealthy(accountID)
}

// Start loads active subscriptions, filters them against the instrument
// registry, assigns them round-robin to healthy accounts, and launches one
// bootstrap+stream task per account under the TaskMonitor. Calling Start
// twice is a no-op on the second call.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.started = true
	l.cancel = cancel
	l.mu.Unlock()

	now := time.Now()
	plan, subsByToken, err := l.buildPlan(runCtx, now)
	if err != nil {
		l.mu.Lock()
		l.started = false
		l.cancel = nil
		l.mu.Unlock()
		cancel()
		return fmt.Errorf("initial reconcile: %w", err)
	}

	l.mu.Lock()
	l.planTokens = tokensByAccount(plan)
	l.subsByToken = subsByToken
	l.mu.Unlock()

	for accountID, instruments := range plan {
		pool, ok := l.cfg.Pools[accountID]
		if !ok {
			l.log.Warn().Str("account_id", accountID).Msg("no broker pool configured for this account; skipping stream")
			continue
		}
		accountID, pool, instruments := accountID, pool, instruments
		l.cfg.Monitor.Spawn(runCtx, "account_stream_"+accountID, func(taskCtx context.Context) error {
			return l.runAccountSession(taskCtx, accountID, pool, instruments)
		}, func(name string, err error) {
			l.log.Error().Str("account_id", accountID).Err(err).Msg("account stream task faulted")
		})
	}

	l.cfg.Batcher.Start(runCtx)

	reloader := reload.New(l.cfg.ReloadConfig, l.runReload, l.log)
	l.mu.Lock()
	l.reloader = reloader
	l.mu.Unlock()
	l.cfg.Monitor.Spawn(runCtx, "subscription_reloader", func(taskCtx context.Context) error {
		return reloader.Run(taskCtx)
	}, nil)

	l.log.Info().Int("accounts", len(plan)).Msg("ticker loop started")
	return nil
}

// runAccountSession runs one account's one-shot historical bootstrap (if
// configured and not already done this process lifetime) then opens the
// account's pool subscription for its assigned instruments, grouped by
// requested mode. It returns only when ctx is cancelled (stream shutdown)
// or the initial subscribe fails.
func (l *Loop) runAccountSession(ctx context.Context, accountID string, pool BrokerPool, instruments []domain.Instrument) error {
	if l.cfg.Bootstrapper != nil {
		if err := l.cfg.Bootstrapper.Run(ctx, accountID, instruments, time.Now()); err != nil {
			l.log.Warn().Str("account_id", accountID).Err(err).Msg("historical bootstrap failed; proceeding with live stream")
		}
	}

	pool.Start(ctx)

	l.mu.Lock()
	byMode := groupByMode(instruments, l.subsByToken)
	l.mu.Unlock()

	for mode, tokens := range byMode {
		if err := pool.Subscribe(ctx, tokens, mode); err != nil {
			return fmt.Errorf("account %s: initial subscribe (%s): %w", accountID, mode, err)
		}
	}

	<-ctx.Done()
	return nil
}

// Reload schedules a non-blocking reconcile pass: any number of Reload
// calls within the reloader's debounce window coalesce into one run.
func (l *Loop) Reload() {
	l.mu.Lock()
	r := l.reloader
	l.mu.Unlock()
	if r != nil {
		r.Trigger()
	}
}

// runReload is the ReloadFunc driven by the SubscriptionReloader. It
// recomputes the assignment plan and applies the diff against each
// account's pool via Subscribe/Unsubscribe. It never restarts a stream:
// tearing every session down on each reload disrupts delivery for every
// instrument, not just the changed ones.
func (l *Loop) runReload(ctx context.Context) error {
	now := time.Now()
	plan, subsByToken, err := l.buildPlan(ctx, now)
	if err != nil {
		return err
	}

	newTokens := tokensByAccount(plan)

	l.mu.Lock()
	oldTokens := l.planTokens
	l.planTokens = newTokens
	l.subsByToken = subsByToken
	l.mu.Unlock()

	accounts := make(map[string]bool)
	for a := range oldTokens {
		accounts[a] = true
	}
	for a := range newTokens {
		accounts[a] = true
	}

	for accountID := range accounts {
		pool, ok := l.cfg.Pools[accountID]
		if !ok {
			continue
		}

		oldSet := toSet(oldTokens[accountID])
		newSet := toSet(newTokens[accountID])

		var toRemove []int64
		for tok := range oldSet {
			if !newSet[tok] {
				toRemove = append(toRemove, tok)
			}
		}
		var toAddInstruments []domain.Instrument
		for _, inst := range plan[accountID] {
			if !oldSet[inst.InstrumentToken] {
				toAddInstruments = append(toAddInstruments, inst)
			}
		}

		if len(toRemove) > 0 {
			if err := pool.Unsubscribe(ctx, toRemove); err != nil {
				l.log.Warn().Str("account_id", accountID).Err(err).Msg("reload unsubscribe failed")
			}
			for _, tok := range toRemove {
				l.publishEvent(ctx, domain.SubscriptionRemoved, tok, accountID)
			}
		}

		if len(toAddInstruments) > 0 {
			for mode, tokens := range groupByMode(toAddInstruments, subsByToken) {
				if err := pool.Subscribe(ctx, tokens, mode); err != nil {
					l.log.Warn().Str("account_id", accountID).Str("mode", string(mode)).Err(err).Msg("reload subscribe failed")
					continue
				}
			}
			for _, inst := range toAddInstruments {
				evt := domain.SubscriptionCreated
				if sub, ok := subsByToken[inst.InstrumentToken]; ok && sub.AssignedAccountID != "" && sub.AssignedAccountID != accountID {
					evt = domain.SubscriptionReassigned
				}
				l.publishEvent(ctx, evt, inst.InstrumentToken, accountID)
			}
		}
	}

	return nil
}

func (l *Loop) publishEvent(ctx context.Context, evt domain.SubscriptionEventType, token int64, accountID string) {
	if l.cfg.Publisher == nil {
		return
	}
	l.cfg.Publisher.Publish(ctx, l.cfg.Publisher.Channel("events"), domain.SubscriptionEvent{
		EventType:       evt,
		InstrumentToken: token,
		Metadata:        map[string]string{"account_id": accountID},
		TimestampMS:     time.Now().UnixMilli(),
	})
}

// buildPlan loads active subscriptions, resolves each against the
// instrument registry, deactivates anything unresolved or expired, and
// assigns the surviving set round-robin across the currently healthy
// accounts. Assignment changes are persisted back to the store so
// Subscription.AssignedAccountID stays authoritative across restarts.
func (l *Loop) buildPlan(ctx context.Context, now time.Time) (map[string][]domain.Instrument, map[int64]domain.Subscription, error) {
	active, err := l.cfg.Store.ListActive()
	if err != nil {
		return nil, nil, fmt.Errorf("list active subscriptions: %w", err)
	}

	marketDate := marketcalendar.MarketDate(now)
	subsByToken := make(map[int64]domain.Subscription, len(active))
	resolved := make([]domain.Instrument, 0, len(active))

	for _, sub := range active {
		inst, ok, err := l.cfg.Instruments.Lookup(ctx, sub.InstrumentToken, now)
		if err != nil {
			l.log.Warn().Int64("instrument_token", sub.InstrumentToken).Err(err).Msg("instrument lookup failed during reconcile; keeping subscription for next pass")
			subsByToken[sub.InstrumentToken] = sub
			continue
		}
		if !ok || inst.IsExpired(marketDate) {
			if err := l.cfg.Store.Deactivate(sub.InstrumentToken); err != nil {
				l.log.Warn().Int64("instrument_token", sub.InstrumentToken).Err(err).Msg("failed to deactivate stale subscription")
			}
			l.publishEvent(ctx, domain.SubscriptionRemoved, sub.InstrumentToken, sub.AssignedAccountID)
			continue
		}
		subsByToken[sub.InstrumentToken] = sub
		resolved = append(resolved, inst)
	}

	healthy := l.health.Healthy(l.cfg.AccountIDs)
	if len(healthy) == 0 {
		return nil, nil, fmt.Errorf("no healthy accounts available for assignment")
	}

	plan := assignRoundRobin(resolved, healthy)

	for accountID, instruments := range plan {
		for _, inst := range instruments {
			sub := subsByToken[inst.InstrumentToken]
			if sub.AssignedAccountID == accountID {
				continue
			}
			if err := l.cfg.Store.AssignAccount(inst.InstrumentToken, accountID); err != nil {
				l.log.Warn().Int64("instrument_token", inst.InstrumentToken).Err(err).Msg("failed to persist account assignment")
				continue
			}
			sub.AssignedAccountID = accountID
			subsByToken[inst.InstrumentToken] = sub
		}
	}

	return plan, subsByToken, nil
}

// Stop cancels every account stream and the reloader, drains the batcher,
// and closes every pool, in that order: stop producers before closing
// their sinks.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.cfg.Monitor.StopAll()
	l.cfg.Batcher.Stop()
	for _, pool := range l.cfg.Pools {
		pool.Stop()
	}
	l.log.Info().Msg("ticker loop stopped")
}

func tokensByAccount(plan map[string][]domain.Instrument) map[string][]int64 {
	out := make(map[string][]int64, len(plan))
	for accountID, instruments := range plan {
		tokens := make([]int64, len(instruments))
		for i, inst := range instruments {
			tokens[i] = inst.InstrumentToken
		}
		out[accountID] = tokens
	}
	return out
}

func toSet(tokens []int64) map[int64]bool {
	out := make(map[int64]bool, len(tokens))
	for _, t := range tokens {
		out[t] = true
	}
	return out
}

// groupByMode buckets instruments by their subscription's requested mode,
// defaulting to ModeFull for any instrument missing from subsByToken
// (shouldn't happen in steady state, but a broker subscribe still needs a
// mode to send).
func groupByMode(instruments []domain.Instrument, subsByToken map[int64]domain.Subscription) map[domain.SubscriptionMode][]int64 {
	out := make(map[domain.SubscriptionMode][]int64)
	for _, inst := range instruments {
		mode := domain.ModeFull
		if sub, ok := subsByToken[inst.InstrumentToken]; ok {
			mode = sub.RequestedMode
		}
		out[mode] = append(out[mode], inst.InstrumentToken)
	}
	return out
}
