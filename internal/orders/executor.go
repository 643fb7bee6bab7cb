package orders

import (
	"container/list"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/aristath/marketstream/internal/database"
	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/reliability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Broker is the out-of-scope collaborator that actually places, modifies,
// cancels, or exits an order. Any error it returns is treated as a
// transient failure subject to retry/backoff.
type Broker interface {
	Execute(ctx context.Context, accountID string, op domain.OrderOperation, params map[string]any) (result string, err error)
}

// Config bounds the executor's retry/backoff and memory policy.
type Config struct {
	MaxAttempts       int
	PollInterval      time.Duration
	IdempotencyWindow time.Duration
	MaxTaskCap        int // completed tasks beyond this are evicted LRU; DLQ/pending/running never evicted
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	BreakerConfig     reliability.CircuitBreakerConfig
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.IdempotencyWindow <= 0 {
		c.IdempotencyWindow = 5 * time.Minute
	}
	if c.MaxTaskCap <= 0 {
		c.MaxTaskCap = 10000
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	return c
}

// completedEntry is the LRU-tracked view of one terminal task kept in
// memory for fast Get() lookups; eviction here only removes the in-memory
// index, the underlying row is deleted from the store at the same time.
type completedEntry struct {
	id string
}

// Executor is the OrderExecutor: submit/get external contract, a poll-loop
// worker, per-account circuit breakers around the broker call, and LRU
// eviction of completed tasks (dead-letter tasks are never evicted).
type Executor struct {
	cfg    Config
	store  *store
	broker Broker
	log    zerolog.Logger

	mu           sync.Mutex
	breakers     map[string]*reliability.CircuitBreaker
	completedLRU *list.List
	completedIdx map[string]*list.Element

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs an Executor. db must already have had Migrate() applied
// against the "orders" schema.
func New(cfg Config, db *database.DB, broker Broker, log zerolog.Logger) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		cfg:          cfg,
		store:        newStore(db),
		broker:       broker,
		log:          log.With().Str("component", "order_executor").Logger(),
		breakers:     make(map[string]*reliability.CircuitBreaker),
		completedLRU: list.New(),
		completedIdx: make(map[string]*list.Element),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

func (e *Executor) breakerFor(accountID string) *reliability.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	cb, ok := e.breakers[accountID]
	if !ok {
		cb = reliability.NewCircuitBreaker(e.cfg.BreakerConfig)
		e.breakers[accountID] = cb
	}
	return cb
}

// Submit enqueues a new order task. If an equivalent task (same
// idempotency key) was already submitted within IdempotencyWindow, the
// existing task's id is returned without enqueuing a duplicate.
func (e *Executor) Submit(ctx context.Context, accountID string, op domain.OrderOperation, params map[string]any, idempotencyKey string) (string, error) {
	now := time.Now()

	existing, err := e.store.findByIdempotencyKey(ctx, idempotencyKey, now.Add(-e.cfg.IdempotencyWindow))
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("check idempotency: %w", err)
	}

	task := domain.OrderTask{
		ID:             uuid.NewString(),
		Operation:      op,
		Params:         params,
		AccountID:      accountID,
		IdempotencyKey: idempotencyKey,
		Status:         domain.OrderStatusPending,
		MaxAttempts:    e.cfg.MaxAttempts,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.insert(ctx, task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// Get returns the current state of task id. Falls back to the dead-letter
// blob table if the task has been evicted from the main table.
func (e *Executor) Get(ctx context.Context, id string) (domain.OrderTask, error) {
	task, err := e.store.get(ctx, id)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.OrderTask{}, err
	}

	blob, blobErr := e.store.getDeadLetterBlob(ctx, id)
	if blobErr != nil {
		return domain.OrderTask{}, fmt.Errorf("task %s not found", id)
	}
	var dead domain.OrderTask
	if err := msgpack.Unmarshal(blob, &dead); err != nil {
		return domain.OrderTask{}, fmt.Errorf("decode dead-letter task: %w", err)
	}
	return dead, nil
}

// Run drives the poll loop until ctx is cancelled or Stop is called.
func (e *Executor) Run(ctx context.Context) error {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.stopCh:
			return nil
		case <-ticker.C:
			e.pollOnce(ctx)
		}
	}
}

func (e *Executor) pollOnce(ctx context.Context) {
	now := time.Now()
	task, err := e.store.claimNextDue(ctx, now)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			e.log.Warn().Err(err).Msg("claim next order task failed")
		}
		return
	}

	e.execute(ctx, task, now)
}

func (e *Executor) execute(ctx context.Context, task domain.OrderTask, now time.Time) {
	breaker := e.breakerFor(task.AccountID)

	if !breaker.MayExecute() {
		if err := e.store.requeueWithoutAttempt(ctx, task.ID, now); err != nil {
			e.log.Warn().Err(err).Str("task_id", task.ID).Msg("requeue under open breaker failed")
		}
		return
	}

	result, err := e.broker.Execute(ctx, task.AccountID, task.Operation, task.Params)
	if err == nil {
		breaker.RecordSuccess()
		if err := e.store.markCompleted(ctx, task.ID, result, time.Now()); err != nil {
			e.log.Warn().Err(err).Str("task_id", task.ID).Msg("mark completed failed")
			return
		}
		e.trackCompleted(ctx, task.ID)
		return
	}

	breaker.RecordFailure()
	task.AttemptCount++
	task.LastError = err.Error()

	if task.AttemptCount >= task.MaxAttempts {
		e.deadLetter(ctx, task)
		return
	}

	delay := backoffDelay(e.cfg.BaseBackoff, e.cfg.MaxBackoff, task.AttemptCount)
	if updErr := e.store.markFailedForRetry(ctx, task.ID, task.AttemptCount, task.LastError, time.Now().Add(delay), time.Now()); updErr != nil {
		e.log.Warn().Err(updErr).Str("task_id", task.ID).Msg("mark failed-for-retry failed")
	}
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(max) {
		d = float64(max)
	}
	jitter := rand.Float64() * d * 0.25
	return time.Duration(d + jitter)
}

func (e *Executor) deadLetter(ctx context.Context, task domain.OrderTask) {
	task.Status = domain.OrderStatusDeadLetter
	task.UpdatedAt = time.Now()

	if err := e.store.markDeadLetter(ctx, task.ID, task.LastError, task.UpdatedAt); err != nil {
		e.log.Warn().Err(err).Str("task_id", task.ID).Msg("mark dead-letter failed")
		return
	}

	payload, err := msgpack.Marshal(task)
	if err != nil {
		e.log.Error().Err(err).Str("task_id", task.ID).Msg("encode dead-letter task failed; task remains in main table")
		return
	}
	if err := e.store.insertDeadLetterBlob(ctx, task.ID, payload, task.UpdatedAt); err != nil {
		e.log.Error().Err(err).Str("task_id", task.ID).Msg("persist dead-letter blob failed")
	}
	e.log.Warn().Str("task_id", task.ID).Str("last_error", task.LastError).Msg("order task moved to dead letter")
}

// trackCompleted records id in the in-memory LRU view and evicts the
// oldest completed task (from both the LRU and the backing table) once
// MaxTaskCap is exceeded. Pending/running/dead-letter tasks never pass
// through this path.
func (e *Executor) trackCompleted(ctx context.Context, id string) {
	e.mu.Lock()
	el := e.completedLRU.PushFront(&completedEntry{id: id})
	e.completedIdx[id] = el

	var evictID string
	if e.completedLRU.Len() > e.cfg.MaxTaskCap {
		oldest := e.completedLRU.Back()
		if oldest != nil {
			e.completedLRU.Remove(oldest)
			evictID = oldest.Value.(*completedEntry).id
			delete(e.completedIdx, evictID)
		}
	}
	e.mu.Unlock()

	if evictID != "" {
		if err := e.store.deleteCompleted(ctx, evictID); err != nil {
			e.log.Warn().Err(err).Str("task_id", evictID).Msg("evict completed task failed")
		}
	}
}

// Stop signals Run to exit and waits for it to return.
func (e *Executor) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

// QueueDepth reports the current pending and dead-letter row counts, for
// the metrics surface. Running/completed tasks are not included.
func (e *Executor) QueueDepth(ctx context.Context) (pending, deadLetter int, err error) {
	pending, err = e.store.countByStatus(ctx, domain.OrderStatusPending)
	if err != nil {
		return 0, 0, fmt.Errorf("count pending: %w", err)
	}
	deadLetter, err = e.store.countByStatus(ctx, domain.OrderStatusDeadLetter)
	if err != nil {
		return 0, 0, fmt.Errorf("count dead letter: %w", err)
	}
	return pending, deadLetter, nil
}
