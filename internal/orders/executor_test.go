package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/marketstream/internal/database"
	"github.com/aristath/marketstream/internal/dbtest"
	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/reliability"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeBroker lets each test script a sequence of outcomes per account
// without touching the network.
type fakeBroker struct {
	mu      sync.Mutex
	results map[string][]brokerOutcome
	calls   int
}

type brokerOutcome struct {
	orderID string
	err     error
}

func (f *fakeBroker) Execute(_ context.Context, accountID string, _ domain.OrderOperation, _ map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	outcomes := f.results[accountID]
	if len(outcomes) == 0 {
		return "", errors.New("fakeBroker: no scripted outcome left")
	}
	next := outcomes[0]
	f.results[accountID] = outcomes[1:]
	return next.orderID, next.err
}

func newTestExecutor(t *testing.T, cfg Config, broker Broker) *Executor {
	t.Helper()
	db := dbtest.New(t, "orders", database.ProfileQueue)
	return New(cfg, db, broker, zerolog.Nop())
}

func TestSubmitDedupesWithinIdempotencyWindow(t *testing.T) {
	exec := newTestExecutor(t, Config{IdempotencyWindow: time.Minute}, &fakeBroker{results: map[string][]brokerOutcome{}})

	id1, err := exec.Submit(context.Background(), "acct-a", domain.OrderPlace, map[string]any{"symbol": "NIFTY"}, "key-1")
	require.NoError(t, err)

	id2, err := exec.Submit(context.Background(), "acct-a", domain.OrderPlace, map[string]any{"symbol": "NIFTY"}, "key-1")
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestPollOnceCompletesTaskOnBrokerSuccess(t *testing.T) {
	broker := &fakeBroker{results: map[string][]brokerOutcome{
		"acct-a": {{orderID: "ORD1", err: nil}},
	}}
	exec := newTestExecutor(t, Config{}, broker)

	id, err := exec.Submit(context.Background(), "acct-a", domain.OrderPlace, nil, "key-2")
	require.NoError(t, err)

	exec.pollOnce(context.Background())

	task, err := exec.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusCompleted, task.Status)
	require.Equal(t, "ORD1", task.Result)
}

func TestTaskMovesToDeadLetterAfterMaxAttempts(t *testing.T) {
	broker := &fakeBroker{results: map[string][]brokerOutcome{
		"acct-a": {
			{err: errors.New("rejected")},
			{err: errors.New("rejected")},
		},
	}}
	exec := newTestExecutor(t, Config{
		MaxAttempts: 2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
	}, broker)

	id, err := exec.Submit(context.Background(), "acct-a", domain.OrderPlace, nil, "key-3")
	require.NoError(t, err)

	exec.pollOnce(context.Background())
	task, err := exec.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, task.Status)
	require.Equal(t, 1, task.AttemptCount)

	// Force the retry to be due immediately instead of waiting out backoff.
	_, err = exec.store.db.Conn().Exec(`UPDATE order_tasks SET next_attempt_at = 0 WHERE id = ?`, id)
	require.NoError(t, err)

	exec.pollOnce(context.Background())
	task, err = exec.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusDeadLetter, task.Status)
}

func TestOpenBreakerRequeuesWithoutConsumingAttempt(t *testing.T) {
	broker := &fakeBroker{results: map[string][]brokerOutcome{
		"acct-a": {
			{err: errors.New("first failure trips the breaker")},
		},
	}}
	exec := newTestExecutor(t, Config{
		BreakerConfig: reliability.CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour},
	}, broker)

	id, err := exec.Submit(context.Background(), "acct-a", domain.OrderPlace, nil, "key-4")
	require.NoError(t, err)
	exec.pollOnce(context.Background())

	task, err := exec.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 1, task.AttemptCount)

	_, err = exec.store.db.Conn().Exec(`UPDATE order_tasks SET next_attempt_at = 0 WHERE id = ?`, id)
	require.NoError(t, err)

	exec.pollOnce(context.Background())

	task, err = exec.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, task.Status)
	require.Equal(t, 1, task.AttemptCount, "breaker-open retry must not burn an attempt")
}

func TestQueueDepthCountsPendingAndDeadLetter(t *testing.T) {
	broker := &fakeBroker{results: map[string][]brokerOutcome{}}
	exec := newTestExecutor(t, Config{}, broker)

	_, err := exec.Submit(context.Background(), "acct-a", domain.OrderPlace, nil, "key-5")
	require.NoError(t, err)
	_, err = exec.Submit(context.Background(), "acct-a", domain.OrderPlace, nil, "key-6")
	require.NoError(t, err)

	pending, deadLetter, err := exec.QueueDepth(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, pending)
	require.Equal(t, 0, deadLetter)
}
