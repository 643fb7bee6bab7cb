package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/reliability"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport double: Dial always succeeds
// immediately, Subscribe/Unsubscribe just record calls, and ReadTick
// blocks until the test pushes a tick or the context is cancelled.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	ticks     chan []domain.TickFrame
	closed    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ticks: make(chan []domain.TickFrame, 8)}
}

func (f *fakeTransport) Dial(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, tokens []int64, mode domain.SubscriptionMode) error {
	return nil
}

func (f *fakeTransport) Unsubscribe(ctx context.Context, tokens []int64) error {
	return nil
}

func (f *fakeTransport) ReadTick(ctx context.Context) ([]domain.TickFrame, error) {
	select {
	case t, ok := <-f.ticks:
		if !ok {
			return nil, context.Canceled
		}
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func newTestPool(t *testing.T) (*Pool, *[]*fakeTransport) {
	var transports []*fakeTransport
	var mu sync.Mutex
	factory := func(connectionID string) Transport {
		tr := newFakeTransport()
		mu.Lock()
		transports = append(transports, tr)
		mu.Unlock()
		return tr
	}

	monitor := reliability.NewTaskMonitor(zerolog.Nop())
	pool := New("acct-1", factory, Callbacks{}, 0, monitor, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pool.Start(ctx)

	return pool, &transports
}

func tokenRange(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i + 1)
	}
	return out
}

func TestSubscribeShardsAcrossConnections(t *testing.T) {
	pool, _ := newTestPool(t)

	require.NoError(t, pool.Subscribe(context.Background(), tokenRange(2500), domain.ModeFull))

	require.Eventually(t, func() bool {
		return len(pool.Stats()) == 3
	}, time.Second, 5*time.Millisecond)

	stats := pool.Stats()
	require.Len(t, stats, 3)
	require.Equal(t, 1000, stats[0].Subscribed)
	require.Equal(t, 1000, stats[1].Subscribed)
	require.Equal(t, 500, stats[2].Subscribed)
}

func TestSubscribeIsIdempotentForExistingToken(t *testing.T) {
	pool, _ := newTestPool(t)

	require.NoError(t, pool.Subscribe(context.Background(), []int64{1, 2, 3}, domain.ModeFull))
	require.NoError(t, pool.Subscribe(context.Background(), []int64{2, 3, 4}, domain.ModeQuote))

	stats := pool.Stats()
	require.Len(t, stats, 1)
	require.Equal(t, 4, stats[0].Subscribed)
}

func TestUnsubscribeRemovesFromIndex(t *testing.T) {
	pool, _ := newTestPool(t)

	require.NoError(t, pool.Subscribe(context.Background(), []int64{1, 2, 3}, domain.ModeFull))
	require.NoError(t, pool.Unsubscribe(context.Background(), []int64{2}))

	stats := pool.Stats()
	require.Equal(t, 2, stats[0].Subscribed)
}

// flakyTransport drops its first session after one ReadTick error, then
// behaves like fakeTransport; it records every Dial and the token set of
// every Subscribe so a test can assert the reconnect re-applied the full
// desired set.
type flakyTransport struct {
	mu          sync.Mutex
	dials       int
	subscribed  [][]int64
	failedOnce  bool
	readRelease chan struct{}
}

func newFlakyTransport() *flakyTransport {
	return &flakyTransport{readRelease: make(chan struct{}, 1)}
}

func (f *flakyTransport) Dial(ctx context.Context) error {
	f.mu.Lock()
	f.dials++
	f.mu.Unlock()
	return nil
}

func (f *flakyTransport) Subscribe(ctx context.Context, tokens []int64, mode domain.SubscriptionMode) error {
	f.mu.Lock()
	cp := append([]int64(nil), tokens...)
	f.subscribed = append(f.subscribed, cp)
	f.mu.Unlock()
	return nil
}

func (f *flakyTransport) Unsubscribe(ctx context.Context, tokens []int64) error { return nil }

func (f *flakyTransport) ReadTick(ctx context.Context) ([]domain.TickFrame, error) {
	f.mu.Lock()
	first := !f.failedOnce
	f.failedOnce = true
	f.mu.Unlock()
	if first {
		return nil, context.DeadlineExceeded
	}
	select {
	case <-f.readRelease:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *flakyTransport) Close() error { return nil }

func TestReconnectReappliesDesiredTokens(t *testing.T) {
	tr := newFlakyTransport()
	factory := func(connectionID string) Transport { return tr }

	monitor := reliability.NewTaskMonitor(zerolog.Nop())
	pool := New("acct-1", factory, Callbacks{}, 0, monitor, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pool.Start(ctx)

	require.NoError(t, pool.Subscribe(context.Background(), []int64{1, 2, 3}, domain.ModeFull))

	// The first session's read fails immediately, so within a backoff cycle
	// the connection must have redialed and re-subscribed all three tokens.
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.dials >= 2
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		stats := pool.Stats()
		return len(stats) == 1 && stats[0].Connected
	}, 5*time.Second, 10*time.Millisecond)

	tr.mu.Lock()
	last := tr.subscribed[len(tr.subscribed)-1]
	tr.mu.Unlock()
	require.ElementsMatch(t, []int64{1, 2, 3}, last)

	stats := pool.Stats()
	require.Equal(t, 3, stats[0].Subscribed, "no token may be lost or re-homed across a reconnect")
}

func TestStopClosesAllConnections(t *testing.T) {
	pool, transports := newTestPool(t)
	require.NoError(t, pool.Subscribe(context.Background(), tokenRange(1200), domain.ModeFull))

	require.Eventually(t, func() bool { return len(*transports) == 2 }, time.Second, 5*time.Millisecond)

	pool.Stop()

	for _, tr := range *transports {
		tr.mu.Lock()
		closed := tr.closed
		tr.mu.Unlock()
		require.True(t, closed)
	}
}
