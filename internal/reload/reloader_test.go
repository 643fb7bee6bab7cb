package reload

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestBurstOfTriggersCoalesceToOneReload(t *testing.T) {
	var runs int64
	r := New(Config{Debounce: 20 * time.Millisecond, MaxDebounce: 200 * time.Millisecond, MinGap: 10 * time.Millisecond},
		func(ctx context.Context) error {
			atomic.AddInt64(&runs, 1)
			return nil
		}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	defer r.Stop()

	for i := 0; i < 100; i++ {
		r.Trigger()
	}

	require.Eventually(t, func() bool { return atomic.LoadInt64(&runs) == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt64(&runs))
}

func TestMinGapEnforcedBetweenReloads(t *testing.T) {
	var runs int64
	var timestamps []time.Time
	r := New(Config{Debounce: 5 * time.Millisecond, MaxDebounce: 50 * time.Millisecond, MinGap: 80 * time.Millisecond},
		func(ctx context.Context) error {
			atomic.AddInt64(&runs, 1)
			timestamps = append(timestamps, time.Now())
			return nil
		}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	defer r.Stop()

	r.Trigger()
	require.Eventually(t, func() bool { return atomic.LoadInt64(&runs) == 1 }, time.Second, 2*time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	r.Trigger()
	require.Eventually(t, func() bool { return atomic.LoadInt64(&runs) == 2 }, time.Second, 2*time.Millisecond)

	require.Len(t, timestamps, 2)
	require.GreaterOrEqual(t, timestamps[1].Sub(timestamps[0]), 75*time.Millisecond)
}

func TestReloadFailureDoesNotStopFutureTriggers(t *testing.T) {
	var calls int64
	r := New(Config{Debounce: 5 * time.Millisecond, MaxDebounce: 50 * time.Millisecond, MinGap: time.Millisecond},
		func(ctx context.Context) error {
			n := atomic.AddInt64(&calls, 1)
			if n == 1 {
				return context.DeadlineExceeded
			}
			return nil
		}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	defer r.Stop()

	r.Trigger()
	require.Eventually(t, func() bool { return atomic.LoadInt64(&calls) == 1 }, time.Second, 2*time.Millisecond)

	r.Trigger()
	require.Eventually(t, func() bool { return atomic.LoadInt64(&calls) == 2 }, time.Second, 2*time.Millisecond)
}
