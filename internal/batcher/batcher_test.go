package batcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFlushesOnSizeBound(t *testing.T) {
	var mu sync.Mutex
	var flushes [][]int

	b := New(Config{Window: time.Hour, MaxSize: 3}, func(batch []int) {
		mu.Lock()
		cp := append([]int(nil), batch...)
		flushes = append(flushes, cp)
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	b.Add(1)
	b.Add(2)
	b.Add(3) // hits MaxSize, should trigger a flush well before the 1h window

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushes) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Equal(t, []int{1, 2, 3}, flushes[0])
	mu.Unlock()
}

func TestFlushesOnTimeBoundWithSingleMessage(t *testing.T) {
	var mu sync.Mutex
	flushed := 0

	b := New(Config{Window: 20 * time.Millisecond, MaxSize: 1000}, func(batch []int) {
		mu.Lock()
		flushed += len(batch)
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	b.Add(42)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return flushed == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStopFlushesRemainderSynchronously(t *testing.T) {
	var mu sync.Mutex
	var got []int

	b := New(Config{Window: time.Hour, MaxSize: 1000}, func(batch []int) {
		mu.Lock()
		got = append(got, batch...)
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	b.Add(1)
	b.Add(2)
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2}, got)
}

func TestDedupKeepsLatestPerKey(t *testing.T) {
	type item struct {
		key string
		val int
	}
	var mu sync.Mutex
	var flushed []item

	b := New(Config{Window: 20 * time.Millisecond, MaxSize: 1000}, func(batch []item) {
		mu.Lock()
		flushed = append(flushed, batch...)
		mu.Unlock()
	}, func(i item) (string, bool) { return i.key, true })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	b.Add(item{"NIFTY", 100})
	b.Add(item{"NIFTY", 101})
	b.Add(item{"BANKNIFTY", 200})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushed) > 0
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushed, 2)
	byKey := map[string]int{}
	for _, i := range flushed {
		byKey[i.key] = i.val
	}
	require.Equal(t, 101, byKey["NIFTY"])
	require.Equal(t, 200, byKey["BANKNIFTY"])
}
