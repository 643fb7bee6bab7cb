package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLeaseIsExclusivePerAccount(t *testing.T) {
	orch := NewSessionOrchestrator(time.Second)

	l1, err := orch.Lease(context.Background(), "acct-1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		l2, err := orch.Lease(context.Background(), "acct-1")
		require.NoError(t, err)
		close(acquired)
		l2.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("second lease acquired before first was released")
	case <-time.After(50 * time.Millisecond):
	}

	l1.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lease never acquired after release")
	}
}

func TestLeaseDifferentAccountsDoNotBlock(t *testing.T) {
	orch := NewSessionOrchestrator(time.Second)

	l1, err := orch.Lease(context.Background(), "acct-1")
	require.NoError(t, err)
	defer l1.Release()

	done := make(chan struct{})
	go func() {
		l2, err := orch.Lease(context.Background(), "acct-2")
		require.NoError(t, err)
		l2.Release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lease on a different account was blocked")
	}
}

func TestLeaseTimesOut(t *testing.T) {
	orch := NewSessionOrchestrator(30 * time.Millisecond)

	l1, err := orch.Lease(context.Background(), "acct-1")
	require.NoError(t, err)
	defer l1.Release()

	_, err = orch.Lease(context.Background(), "acct-1")
	require.ErrorIs(t, err, ErrLeaseTimeout)
}

func TestLeaseFIFOOrdering(t *testing.T) {
	orch := NewSessionOrchestrator(5 * time.Second)

	l1, err := orch.Lease(context.Background(), "acct-1")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 10 * time.Millisecond)
			l, err := orch.Lease(context.Background(), "acct-1")
			require.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			l.Release()
		}()
	}

	time.Sleep(40 * time.Millisecond)
	l1.Release()
	wg.Wait()

	require.Equal(t, []int{0, 1, 2}, order)
}
