package reliability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnRoutesErrorToOnError(t *testing.T) {
	m := NewTaskMonitor(zerolog.Nop())

	var gotName atomic.Value
	h := m.Spawn(context.Background(), "failing", func(ctx context.Context) error {
		return errors.New("boom")
	}, func(name string, err error) {
		gotName.Store(name)
	})
	h.Wait()

	require.Equal(t, "failing", gotName.Load())
}

func TestSpawnRecoversPanic(t *testing.T) {
	m := NewTaskMonitor(zerolog.Nop())

	var panicked atomic.Bool
	h := m.Spawn(context.Background(), "panicking", func(ctx context.Context) error {
		panic("kaboom")
	}, func(name string, err error) {
		panicked.Store(true)
	})
	h.Wait()

	assert.True(t, panicked.Load(), "panic must reach onError, not kill the process")
}

func TestCancellationIsNotAFault(t *testing.T) {
	m := NewTaskMonitor(zerolog.Nop())

	var faulted atomic.Bool
	h := m.Spawn(context.Background(), "cancellable", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, func(name string, err error) {
		faulted.Store(true)
	})

	h.Cancel()
	h.Wait()

	assert.False(t, faulted.Load(), "returning ctx.Err() after cancellation is a clean exit")
}

func TestStopAllWaitsForEveryTask(t *testing.T) {
	m := NewTaskMonitor(zerolog.Nop())

	var running atomic.Int32
	for i := 0; i < 5; i++ {
		m.Spawn(context.Background(), "worker", func(ctx context.Context) error {
			running.Add(1)
			defer running.Add(-1)
			<-ctx.Done()
			return nil
		}, nil)
	}

	require.Eventually(t, func() bool { return running.Load() == 5 }, time.Second, time.Millisecond)

	m.StopAll()
	assert.EqualValues(t, 0, running.Load())
}

func TestSpawnAfterStopAllReturnsCancelledHandle(t *testing.T) {
	m := NewTaskMonitor(zerolog.Nop())
	m.StopAll()

	ran := false
	h := m.Spawn(context.Background(), "late", func(ctx context.Context) error {
		ran = true
		return nil
	}, nil)
	h.Wait()

	assert.False(t, ran)
}
