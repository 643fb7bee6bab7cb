package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAtExactThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Hour})

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State(), "one failure below threshold must not open")

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.MayExecute())
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour})

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State(), "non-consecutive failures must not accumulate")
}

func TestRecoveryPermitGrantedToExactlyOneCaller(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold:    1,
		RecoveryTimeout:     10 * time.Millisecond,
		HalfOpenMaxAttempts: 1,
	})

	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())
	require.False(t, cb.MayExecute())

	time.Sleep(15 * time.Millisecond)

	assert.True(t, cb.MayExecute(), "first caller after recovery gets the probe permit")
	assert.False(t, cb.MayExecute(), "second caller must wait for the probe's outcome")
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: 5 * time.Millisecond})

	cb.RecordFailure()
	time.Sleep(10 * time.Millisecond)
	require.True(t, cb.MayExecute())

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.MayExecute())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: 5 * time.Millisecond})

	cb.RecordFailure()
	time.Sleep(10 * time.Millisecond)
	require.True(t, cb.MayExecute())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.MayExecute(), "a fresh OPEN period restarts the recovery clock")
}
