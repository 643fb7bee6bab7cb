// Package reliability provides the cross-cutting resilience primitives used
// by every component that talks to an external system: a circuit breaker
// for fail-fast protection, and a task monitor that adopts every background
// goroutine so a panic or silent death is never invisible.
package reliability

import (
	"sync"
	"time"
)

// CircuitState is one of the three states in the breaker's state machine.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker's thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold    int           // consecutive failures before CLOSED -> OPEN
	RecoveryTimeout     time.Duration // time spent OPEN before probing HALF_OPEN
	HalfOpenMaxAttempts int           // permits granted while HALF_OPEN before falling back to OPEN
}

// CircuitBreaker guards a downstream dependency (Redis, a broker API call)
// behind a fail-fast state machine. All state mutation happens under a
// single mutex, mirroring the connection-state discipline used by the
// broker websocket client: MayExecute both reads and advances the state, so
// callers never race the clock.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg CircuitBreakerConfig

	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenAttempts    int
}

// NewCircuitBreaker constructs a breaker starting in the CLOSED state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxAttempts <= 0 {
		cfg.HalfOpenMaxAttempts = 1
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// MayExecute advances the state machine using monotonic time and reports
// whether the caller is permitted to attempt the guarded operation now.
// A HALF_OPEN permit is consumed by this call; if the caller is permitted
// but never calls RecordSuccess/RecordFailure, subsequent callers may still
// get a permit up to HalfOpenMaxAttempts.
func (cb *CircuitBreaker) MayExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(cb.openedAt) >= cb.cfg.RecoveryTimeout {
			cb.state = StateHalfOpen
			cb.halfOpenAttempts = 0
		} else {
			return false
		}
		fallthrough

	case StateHalfOpen:
		if cb.halfOpenAttempts >= cb.cfg.HalfOpenMaxAttempts {
			return false
		}
		cb.halfOpenAttempts++
		return true
	}

	return false
}

// RecordSuccess reports a successful call. From HALF_OPEN this closes the
// breaker; from CLOSED it simply resets the failure streak.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state == StateHalfOpen {
		cb.state = StateClosed
		cb.halfOpenAttempts = 0
	}
}

// RecordFailure reports a failed call. From HALF_OPEN this reopens the
// breaker immediately; from CLOSED it opens once FailureThreshold
// consecutive failures accumulate.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.state = StateOpen
		cb.openedAt = time.Now()
		return
	}

	cb.consecutiveFailures++
	if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
		cb.state = StateOpen
		cb.openedAt = time.Now()
	}
}

// State returns the current state, for health reporting.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
