package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLeaseTimeout is returned by Lease when an account's semaphore cannot
// be acquired before the deadline.
var ErrLeaseTimeout = errors.New("broker: lease acquisition timed out")

const defaultLeaseTimeout = 30 * time.Second

// Lease is a scoped handle on one account's broker access. Callers must
// call Release exactly once when done; holding a Lease past Release is a
// programming error.
type Lease struct {
	accountID string
	release   func()
	once      sync.Once
}

// Release returns the lease to its account's semaphore, allowing the next
// FIFO waiter (if any) to proceed. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(l.release)
}

// AccountID returns the account this lease was acquired for.
func (l *Lease) AccountID() string {
	return l.accountID
}

// SessionOrchestrator serializes access to each account's broker session
// behind a capacity-1 semaphore, so at most one caller (a historical
// backfill, a streaming session, a manual reload) is ever mid-flight
// against a given account's broker connection at once. Acquisition is
// FIFO: the semaphore is a buffered channel of size 1 and Go channels
// already hand waiters tokens in send order.
type SessionOrchestrator struct {
	mu           sync.Mutex
	semaphores   map[string]chan struct{}
	leaseTimeout time.Duration
}

// NewSessionOrchestrator constructs an orchestrator. A zero leaseTimeout
// falls back to a 30s default, matching the documented lease timeout.
func NewSessionOrchestrator(leaseTimeout time.Duration) *SessionOrchestrator {
	if leaseTimeout <= 0 {
		leaseTimeout = defaultLeaseTimeout
	}
	return &SessionOrchestrator{
		semaphores:   make(map[string]chan struct{}),
		leaseTimeout: leaseTimeout,
	}
}

func (o *SessionOrchestrator) semaphoreFor(accountID string) chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	sem, ok := o.semaphores[accountID]
	if !ok {
		sem = make(chan struct{}, 1)
		sem <- struct{}{}
		o.semaphores[accountID] = sem
	}
	return sem
}

// Lease blocks until the account's semaphore is free or the orchestrator's
// lease timeout elapses, whichever comes first. A caller-supplied ctx
// cancellation is also honored. Returns ErrLeaseTimeout on timeout, never
// blocking indefinitely even if a prior holder leaks its Lease.
func (o *SessionOrchestrator) Lease(ctx context.Context, accountID string) (*Lease, error) {
	sem := o.semaphoreFor(accountID)

	timeoutCtx, cancel := context.WithTimeout(ctx, o.leaseTimeout)
	defer cancel()

	select {
	case <-sem:
		return &Lease{
			accountID: accountID,
			release:   func() { sem <- struct{}{} },
		}, nil
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("lease %s: %w", accountID, ctx.Err())
		}
		return nil, fmt.Errorf("%w: account %s", ErrLeaseTimeout, accountID)
	}
}
