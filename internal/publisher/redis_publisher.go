// Package publisher fans enriched ticks out to downstream consumers over
// Redis pub/sub. Publishing never blocks the hot tick path: a circuit
// breaker fails fast when Redis is unreachable and every publish drops
// silently (with a counter bump) rather than propagating an error.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aristath/marketstream/internal/reliability"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config configures the pooled Redis client and its guarding breaker.
type Config struct {
	Addr                 string
	Password             string
	DB                   int
	PoolSize             int
	ChannelPrefix        string
	CircuitFailureThresh int
	CircuitRecovery      time.Duration
	PublishTimeout       time.Duration // default 2s
}

// Publisher is a pooled Redis pub/sub client wrapped in a CircuitBreaker.
// Publish never returns an error to the caller: when the breaker is OPEN
// the message is dropped immediately as a fast-path reject; otherwise one
// retry is attempted on a connection reset before the failure is recorded
// against the breaker.
type Publisher struct {
	rdb     *redis.Client
	breaker *reliability.CircuitBreaker
	log     zerolog.Logger
	prefix  string
	timeout time.Duration

	// Both batcher flush loops publish concurrently, so the counters are
	// atomic rather than mutex-guarded.
	dropped   atomic.Int64
	attempted atomic.Int64
}

// New constructs a Publisher. The Redis connection is lazy: New never
// blocks on reachability, matching go-redis's own lazy-dial client.
func New(cfg Config, log zerolog.Logger) *Publisher {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	breaker := reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
		FailureThreshold: cfg.CircuitFailureThresh,
		RecoveryTimeout:  cfg.CircuitRecovery,
	})
	return &Publisher{
		rdb:     rdb,
		breaker: breaker,
		log:     log.With().Str("component", "redis_publisher").Logger(),
		prefix:  cfg.ChannelPrefix,
		timeout: cfg.PublishTimeout,
	}
}

// Channel builds the full channel name for one of the three published
// streams named: "ticker:<prefix>:underlying",
// "ticker:<prefix>:options", "ticker:<prefix>:events".
func (p *Publisher) Channel(suffix string) string {
	return fmt.Sprintf("ticker:%s:%s", p.prefix, suffix)
}

// Publish JSON-encodes payload and sends it on channel. It never returns an
// error: callers that need to know whether a message was actually sent
// should consult State() for health reporting instead. A failure to
// encode is logged and counted the same as a failed send.
func (p *Publisher) Publish(ctx context.Context, channel string, payload any) {
	if !p.breaker.MayExecute() {
		p.dropped.Add(1)
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error().Err(err).Str("channel", channel).Msg("failed to encode publish payload")
		p.breaker.RecordFailure()
		p.dropped.Add(1)
		return
	}

	p.attempted.Add(1)
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.rdb.Publish(ctx, channel, data).Err(); err != nil {
		// One retry on a connection reset; any other failure or a failed
		// retry is recorded against the breaker immediately.
		if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, redis.ErrClosed) {
			err = p.rdb.Publish(ctx, channel, data).Err()
		}
		if err != nil {
			p.log.Warn().Err(err).Str("channel", channel).Msg("publish failed")
			p.breaker.RecordFailure()
			p.dropped.Add(1)
			return
		}
	}

	p.breaker.RecordSuccess()
}

// State reports the breaker's current state for health endpoints.
func (p *Publisher) State() reliability.CircuitState {
	return p.breaker.State()
}

// Dropped returns the lifetime count of messages dropped (breaker OPEN or
// a failed send), for metrics.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Attempted returns the lifetime count of publish attempts that reached the
// wire (breaker permitted and payload encoded), for metrics.
func (p *Publisher) Attempted() int64 {
	return p.attempted.Load()
}

// Close releases the underlying Redis connection pool.
func (p *Publisher) Close() error {
	return p.rdb.Close()
}
