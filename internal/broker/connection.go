package broker

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/aristath/marketstream/internal/domain"
	"github.com/rs/zerolog"
)

const (
	defaultMaxTokensPerConnection = 1000
	baseReconnectDelay            = 1 * time.Second
	maxReconnectDelay             = 30 * time.Second
	idleCloseGrace                = 30 * time.Second
)

// Connection is one physical broker WebSocket shard: up to capacity
// instruments (defaultMaxTokensPerConnection unless configured), its own
// reconnect loop, and its own
// desired_tokens set that is re-applied in full after every reconnect.
type Connection struct {
	ID        string
	transport Transport
	callbacks Callbacks
	log       zerolog.Logger
	capacity  int

	mu            sync.Mutex
	desiredTokens map[int64]domain.SubscriptionMode
	connected     bool
	idleSince     time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newConnection(id string, transport Transport, callbacks Callbacks, capacity int, log zerolog.Logger) *Connection {
	if capacity <= 0 {
		capacity = defaultMaxTokensPerConnection
	}
	return &Connection{
		ID:            id,
		transport:     transport,
		callbacks:     callbacks,
		capacity:      capacity,
		log:           log.With().Str("connection_id", id).Logger(),
		desiredTokens: make(map[int64]domain.SubscriptionMode),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Len returns how many tokens this connection currently targets.
func (c *Connection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.desiredTokens)
}

// HasCapacity reports whether at least one more token can be added.
func (c *Connection) HasCapacity() bool {
	return c.Len() < c.capacity
}

// Connected reports the last-known wire state.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// DesiredTokens returns a snapshot of the connection's target token set.
func (c *Connection) DesiredTokens() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, 0, len(c.desiredTokens))
	for t := range c.desiredTokens {
		out = append(out, t)
	}
	return out
}

// addDesiredLocked records a token in desired_tokens under the connection
// mutex. The caller (Pool.Subscribe) does this synchronously before the
// wire write, satisfying the "subscribe is linearizable" requirement even
// though the physical send may still be racing a reconnect.
func (c *Connection) addDesiredLocked(token int64, mode domain.SubscriptionMode) {
	c.desiredTokens[token] = mode
}

func (c *Connection) removeDesiredLocked(token int64) {
	delete(c.desiredTokens, token)
}

// run drives the connect/read/reconnect lifecycle until Stop is called.
func (c *Connection) run(ctx context.Context) {
	defer close(c.doneCh)

	// Closing stopCh also cancels the run context, so a ReadTick blocked on
	// the wire returns and stop() never waits on a silent socket.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		if err := c.connectAndResubscribe(ctx); err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("broker connect failed, backing off")
			if !c.sleepBackoff(ctx, attempt) {
				return
			}
			attempt++
			continue
		}
		attempt = 0

		if c.callbacks.OnConnect != nil {
			c.callbacks.OnConnect()
		}

		err := c.readLoop(ctx)
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		if c.callbacks.OnClose != nil {
			c.callbacks.OnClose(err)
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}
		// Fall through to reconnect; the top of the loop will redial and
		// re-apply the full desired_tokens set once connected.
	}
}

func (c *Connection) connectAndResubscribe(ctx context.Context) error {
	if err := c.transport.Dial(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	tokensByMode := make(map[domain.SubscriptionMode][]int64)
	for token, mode := range c.desiredTokens {
		tokensByMode[mode] = append(tokensByMode[mode], token)
	}
	c.mu.Unlock()

	for mode, tokens := range tokensByMode {
		if len(tokens) == 0 {
			continue
		}
		if err := c.transport.Subscribe(ctx, tokens, mode); err != nil {
			_ = c.transport.Close()
			return err
		}
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Connection) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		ticks, err := c.transport.ReadTick(ctx)
		if err != nil {
			if c.callbacks.OnError != nil {
				c.callbacks.OnError(err)
			}
			return err
		}
		if len(ticks) > 0 && c.callbacks.OnTicks != nil {
			c.callbacks.OnTicks(ticks)
		}
	}
}

func (c *Connection) sleepBackoff(ctx context.Context, attempt int) bool {
	delay := math.Min(float64(maxReconnectDelay), float64(baseReconnectDelay)*math.Pow(2, float64(attempt)))
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	select {
	case <-time.After(time.Duration(delay) + jitter):
		return true
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	}
}

// stop signals the connection's run loop to exit and closes the transport.
// Idempotent: the idle sweep and Pool.Stop may both reach the same
// connection during shutdown.
func (c *Connection) stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
	_ = c.transport.Close()
}
