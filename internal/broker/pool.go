package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/reliability"
	"github.com/rs/zerolog"
)

// TransportFactory creates a new Transport for a new physical connection.
// The pool calls this lazily, only when every existing connection is at
// capacity, so dialing a broker socket never happens on every Subscribe.
type TransportFactory func(connectionID string) Transport

// ConnectionStats is one physical connection's health snapshot, returned
// by Pool.Stats.
type ConnectionStats struct {
	ConnectionID string
	Capacity     int
	Subscribed   int
	FillPercent  float64
	Connected    bool
}

// Pool shards one account's logical subscription set across many physical
// BrokerConnections, each capped at a configurable capacity. All mutation of
// the connection list and the token->connection index happens under a
// single pool-wide mutex that is never held across I/O: the index is
// updated, the mutex released, then the wire write happens; a failed write
// rolls the index back under the mutex again, avoiding a deadlock between
// the pool mutex and a slow or wedged broker socket.
type Pool struct {
	accountID string
	factory   TransportFactory
	callbacks Callbacks
	monitor   *reliability.TaskMonitor
	capacity  int
	log       zerolog.Logger

	mu          sync.Mutex
	connections []*Connection
	tokenIndex  map[int64]string // token -> connection ID
	nextConnNum int

	ctx context.Context
}

// New constructs an empty Pool for one account, sharding at capacity
// tokens per physical connection (the Kite default is 1000; capacity <= 0
// falls back to that default). Connections are created lazily by
// Subscribe.
func New(accountID string, factory TransportFactory, callbacks Callbacks, capacity int, monitor *reliability.TaskMonitor, log zerolog.Logger) *Pool {
	if capacity <= 0 {
		capacity = defaultMaxTokensPerConnection
	}
	return &Pool{
		accountID:  accountID,
		factory:    factory,
		callbacks:  callbacks,
		capacity:   capacity,
		monitor:    monitor,
		log:        log.With().Str("component", "broker_pool").Str("account_id", accountID).Logger(),
		tokenIndex: make(map[int64]string),
	}
}

// Start records the context used to drive newly created connections'
// lifecycles and begins the idle-connection sweep. Must be called before
// the first Subscribe.
func (p *Pool) Start(ctx context.Context) {
	p.ctx = ctx
	p.monitor.Spawn(ctx, "broker_pool_idle_sweep_"+p.accountID, func(taskCtx context.Context) error {
		ticker := time.NewTicker(idleCloseGrace)
		defer ticker.Stop()
		for {
			select {
			case <-taskCtx.Done():
				return nil
			case <-ticker.C:
				p.CloseIdleConnections()
			}
		}
	}, nil)
}

// connectionByIDLocked returns the connection with id, or nil. Caller must hold p.mu.
func (p *Pool) connectionByIDLocked(id string) *Connection {
	for _, c := range p.connections {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// Subscribe adds tokens at mode, placing each on the first connection with
// free capacity and opening a new connection only once every existing one
// is full. The token is recorded in the index synchronously before any
// wire write, so Subscribe is linearizable with respect to concurrent
// Stats()/Subscribe() calls even though the physical send happens after
// the mutex is released.
func (p *Pool) Subscribe(ctx context.Context, tokens []int64, mode domain.SubscriptionMode) error {
	type placement struct {
		conn   *Connection
		tokens []int64
	}
	placements := make(map[string]*placement)

	p.mu.Lock()
	for _, token := range tokens {
		if existingID, already := p.tokenIndex[token]; already {
			if conn := p.connectionByIDLocked(existingID); conn != nil {
				conn.mu.Lock()
				conn.addDesiredLocked(token, mode)
				conn.mu.Unlock()
			}
			continue
		}

		target := p.firstConnectionWithCapacityLocked()
		if target == nil {
			target = p.createConnectionLocked()
		}

		target.mu.Lock()
		target.addDesiredLocked(token, mode)
		target.mu.Unlock()
		p.tokenIndex[token] = target.ID

		pl, ok := placements[target.ID]
		if !ok {
			pl = &placement{conn: target}
			placements[target.ID] = pl
		}
		pl.tokens = append(pl.tokens, token)
	}
	p.mu.Unlock()

	// Wire writes happen with the pool mutex released. A failed write
	// rolls the affected tokens back out of the index under the mutex.
	for _, pl := range placements {
		if !pl.conn.Connected() {
			// Not connected yet (newly created or mid-reconnect): the
			// desired_tokens set already has the token and will be
			// pushed to the wire as part of the next connect/resubscribe
			// cycle, so there is nothing more to do here.
			continue
		}
		if err := pl.conn.transport.Subscribe(ctx, pl.tokens, mode); err != nil {
			p.mu.Lock()
			for _, t := range pl.tokens {
				delete(p.tokenIndex, t)
			}
			p.mu.Unlock()
			pl.conn.mu.Lock()
			for _, t := range pl.tokens {
				pl.conn.removeDesiredLocked(t)
			}
			pl.conn.mu.Unlock()
			return fmt.Errorf("subscribe on connection %s: %w", pl.conn.ID, err)
		}
	}

	return nil
}

// firstConnectionWithCapacityLocked returns the first existing connection
// below capacity, or nil if none. Caller must hold p.mu.
func (p *Pool) firstConnectionWithCapacityLocked() *Connection {
	for _, c := range p.connections {
		if c.HasCapacity() {
			return c
		}
	}
	return nil
}

// createConnectionLocked allocates a new connection and starts its
// lifecycle goroutine under the pool's TaskMonitor. Caller must hold p.mu.
func (p *Pool) createConnectionLocked() *Connection {
	p.nextConnNum++
	id := fmt.Sprintf("%s-conn-%d", p.accountID, p.nextConnNum)
	conn := newConnection(id, p.factory(id), p.callbacks, p.capacity, p.log)
	p.connections = append(p.connections, conn)

	p.monitor.Spawn(p.ctx, "broker_connection_"+id, func(taskCtx context.Context) error {
		conn.run(taskCtx)
		return nil
	}, nil)

	return conn
}

// Unsubscribe removes tokens from desired_tokens and from the wire.
// Connections that drop to zero tokens after idleCloseGrace are closed in
// a background sweep rather than synchronously here, so a burst of
// unsubscribe/resubscribe doesn't thrash connections.
func (p *Pool) Unsubscribe(ctx context.Context, tokens []int64) error {
	byConn := make(map[string][]int64)

	p.mu.Lock()
	for _, token := range tokens {
		connID, ok := p.tokenIndex[token]
		if !ok {
			continue
		}
		delete(p.tokenIndex, token)
		byConn[connID] = append(byConn[connID], token)
	}
	connsByID := make(map[string]*Connection, len(p.connections))
	for _, c := range p.connections {
		connsByID[c.ID] = c
	}
	p.mu.Unlock()

	for connID, toks := range byConn {
		conn, ok := connsByID[connID]
		if !ok {
			continue
		}
		conn.mu.Lock()
		for _, t := range toks {
			conn.removeDesiredLocked(t)
		}
		empty := len(conn.desiredTokens) == 0
		if empty {
			conn.idleSince = time.Now()
		}
		connected := conn.connected
		conn.mu.Unlock()

		if connected {
			if err := conn.transport.Unsubscribe(ctx, toks); err != nil {
				p.log.Warn().Err(err).Str("connection_id", connID).Msg("unsubscribe wire call failed; desired_tokens already updated")
			}
		}
	}

	return nil
}

// Stats returns a per-connection health snapshot.
func (p *Pool) Stats() []ConnectionStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ConnectionStats, 0, len(p.connections))
	for _, c := range p.connections {
		n := c.Len()
		out = append(out, ConnectionStats{
			ConnectionID: c.ID,
			Capacity:     p.capacity,
			Subscribed:   n,
			FillPercent:  100 * float64(n) / float64(p.capacity),
			Connected:    c.Connected(),
		})
	}
	return out
}

// CloseIdleConnections closes any connection with zero desired tokens that
// has been idle for at least idleCloseGrace.
func (p *Pool) CloseIdleConnections() {
	p.mu.Lock()
	var toClose []*Connection
	remaining := p.connections[:0]
	for _, c := range p.connections {
		c.mu.Lock()
		idle := len(c.desiredTokens) == 0 && !c.idleSince.IsZero() && time.Since(c.idleSince) >= idleCloseGrace
		c.mu.Unlock()
		if idle {
			toClose = append(toClose, c)
		} else {
			remaining = append(remaining, c)
		}
	}
	p.connections = remaining
	p.mu.Unlock()

	for _, c := range toClose {
		c.stop()
		p.log.Info().Str("connection_id", c.ID).Msg("closed idle broker connection")
	}
}

// Stop closes every connection in the pool.
func (p *Pool) Stop() {
	p.mu.Lock()
	conns := make([]*Connection, len(p.connections))
	copy(conns, p.connections)
	p.mu.Unlock()

	for _, c := range conns {
		c.stop()
	}
}
