// Package mockdata provides synthetic underlying/option ticks for
// development and testing when no live broker tick is available and the
// market is closed. A bounded LRU cache holds the last generated snapshot
// per instrument; a generator mutates state under a single serializing
// mutex and publishes immutable snapshots so readers never block on a
// writer, the same shape tradernet.MarketStatusWebSocket uses for its own
// cache/snapshot split.
package mockdata

import (
	"container/list"
	"sync"
	"time"

	"github.com/aristath/marketstream/internal/domain"
)

// Snapshot is the cached synthetic state for one instrument: either an
// underlying bar or an option snapshot, tagged by which is populated.
type Snapshot struct {
	InstrumentToken int64
	Expiry          *time.Time // nil for non-derivatives; used by the expiry sweep
	Underlying      *domain.UnderlyingBar
	Option          *domain.OptionSnapshot
}

type entry struct {
	token int64
	snap  Snapshot
}

// Cache is a bounded LRU keyed by instrument token, with max size N and an
// expiry-based eviction sweep: entries whose instrument expiry has passed
// today's market date are removed before any LRU eviction runs, both
// inline before each insert and on a periodic sweep (see Sweeper).
type Cache struct {
	maxSize int

	mu    sync.Mutex
	ll    *list.List
	items map[int64]*list.Element
}

// NewCache constructs a Cache bounded at maxSize entries (default 5000 if
// maxSize <= 0).
func NewCache(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &Cache{
		maxSize: maxSize,
		ll:      list.New(),
		items:   make(map[int64]*list.Element),
	}
}

// Put inserts or updates the snapshot for token, marking it most-recently-used.
// An expiry sweep runs inline before the insert, then the oldest entry is
// evicted if the cache is still over capacity afterward.
func (c *Cache) Put(token int64, snap Snapshot, marketDate time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepExpiredLocked(marketDate)

	if el, ok := c.items[token]; ok {
		el.Value.(*entry).snap = snap
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&entry{token: token, snap: snap})
	c.items[token] = el

	if c.ll.Len() > c.maxSize {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*entry).token)
		}
	}
}

// Get returns the cached snapshot for token and marks it most-recently-used.
func (c *Cache) Get(token int64) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[token]
	if !ok {
		return Snapshot{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*entry).snap, true
}

// Size returns the current entry count.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Sweep removes every entry whose instrument expiry predates marketDate,
// independent of LRU order. Called both inline (via Put) and periodically
// by a background sweeper every 5 minutes.
func (c *Cache) Sweep(marketDate time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepExpiredLocked(marketDate)
}

func (c *Cache) sweepExpiredLocked(marketDate time.Time) int {
	removed := 0
	var next *list.Element
	for el := c.ll.Front(); el != nil; el = next {
		next = el.Next()
		e := el.Value.(*entry)
		if e.snap.Expiry != nil && e.snap.Expiry.Before(marketDate) {
			c.ll.Remove(el)
			delete(c.items, e.token)
			removed++
		}
	}
	return removed
}
