package mockdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache(2)
	marketDate := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)

	c.Put(1, Snapshot{InstrumentToken: 1}, marketDate)
	c.Put(2, Snapshot{InstrumentToken: 2}, marketDate)
	c.Get(1) // touch 1, making 2 the least recently used
	c.Put(3, Snapshot{InstrumentToken: 3}, marketDate)

	require.Equal(t, 2, c.Size())
	_, ok := c.Get(2)
	require.False(t, ok, "least recently used entry should have been evicted")
	_, ok = c.Get(1)
	require.True(t, ok)
	_, ok = c.Get(3)
	require.True(t, ok)
}

func TestCacheSweepRemovesExpiredBeforeEviction(t *testing.T) {
	c := NewCache(5)
	marketDate := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)
	expired := marketDate.AddDate(0, 0, -1)

	c.Put(1, Snapshot{InstrumentToken: 1, Expiry: &expired}, marketDate)
	c.Put(2, Snapshot{InstrumentToken: 2}, marketDate)

	// Put(2) already ran the expiry sweep inline, so entry 1 is gone before
	// the explicit Sweep and there is nothing left for it to remove.
	removed := c.Sweep(marketDate)
	require.Equal(t, 0, removed)
	require.Equal(t, 1, c.Size())

	_, ok := c.Get(1)
	require.False(t, ok)
}

func TestCacheSizeNeverExceedsMax(t *testing.T) {
	c := NewCache(3)
	marketDate := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)
	for i := int64(0); i < 10; i++ {
		c.Put(i, Snapshot{InstrumentToken: i}, marketDate)
		require.LessOrEqual(t, c.Size(), 3)
	}
}
