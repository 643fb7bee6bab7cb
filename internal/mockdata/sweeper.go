package mockdata

import (
	"context"
	"time"

	"github.com/aristath/marketstream/internal/marketcalendar"
	"github.com/rs/zerolog"
)

// sweepInterval is the periodic expiry-sweep cadence.
const sweepInterval = 5 * time.Minute

// RunSweeper periodically removes expired entries from cache until ctx is
// cancelled. Intended to be launched via reliability.TaskMonitor.Spawn so a
// panic here is never silent.
func RunSweeper(ctx context.Context, cache *Cache, log zerolog.Logger) error {
	log = log.With().Str("component", "mockdata_sweeper").Logger()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed := cache.Sweep(marketcalendar.MarketDate(time.Now()))
			if removed > 0 {
				log.Debug().Int("removed", removed).Msg("swept expired mock state entries")
			}
		}
	}
}
