package mockdata

import (
	"time"

	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/marketcalendar"
)

// SafeToServe enforces the production invariant: synthetic data may only
// be served when mock mode is explicitly enabled AND segment's session is
// closed. enabled comes from configuration; this function never consults
// it implicitly so a misconfigured default can never silently leak mock
// data into a live market. segment matters because non-equity segments
// (currency, commodity) trade later than the 1530 IST equity/F&O close —
// see marketcalendar.IsMarketOpen.
func SafeToServe(enabled bool, segment domain.Segment, now time.Time) bool {
	return enabled && !marketcalendar.IsMarketOpen(segment, now)
}
