package marketcalendar

import (
	"testing"
	"time"

	"github.com/aristath/marketstream/internal/domain"
	"github.com/stretchr/testify/assert"
)

func ist(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, istLocation)
}

func TestIsMarketOpen(t *testing.T) {
	tests := []struct {
		name     string
		when     time.Time
		expected bool
	}{
		{"mid-session Tuesday", ist(2026, time.March, 3, 11, 0), true},
		{"before open", ist(2026, time.March, 3, 9, 0), false},
		{"at close boundary", ist(2026, time.March, 3, 15, 30), false},
		{"one minute before close", ist(2026, time.March, 3, 15, 29), true},
		{"Saturday", ist(2026, time.March, 7, 11, 0), false},
		{"Sunday", ist(2026, time.March, 8, 11, 0), false},
		{"Republic Day holiday", ist(2026, time.January, 26, 11, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsMarketOpen(domain.SegmentEquity, tt.when))
		})
	}
}

func TestIsMarketOpen_SegmentSpecificClose(t *testing.T) {
	segmentClose[domain.SegmentIndex] = [2]int{17, 0}
	defer func() { segmentClose[domain.SegmentIndex] = [2]int{marketCloseHour, marketCloseMinute} }()

	afterEquityClose := ist(2026, time.March, 3, 16, 0)
	assert.False(t, IsMarketOpen(domain.SegmentEquity, afterEquityClose), "equity session has already closed")
	assert.True(t, IsMarketOpen(domain.SegmentIndex, afterEquityClose), "this segment's table entry extends past the equity close")
}

func TestMarketMinutesBetween_SameDay(t *testing.T) {
	from := ist(2026, time.March, 3, 10, 0)
	to := ist(2026, time.March, 3, 10, 30)
	assert.InDelta(t, 30.0, MarketMinutesBetween(from, to), 0.001)
}

func TestMarketMinutesBetween_SkipsWeekend(t *testing.T) {
	// Friday 1520 to Monday 0920: 10 minutes Friday + 5 minutes Monday, no weekend minutes.
	from := ist(2026, time.March, 6, 15, 20) // Friday
	to := ist(2026, time.March, 9, 9, 20)    // Monday
	assert.InDelta(t, 15.0, MarketMinutesBetween(from, to), 0.001)
}

func TestMarketMinutesBetween_ToBeforeFrom(t *testing.T) {
	from := ist(2026, time.March, 3, 10, 0)
	to := ist(2026, time.March, 3, 9, 0)
	assert.Equal(t, 0.0, MarketMinutesBetween(from, to))
}

func TestYearFraction_ExpiredIsZero(t *testing.T) {
	now := ist(2026, time.March, 10, 10, 0)
	expiry := ist(2026, time.March, 5, 15, 30)
	assert.Equal(t, 0.0, YearFraction(now, ExpiryClose(expiry)))
}

func TestMarketDate_TruncatesToMidnight(t *testing.T) {
	when := ist(2026, time.March, 3, 14, 45)
	got := MarketDate(when)
	assert.Equal(t, 0, got.Hour())
	assert.Equal(t, 3, got.Day())
}
