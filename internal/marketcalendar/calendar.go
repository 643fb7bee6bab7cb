// Package marketcalendar answers IST trading-calendar questions: is the NSE
// open right now, what is today's market date, and how many market-minutes
// separate two instants. GreeksCalculator uses the minute count to express
// time-to-expiry as a fraction of a 365-day year instead of a raw calendar
// fraction, so an option two weekend-days from expiry doesn't get priced as
// if those were trading days.
package marketcalendar

import (
	"time"

	"github.com/aristath/marketstream/internal/domain"
)

var istLocation = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Asia/Kolkata is a fixed UTC+5:30 offset with no DST; falling back to
		// a static offset keeps calendar math correct even without tzdata.
		return time.FixedZone("IST", 5*3600+30*60)
	}
	return loc
}()

const (
	marketOpenHour   = 9
	marketOpenMinute = 15
	marketCloseHour  = 15
	marketCloseMinute = 30
)

// fixedHolidays lists NSE trading holidays by (month, day), recurring every
// year. This omits holidays that move with the lunar/Hindu calendar
// (Diwali, Holi, ...); those require a published yearly circular and are
// intentionally left to an operational override hook rather than guessed.
var fixedHolidays = map[[2]int]bool{
	{1, 26}:  true, // Republic Day
	{8, 15}:  true, // Independence Day
	{10, 2}:  true, // Gandhi Jayanti
	{12, 25}: true, // Christmas
}

// segmentClose maps a segment to its distinct NSE/BSE session close (IST
// hour/minute). Index/futures/options/equity all close at 1530; a
// deployment that starts streaming currency or commodity instruments (both
// trade past the equity close) only needs an entry added here, not a
// change to any caller.
var segmentClose = map[domain.Segment][2]int{
	domain.SegmentIndex:   {marketCloseHour, marketCloseMinute},
	domain.SegmentFutures: {marketCloseHour, marketCloseMinute},
	domain.SegmentOptions: {marketCloseHour, marketCloseMinute},
	domain.SegmentEquity:  {marketCloseHour, marketCloseMinute},
}

func closeHourMinute(segment domain.Segment) (hour, minute int) {
	if hm, ok := segmentClose[segment]; ok {
		return hm[0], hm[1]
	}
	return marketCloseHour, marketCloseMinute
}

// IST converts t to the India Standard Time zone.
func IST(t time.Time) time.Time {
	return t.In(istLocation)
}

// Location returns the IST time zone, for schedulers that need to anchor
// wall-clock triggers to the trading calendar's zone.
func Location() *time.Location {
	return istLocation
}

// MarketDate returns the trading-calendar date (midnight IST) that t falls
// on, the unit subscriptions and instrument expiries are compared against.
func MarketDate(t time.Time) time.Time {
	ist := IST(t)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), 0, 0, 0, 0, istLocation)
}

// IsHoliday reports whether date (any time on that calendar day) is a
// recognized NSE holiday.
func IsHoliday(date time.Time) bool {
	ist := IST(date)
	return fixedHolidays[[2]int{int(ist.Month()), ist.Day()}]
}

// IsTradingDay reports whether date is a weekday and not a holiday.
func IsTradingDay(date time.Time) bool {
	ist := IST(date)
	if ist.Weekday() == time.Saturday || ist.Weekday() == time.Sunday {
		return false
	}
	return !IsHoliday(ist)
}

// sessionBounds returns the open and close instants, in IST, for the
// trading session containing day (day's year/month/day component is used;
// time-of-day is ignored).
func sessionBounds(day time.Time) (open, close time.Time) {
	ist := IST(day)
	open = time.Date(ist.Year(), ist.Month(), ist.Day(), marketOpenHour, marketOpenMinute, 0, 0, istLocation)
	close = time.Date(ist.Year(), ist.Month(), ist.Day(), marketCloseHour, marketCloseMinute, 0, 0, istLocation)
	return
}

// IsMarketOpen reports whether segment's session is open at t. Close time
// varies by segment (see segmentClose), so the mock-data safety gate
// (internal/mockdata.SafeToServe) doesn't treat a still-trading
// extended-hours segment as closed just because the equity/F&O session
// has ended.
func IsMarketOpen(segment domain.Segment, t time.Time) bool {
	ist := IST(t)
	if !IsTradingDay(ist) {
		return false
	}
	hour, minute := closeHourMinute(segment)
	open := time.Date(ist.Year(), ist.Month(), ist.Day(), marketOpenHour, marketOpenMinute, 0, 0, istLocation)
	close := time.Date(ist.Year(), ist.Month(), ist.Day(), hour, minute, 0, 0, istLocation)
	return !ist.Before(open) && ist.Before(close)
}

// MarketMinutesBetween returns the number of trading minutes between from
// and to (to must not be before from), counting only minutes that fall
// within a trading day's 0915-1530 session. Used to express an option's
// time-to-expiry excluding weekends and overnight gaps.
func MarketMinutesBetween(from, to time.Time) float64 {
	from, to = IST(from), IST(to)
	if !to.After(from) {
		return 0
	}

	total := 0.0
	day := MarketDate(from)
	for !day.After(MarketDate(to)) {
		if IsTradingDay(day) {
			open, close := sessionBounds(day)
			segStart, segEnd := open, close
			if segStart.Before(from) {
				segStart = from
			}
			if segEnd.After(to) {
				segEnd = to
			}
			if segEnd.After(segStart) {
				total += segEnd.Sub(segStart).Minutes()
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return total
}

// minutesPerYear is the minute budget of a 365-day reference year at 375
// minutes/session (0915-1530). Dividing a market-minute distance by this
// yields a year fraction anchored to actual trading time rather than raw
// calendar days.
const minutesPerYear = 375.0 * 365.0

// YearFraction expresses the market-minute distance between now and expiry
// as a fraction of a 365-day year, the T input to Black-Scholes.
func YearFraction(now, expiryClose time.Time) float64 {
	minutes := MarketMinutesBetween(now, expiryClose)
	return minutes / minutesPerYear
}

// ExpiryClose returns 1530 IST on the given expiry date.
func ExpiryClose(expiry time.Time) time.Time {
	ist := IST(expiry)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), marketCloseHour, marketCloseMinute, 0, 0, istLocation)
}
