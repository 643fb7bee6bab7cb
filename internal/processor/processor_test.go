package processor

import (
	"context"
	"testing"
	"time"

	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/greeks"
	"github.com/aristath/marketstream/internal/validator"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeLookup struct {
	byToken map[int64]domain.Instrument
}

func (f *fakeLookup) Lookup(ctx context.Context, token int64, now time.Time) (domain.Instrument, bool, error) {
	inst, ok := f.byToken[token]
	return inst, ok, nil
}

func newTestProcessor(lookup *fakeLookup, sinks Sinks) *Processor {
	v := validator.New(validator.Config{Mode: validator.Lenient}, zerolog.Nop())
	calc := greeks.NewCalculator(greeks.Config{RiskFreeRate: 0.06, MaxUnderlyingAge: 2 * time.Second})
	return New(lookup, v, calc, sinks, zerolog.Nop())
}

func TestUnderlyingTickUpdatesLastPriceAndEmits(t *testing.T) {
	lookup := &fakeLookup{byToken: map[int64]domain.Instrument{
		256265: {InstrumentToken: 256265, TradingSymbol: "NSE:NIFTY 50", Segment: domain.SegmentIndex},
	}}
	var emitted []domain.UnderlyingBar
	p := newTestProcessor(lookup, Sinks{EmitUnderlying: func(b domain.UnderlyingBar) { emitted = append(emitted, b) }})

	now := time.Now()
	p.Process(context.Background(), "acct-1", []domain.TickFrame{
		{InstrumentToken: 256265, LastPrice: 22500.5, Timestamp: now},
	}, now)

	require.Len(t, emitted, 1)
	require.Equal(t, "NIFTY 50", emitted[0].Symbol)
	require.Equal(t, Stats{Processed: 1}, p.Stats())
}

func TestOptionWithoutUnderlyingEmitsWithoutGreeks(t *testing.T) {
	lookup := &fakeLookup{byToken: map[int64]domain.Instrument{
		1: {InstrumentToken: 1, TradingSymbol: "NFO:NIFTY24DEC22500CE", Segment: domain.SegmentOptions,
			UnderlyingSymbol: "NIFTY 50", Strike: 22500, OptionType: domain.OptionTypeCall},
	}}
	var emitted []domain.OptionSnapshot
	p := newTestProcessor(lookup, Sinks{EmitOption: func(s domain.OptionSnapshot) { emitted = append(emitted, s) }})

	now := time.Now()
	p.Process(context.Background(), "acct-1", []domain.TickFrame{
		{InstrumentToken: 1, LastPrice: 120, Timestamp: now},
	}, now)

	require.Len(t, emitted, 1)
	require.False(t, emitted[0].GreeksOK)
	require.EqualValues(t, 1, p.Stats().GreeksMissingUnderlying)
}

func TestOptionWithFreshUnderlyingGetsGreeks(t *testing.T) {
	future := time.Now().Add(30 * 24 * time.Hour)
	lookup := &fakeLookup{byToken: map[int64]domain.Instrument{
		256265: {InstrumentToken: 256265, TradingSymbol: "NSE:NIFTY 50", Segment: domain.SegmentIndex},
		1:      {InstrumentToken: 1, TradingSymbol: "NFO:NIFTY24DEC22500CE", Segment: domain.SegmentOptions, Expiry: &future,
			UnderlyingSymbol: "NIFTY 50", Strike: 22500, OptionType: domain.OptionTypeCall},
	}}
	var emitted []domain.OptionSnapshot
	p := newTestProcessor(lookup, Sinks{
		EmitUnderlying: func(domain.UnderlyingBar) {},
		EmitOption:     func(s domain.OptionSnapshot) { emitted = append(emitted, s) },
	})

	now := time.Now()
	p.Process(context.Background(), "acct-1", []domain.TickFrame{{InstrumentToken: 256265, LastPrice: 22500, Timestamp: now}}, now)
	p.Process(context.Background(), "acct-1", []domain.TickFrame{{InstrumentToken: 1, LastPrice: 150, Timestamp: now}}, now)

	require.Len(t, emitted, 1)
	require.True(t, emitted[0].GreeksOK)
}

func TestExpiredInstrumentSkipped(t *testing.T) {
	past := time.Now().Add(-24 * time.Hour)
	lookup := &fakeLookup{byToken: map[int64]domain.Instrument{
		1: {InstrumentToken: 1, Segment: domain.SegmentOptions, Expiry: &past},
	}}
	var calls int
	p := newTestProcessor(lookup, Sinks{EmitOption: func(domain.OptionSnapshot) { calls++ }})

	now := time.Now()
	p.Process(context.Background(), "acct-1", []domain.TickFrame{{InstrumentToken: 1, LastPrice: 10, Timestamp: now}}, now)

	require.Equal(t, 0, calls)
	require.EqualValues(t, 1, p.Stats().ExpiredSkipped)
}

func TestUnresolvedInstrumentCounted(t *testing.T) {
	lookup := &fakeLookup{byToken: map[int64]domain.Instrument{}}
	p := newTestProcessor(lookup, Sinks{})

	now := time.Now()
	p.Process(context.Background(), "acct-1", []domain.TickFrame{{InstrumentToken: 999, LastPrice: 10, Timestamp: now}}, now)

	require.EqualValues(t, 1, p.Stats().UnresolvedInstrument)
}

func TestLastTickAtRecordedPerAccount(t *testing.T) {
	lookup := &fakeLookup{byToken: map[int64]domain.Instrument{}}
	p := newTestProcessor(lookup, Sinks{})

	now := time.Now()
	p.Process(context.Background(), "acct-1", nil, now)

	got, ok := p.LastTickAt("acct-1")
	require.True(t, ok)
	require.WithinDuration(t, now, got, time.Millisecond)

	_, ok = p.LastTickAt("acct-2")
	require.False(t, ok)
}
