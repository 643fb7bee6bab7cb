package instruments

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/marketstream/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	calls int64
	mu    sync.Mutex
	delay time.Duration
	insts []domain.Instrument
}

func (f *fakeSource) FetchInstruments(ctx context.Context) ([]domain.Instrument, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insts, nil
}

func TestLookupRefreshesOnFirstAccess(t *testing.T) {
	src := &fakeSource{insts: []domain.Instrument{{InstrumentToken: 1, TradingSymbol: "NIFTY"}}}
	reg := New(src, Config{}, zerolog.Nop())

	inst, ok, err := reg.Lookup(context.Background(), 1, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "NIFTY", inst.TradingSymbol)
	require.EqualValues(t, 1, atomic.LoadInt64(&src.calls))
}

func TestConcurrentLookupsSingleFlight(t *testing.T) {
	src := &fakeSource{delay: 50 * time.Millisecond, insts: []domain.Instrument{{InstrumentToken: 1}}}
	reg := New(src, Config{}, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = reg.Lookup(context.Background(), 1, time.Now())
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt64(&src.calls), "concurrent lookups must collapse onto one refresh")
}

func TestUnresolvedTokenAfterRefresh(t *testing.T) {
	src := &fakeSource{insts: []domain.Instrument{{InstrumentToken: 1}}}
	reg := New(src, Config{}, zerolog.Nop())

	_, ok, err := reg.Lookup(context.Background(), 999, time.Now())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExplicitRefreshForcesRefetch(t *testing.T) {
	src := &fakeSource{insts: []domain.Instrument{{InstrumentToken: 1}}}
	reg := New(src, Config{StalenessInterval: time.Hour}, zerolog.Nop())

	_, _, _ = reg.Lookup(context.Background(), 1, time.Now())
	require.NoError(t, reg.Refresh(context.Background()))

	require.EqualValues(t, 2, atomic.LoadInt64(&src.calls))
}
