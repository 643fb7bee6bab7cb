package historical

import (
	"context"
	"testing"
	"time"

	"github.com/aristath/marketstream/internal/broker"
	"github.com/aristath/marketstream/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	calls int
	fail  map[int64]bool
}

func (f *fakeSource) FetchCandles(ctx context.Context, accountID string, inst domain.Instrument, from, to time.Time, batchSize int) ([]Bar, error) {
	f.calls++
	if f.fail[inst.InstrumentToken] {
		return nil, context.DeadlineExceeded
	}
	return []Bar{{InstrumentToken: inst.InstrumentToken, Timestamp: to, Close: 100}}, nil
}

type fakeArchiver struct {
	archived int
}

func (f *fakeArchiver) Archive(ctx context.Context, accountID string, instrumentToken int64, bars []Bar) error {
	f.archived++
	return nil
}

func TestRunBackfillsEachInstrumentOnce(t *testing.T) {
	src := &fakeSource{}
	arch := &fakeArchiver{}
	orch := broker.NewSessionOrchestrator(time.Second)
	b := New(Config{}, src, orch, arch, zerolog.Nop())

	insts := []domain.Instrument{{InstrumentToken: 1}, {InstrumentToken: 2}}
	require.NoError(t, b.Run(context.Background(), "acct-1", insts, time.Now()))

	require.Equal(t, 2, src.calls)
	require.Equal(t, 2, arch.archived)
	require.True(t, b.Done("acct-1"))
}

func TestRunIsNoOpOnceDone(t *testing.T) {
	src := &fakeSource{}
	orch := broker.NewSessionOrchestrator(time.Second)
	b := New(Config{}, src, orch, nil, zerolog.Nop())

	insts := []domain.Instrument{{InstrumentToken: 1}}
	require.NoError(t, b.Run(context.Background(), "acct-1", insts, time.Now()))
	require.NoError(t, b.Run(context.Background(), "acct-1", insts, time.Now()))

	require.Equal(t, 1, src.calls)
}

func TestResetDoneAllowsRerun(t *testing.T) {
	src := &fakeSource{}
	orch := broker.NewSessionOrchestrator(time.Second)
	b := New(Config{}, src, orch, nil, zerolog.Nop())

	insts := []domain.Instrument{{InstrumentToken: 1}}
	require.NoError(t, b.Run(context.Background(), "acct-1", insts, time.Now()))
	b.ResetDone("acct-1")
	require.NoError(t, b.Run(context.Background(), "acct-1", insts, time.Now()))

	require.Equal(t, 2, src.calls)
}

func TestPerInstrumentFailureDoesNotAbortBatch(t *testing.T) {
	src := &fakeSource{fail: map[int64]bool{1: true}}
	orch := broker.NewSessionOrchestrator(time.Second)
	b := New(Config{}, src, orch, nil, zerolog.Nop())

	insts := []domain.Instrument{{InstrumentToken: 1}, {InstrumentToken: 2}}
	require.NoError(t, b.Run(context.Background(), "acct-1", insts, time.Now()))

	require.True(t, b.Done("acct-1"))
	require.Equal(t, 2, src.calls)
}
