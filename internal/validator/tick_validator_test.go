package validator

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketstream/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTick(token int64) domain.TickFrame {
	return domain.TickFrame{
		InstrumentToken: token,
		LastPrice:       100.5,
		Volume:          1000,
		Timestamp:       time.Now(),
	}
}

func TestValidate_LenientDropsOnlyBadTicks(t *testing.T) {
	v := New(Config{Mode: Lenient}, zerolog.Nop())
	now := time.Now()

	bad := validTick(2)
	bad.LastPrice = -1

	result, err := v.Validate([]domain.TickFrame{validTick(1), bad, validTick(3)}, now)
	require.NoError(t, err)
	assert.Len(t, result.Valid, 2)
	assert.Equal(t, 1, result.Dropped)
	assert.Equal(t, int64(1), v.DropCount())
}

func TestValidate_StrictAbortsOnFirstBadTick(t *testing.T) {
	v := New(Config{Mode: Strict}, zerolog.Nop())
	now := time.Now()

	bad := validTick(2)
	bad.Volume = -5

	result, err := v.Validate([]domain.TickFrame{validTick(1), bad, validTick(3)}, now)
	require.Error(t, err)
	assert.Nil(t, result.Valid)
}

func TestValidate_NeverMutatesInput(t *testing.T) {
	v := New(Config{Mode: Lenient}, zerolog.Nop())
	ticks := []domain.TickFrame{validTick(1), validTick(2)}
	original := append([]domain.TickFrame(nil), ticks...)

	_, err := v.Validate(ticks, time.Now())
	require.NoError(t, err)
	assert.Equal(t, original, ticks)
}

func TestValidate_RejectsNonPositivePrice(t *testing.T) {
	v := New(Config{Mode: Lenient}, zerolog.Nop())
	tick := validTick(1)
	tick.LastPrice = 0

	result, err := v.Validate([]domain.TickFrame{tick}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, result.Valid)
	assert.Equal(t, 1, result.Dropped)
}

func TestValidate_RejectsPriceAboveCeiling(t *testing.T) {
	v := New(Config{Mode: Lenient, MaxPrice: 1000}, zerolog.Nop())
	tick := validTick(1)
	tick.LastPrice = 5000

	result, _ := v.Validate([]domain.TickFrame{tick}, time.Now())
	assert.Empty(t, result.Valid)
}

func TestValidate_RejectsFutureTimestamp(t *testing.T) {
	v := New(Config{Mode: Lenient}, zerolog.Nop())
	tick := validTick(1)
	tick.Timestamp = time.Now().Add(48 * time.Hour)

	result, _ := v.Validate([]domain.TickFrame{tick}, time.Now())
	assert.Empty(t, result.Valid)
}
