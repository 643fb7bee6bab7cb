package subscriptions

import (
	"testing"

	"github.com/aristath/marketstream/internal/database"
	"github.com/aristath/marketstream/internal/dbtest"
	"github.com/aristath/marketstream/internal/domain"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := dbtest.New(t, "subscriptions", database.ProfileStandard)
	return New(db)
}

func TestUpsertAndGet(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Upsert(101, domain.ModeFull, "acct-a"))

	sub, err := store.Get(101)
	require.NoError(t, err)
	require.Equal(t, int64(101), sub.InstrumentToken)
	require.Equal(t, domain.ModeFull, sub.RequestedMode)
	require.Equal(t, domain.SubscriptionActive, sub.Status)
	require.Equal(t, "acct-a", sub.AssignedAccountID)
}

func TestUpsertIsIdempotentOnMode(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Upsert(202, domain.ModeLTP, ""))
	require.NoError(t, store.Upsert(202, domain.ModeFull, "acct-b"))

	sub, err := store.Get(202)
	require.NoError(t, err)
	require.Equal(t, domain.ModeFull, sub.RequestedMode)
	require.Equal(t, "acct-b", sub.AssignedAccountID)
}

func TestDeactivate(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Upsert(303, domain.ModeQuote, "acct-a"))
	require.NoError(t, store.Deactivate(303))

	sub, err := store.Get(303)
	require.NoError(t, err)
	require.Equal(t, domain.SubscriptionInactive, sub.Status)
}

func TestDeactivateUnknownReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	err := store.Deactivate(999)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListActiveExcludesInactive(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Upsert(1, domain.ModeFull, "a"))
	require.NoError(t, store.Upsert(2, domain.ModeFull, "a"))
	require.NoError(t, store.Deactivate(2))

	active, err := store.ListActive()
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, int64(1), active[0].InstrumentToken)
}

func TestListFiltersByStatusAndPaginates(t *testing.T) {
	store := newTestStore(t)
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, store.Upsert(i, domain.ModeFull, "a"))
	}
	require.NoError(t, store.Deactivate(3))

	page, err := store.List(domain.SubscriptionActive, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)

	all, err := store.List("", 100, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
}

func TestAssignAccount(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Upsert(42, domain.ModeFull, ""))
	require.NoError(t, store.AssignAccount(42, "acct-z"))

	sub, err := store.Get(42)
	require.NoError(t, err)
	require.Equal(t, "acct-z", sub.AssignedAccountID)
}
