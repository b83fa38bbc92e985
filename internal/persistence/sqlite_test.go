package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTrackedPairsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first := PairRecord{ChainID: 1, Account: "0xABC", Token0: "0x0A", Token1: "0x0B", AddedAt: base}
	second := PairRecord{ChainID: 1, Account: "0xabc", Token0: "0x0c", Token1: "0x0d", AddedAt: base.Add(time.Minute)}

	require.NoError(t, store.AddTrackedPair(ctx, second))
	require.NoError(t, store.AddTrackedPair(ctx, first))
	// duplicate is ignored
	require.NoError(t, store.AddTrackedPair(ctx, first))

	pairs, err := store.GetTrackedPairs(ctx, 1, "0xAbC")
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	require.Equal(t, "0x0a", pairs[0].Token0)
	require.Equal(t, "0x0b", pairs[0].Token1)
	require.Equal(t, "0xabc", pairs[0].Account)
	require.Equal(t, "0x0c", pairs[1].Token0)
}

func TestTrackedPairsScopedByChainAndAccount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddTrackedPair(ctx, PairRecord{ChainID: 1, Account: "0x1", Token0: "0xa", Token1: "0xb"}))
	require.NoError(t, store.AddTrackedPair(ctx, PairRecord{ChainID: 5, Account: "0x1", Token0: "0xa", Token1: "0xb"}))
	require.NoError(t, store.AddTrackedPair(ctx, PairRecord{ChainID: 1, Account: "0x2", Token0: "0xa", Token1: "0xb"}))

	pairs, err := store.GetTrackedPairs(ctx, 1, "0x1")
	require.NoError(t, err)
	require.Len(t, pairs, 1)

	pairs, err = store.GetTrackedPairs(ctx, 1, "0x3")
	require.NoError(t, err)
	require.Empty(t, pairs)
}

func TestRemoveTrackedPair(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := PairRecord{ChainID: 1, Account: "0x1", Token0: "0xa", Token1: "0xb"}
	require.NoError(t, store.AddTrackedPair(ctx, rec))
	require.NoError(t, store.RemoveTrackedPair(ctx, rec))

	pairs, err := store.GetTrackedPairs(ctx, 1, "0x1")
	require.NoError(t, err)
	require.Empty(t, pairs)
}

func TestSystemState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	v, err := store.GetSystemState(ctx, StateLastAccount)
	require.NoError(t, err)
	require.Empty(t, v)

	require.NoError(t, store.SetSystemState(ctx, StateLastAccount, "0x1"))
	require.NoError(t, store.SetSystemState(ctx, StateLastAccount, "0x2"))

	v, err = store.GetSystemState(ctx, StateLastAccount)
	require.NoError(t, err)
	require.Equal(t, "0x2", v)
}
