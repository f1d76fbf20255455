package cache

import (
	"context"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/dagnode/block"
	"github.com/gosuda/dagnode/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(store.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func cidOf(t *testing.T, payload string) cid.Cid {
	t.Helper()
	blk, err := block.New([]byte(payload), nil)
	require.NoError(t, err)
	return blk.Cid()
}

func TestTouchOrdersOldestFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tr, err := NewTracker(ctx, s)
	require.NoError(t, err)

	a, b, c := cidOf(t, "a"), cidOf(t, "b"), cidOf(t, "c")
	require.NoError(t, tr.Touch(ctx, a))
	require.NoError(t, tr.Touch(ctx, b))
	require.NoError(t, tr.Touch(ctx, c))

	among := map[string]cid.Cid{a.KeyString(): a, b.KeyString(): b, c.KeyString(): c}
	require.Equal(t, []cid.Cid{a, b, c}, tr.Candidates(among))
}

func TestTouchAgainMovesToNewest(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tr, err := NewTracker(ctx, s)
	require.NoError(t, err)

	a, b := cidOf(t, "a"), cidOf(t, "b")
	require.NoError(t, tr.Touch(ctx, a))
	require.NoError(t, tr.Touch(ctx, b))
	require.NoError(t, tr.Touch(ctx, a)) // re-touch a: it becomes newest

	among := map[string]cid.Cid{a.KeyString(): a, b.KeyString(): b}
	require.Equal(t, []cid.Cid{b, a}, tr.Candidates(among))
}

func TestForgetRemovesFromOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tr, err := NewTracker(ctx, s)
	require.NoError(t, err)

	a, b := cidOf(t, "a"), cidOf(t, "b")
	require.NoError(t, tr.Touch(ctx, a))
	require.NoError(t, tr.Touch(ctx, b))
	require.NoError(t, tr.Forget(ctx, a))

	among := map[string]cid.Cid{a.KeyString(): a, b.KeyString(): b}
	require.Equal(t, []cid.Cid{b}, tr.Candidates(among))
}

func TestCandidatesFiltersToGivenSet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tr, err := NewTracker(ctx, s)
	require.NoError(t, err)

	a, b := cidOf(t, "a"), cidOf(t, "b")
	require.NoError(t, tr.Touch(ctx, a))
	require.NoError(t, tr.Touch(ctx, b))

	among := map[string]cid.Cid{a.KeyString(): a} // only a is eviction-eligible
	require.Equal(t, []cid.Cid{a}, tr.Candidates(among))
}

func TestNewTrackerRebuildsOrderFromPersistedRanks(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a, b := cidOf(t, "a"), cidOf(t, "b")
	tr1, err := NewTracker(ctx, s)
	require.NoError(t, err)
	require.NoError(t, tr1.Touch(ctx, a))
	require.NoError(t, tr1.Touch(ctx, b))

	tr2, err := NewTracker(ctx, s)
	require.NoError(t, err)
	among := map[string]cid.Cid{a.KeyString(): a, b.KeyString(): b}
	require.Equal(t, []cid.Cid{a, b}, tr2.Candidates(among), "order must survive a tracker restart")
}
