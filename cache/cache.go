// Package cache is the cache tracker (C5): a total order over blocks
// that are unpinned and have no live referrer, used by the GC sweeper
// to pick eviction victims oldest-first. Per spec.md §4.4, cache-order
// updates are the one piece of state allowed to be written outside a
// batch's atomic write set, so a concurrent reader may observe a
// slightly stale rank relative to an in-flight commit.
package cache

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"

	"github.com/gosuda/dagnode/pin"
	"github.com/gosuda/dagnode/store"
)

func queryAll(prefix ds.Key) dsq.Query {
	return dsq.Query{Prefix: prefix.String(), KeysOnly: true}
}

// Tracker maintains an in-memory, access-ordered list of every CID
// ever touched, backed by hashicorp's intrusive LRU list (used here
// purely for its ordering, not its capacity eviction: the list is
// sized unbounded and GC, not the tracker, decides what to evict).
// The rank behind each entry is mirrored into the CID's meta row
// (pin.Meta.CacheRank) so a restart can rebuild the order.
type Tracker struct {
	s   *store.Store
	mu  sync.Mutex
	lru *lru.LRU[string, cid.Cid]
	ctr uint64
}

// NewTracker rebuilds the tracker's order from persisted cache ranks.
func NewTracker(ctx context.Context, s *store.Store) (*Tracker, error) {
	l, err := lru.NewLRU[string, cid.Cid](math.MaxInt, nil)
	if err != nil {
		return nil, fmt.Errorf("init cache tracker lru: %w", err)
	}
	t := &Tracker{s: s, lru: l}

	ranked, err := t.loadRanked(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].rank != ranked[j].rank {
			return ranked[i].rank < ranked[j].rank
		}
		return ranked[i].c.String() < ranked[j].c.String()
	})
	for _, rc := range ranked {
		t.lru.Add(rc.c.KeyString(), rc.c)
		if rc.rank > t.ctr {
			t.ctr = rc.rank
		}
	}
	return t, nil
}

// Touch records c as the most recently used block. Deliberately run
// outside any surrounding batch, per the package's documented
// relaxation.
func (t *Tracker) Touch(ctx context.Context, c cid.Cid) error {
	t.mu.Lock()
	t.ctr++
	rank := t.ctr
	t.lru.Add(c.KeyString(), c)
	t.mu.Unlock()

	if err := pin.SetCacheRank(ctx, t.s, c, rank); err != nil {
		return fmt.Errorf("touch cache rank for %s: %w", c, err)
	}
	return nil
}

// Forget removes c from the tracked order, used when a block becomes
// pinned (it leaves the eviction pool) or is evicted by GC.
func (t *Tracker) Forget(ctx context.Context, c cid.Cid) error {
	t.mu.Lock()
	t.lru.Remove(c.KeyString())
	t.mu.Unlock()

	if err := pin.SetCacheRank(ctx, t.s, c, 0); err != nil {
		return fmt.Errorf("forget cache rank for %s: %w", c, err)
	}
	return nil
}

// Candidates returns every tracked CID among the given set, ordered
// oldest-first, ties broken by CID order, per spec.md §3.
func (t *Tracker) Candidates(among map[string]cid.Cid) []cid.Cid {
	t.mu.Lock()
	keys := t.lru.Keys()
	t.mu.Unlock()

	out := make([]cid.Cid, 0, len(among))
	for _, k := range keys {
		if c, ok := among[k]; ok {
			out = append(out, c)
		}
	}
	return out
}

type rankedCid struct {
	c    cid.Cid
	rank uint64
}

func (t *Tracker) loadRanked(ctx context.Context) ([]rankedCid, error) {
	results, err := t.s.Query(ctx, queryAll(store.MetaPrefix()))
	if err != nil {
		return nil, fmt.Errorf("query meta table for cache ranks: %w", err)
	}
	entries, err := results.Rest()
	if err != nil {
		return nil, fmt.Errorf("read meta table for cache ranks: %w", err)
	}
	out := make([]rankedCid, 0, len(entries))
	for _, e := range entries {
		c, err := store.ParseCIDFromKey(ds.NewKey(e.Key))
		if err != nil {
			return nil, fmt.Errorf("parse meta key %q: %w", e.Key, err)
		}
		m, err := pin.GetMeta(ctx, t.s, c)
		if err != nil {
			return nil, err
		}
		if m.CacheRank == 0 {
			continue
		}
		out = append(out, rankedCid{c: c, rank: m.CacheRank})
	}
	return out, nil
}
