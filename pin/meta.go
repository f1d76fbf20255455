// Package pin is the pin/alias/temp-pin root-set manager (C3) together
// with the reachability counters it keeps consistent (C4). Aliases are
// the only persistent roots (spec.md §3); temp-pins are a volatile,
// handle-scoped root set that never touches disk.
package pin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"

	"github.com/gosuda/dagnode/store"
)

// Meta is the per-CID reachability state of spec.md §3: pins is the
// count of distinct temp-pins whose closure currently includes the
// CID, plus one if any persistent alias transitively includes it;
// referrers is the count of locally stored blocks referencing it;
// public marks blocks that arrived from a remote peer.
type Meta struct {
	Pins      uint64 `json:"pins"`
	Referrers uint64 `json:"referrers"`
	Public    bool   `json:"public"`
	// CacheRank is the cache tracker's (C5) monotonic touch counter,
	// mirrored here per spec.md §6's meta tuple
	// (CID→{pins, referrers, public, cache-rank}). Zero means never
	// touched.
	CacheRank uint64 `json:"cache_rank,omitempty"`
}

// Live reports whether m's counters alone would keep a block around.
// This is necessary but not sufficient: §3 additionally requires the
// block be transitively reachable from a root, which is what the
// reconciliation in reachability.go keeps Pins honest about.
func (m Meta) Live() bool {
	return m.Pins > 0 || m.Referrers > 0
}

// GetMeta reads c's reachability row, defaulting to the zero value if
// c has never been inserted.
func GetMeta(ctx context.Context, kv store.KV, c cid.Cid) (Meta, error) {
	raw, err := kv.Get(ctx, store.MetaKey(c))
	if err != nil {
		if err == ds.ErrNotFound {
			return Meta{}, nil
		}
		return Meta{}, fmt.Errorf("read meta for %s: %w", c, err)
	}
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return Meta{}, fmt.Errorf("decode meta for %s: %w", c, err)
	}
	return m, nil
}

// PutMeta persists c's reachability row.
func PutMeta(ctx context.Context, kv store.KV, c cid.Cid, m Meta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode meta for %s: %w", c, err)
	}
	return kv.Put(ctx, store.MetaKey(c), raw)
}

// DeleteMeta removes c's reachability row, used by GC on eviction.
func DeleteMeta(ctx context.Context, kv store.KV, c cid.Cid) error {
	return kv.Delete(ctx, store.MetaKey(c))
}

// AdjustReferrers applies delta (positive or negative) to c's referrer
// count, initializing the row if absent. A negative result is a bug in
// the caller's bookkeeping, per spec.md §4.3's "underflow is a bug
// (assert)", and panics rather than silently clamping.
func AdjustReferrers(ctx context.Context, kv store.KV, c cid.Cid, delta int64) error {
	m, err := GetMeta(ctx, kv, c)
	if err != nil {
		return err
	}
	m.Referrers = addCounter(m.Referrers, delta, "referrers", c)
	return PutMeta(ctx, kv, c, m)
}

// AdjustPins applies delta to c's pin count, used by the reachability
// reconciliation pass. Same underflow contract as AdjustReferrers.
func AdjustPins(ctx context.Context, kv store.KV, c cid.Cid, delta int64) error {
	m, err := GetMeta(ctx, kv, c)
	if err != nil {
		return err
	}
	m.Pins = addCounter(m.Pins, delta, "pins", c)
	return PutMeta(ctx, kv, c, m)
}

// SetCacheRank overwrites c's cache-tracker rank, used by the cache
// package on every touch.
func SetCacheRank(ctx context.Context, kv store.KV, c cid.Cid, rank uint64) error {
	m, err := GetMeta(ctx, kv, c)
	if err != nil {
		return err
	}
	m.CacheRank = rank
	return PutMeta(ctx, kv, c, m)
}

// MarkPublic sets the informational public flag for a block received
// from a remote peer.
func MarkPublic(ctx context.Context, kv store.KV, c cid.Cid) error {
	m, err := GetMeta(ctx, kv, c)
	if err != nil {
		return err
	}
	m.Public = true
	return PutMeta(ctx, kv, c, m)
}

func addCounter(current uint64, delta int64, name string, c cid.Cid) uint64 {
	next := int64(current) + delta
	if next < 0 {
		panic(fmt.Sprintf("pin: %s counter underflow for %s (current=%d delta=%d)", name, c, current, delta))
	}
	return uint64(next)
}
