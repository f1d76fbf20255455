// Package store is the embedded KV backend (C1): a durable ordered
// map used for blocks, the reference index, reachability metadata
// (which also carries each CID's cache-order rank), and the alias
// table. The format on disk is
// opaque outside this package; any backend that satisfies
// go-datastore's Batching contract (atomic batched writes, durable
// flush) can be plugged in, matching the teacher's
// 01-persistent.PersistentType backend selection.
package store

import (
	"fmt"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
)

// Logical tables, one key prefix each, per spec.md §6.
const (
	blocksNS  = "blocks"
	refsNS    = "refs"
	metaNS    = "meta"
	aliasesNS = "aliases"
	cacheNS   = "cache"
)

// BlockKey is the key under which a block's raw bytes are stored.
func BlockKey(c cid.Cid) ds.Key {
	return ds.NewKey("/" + blocksNS + "/" + c.String())
}

// RefsKey is the key under which a CID's extracted child-CID list is
// stored, never recomputed once written.
func RefsKey(c cid.Cid) ds.Key {
	return ds.NewKey("/" + refsNS + "/" + c.String())
}

// MetaKey is the key under which a CID's reachability metadata
// (direct pin count, referrer count, public flag) is stored.
func MetaKey(c cid.Cid) ds.Key {
	return ds.NewKey("/" + metaNS + "/" + c.String())
}

// AliasKey is the key under which a persistent alias's target CID is
// stored. name is the caller-chosen opaque byte string.
func AliasKey(name string) ds.Key {
	return ds.NewKey("/" + aliasesNS + "/" + name)
}

// CacheKey is a CID's key in the separate cache table. Nothing in this
// module reads or writes that table: cache.Tracker keeps each CID's
// rank in its meta row (pin.Meta.CacheRank).
func CacheKey(c cid.Cid) ds.Key {
	return ds.NewKey("/" + cacheNS + "/" + c.String())
}

// AliasName strips the alias-table prefix off a query result key to
// recover the original alias name.
func AliasName(k ds.Key) string {
	return k.BaseNamespace()
}

// ParseCIDFromKey recovers the CID encoded as a key's base component,
// used when iterating over the blocks/refs/meta/cache tables.
func ParseCIDFromKey(k ds.Key) (cid.Cid, error) {
	c, err := cid.Decode(k.BaseNamespace())
	if err != nil {
		return cid.Undef, fmt.Errorf("parse cid from key %q: %w", k, err)
	}
	return c, nil
}

func aliasesPrefix() ds.Key { return ds.NewKey("/" + aliasesNS) }
func blocksPrefix() ds.Key  { return ds.NewKey("/" + blocksNS) }
func metaPrefix() ds.Key    { return ds.NewKey("/" + metaNS) }

// AliasesPrefix, BlocksPrefix and MetaPrefix expose the respective
// table prefixes for callers that need to run a dsq.Query (aliases
// listing, GC candidate scans, reachability reconciliation).
func AliasesPrefix() ds.Key { return aliasesPrefix() }
func BlocksPrefix() ds.Key  { return blocksPrefix() }
func MetaPrefix() ds.Key    { return metaPrefix() }
func CachePrefix() ds.Key   { return ds.NewKey("/" + cacheNS) }
