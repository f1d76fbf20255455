// Package sync is the missing-blocks oracle (C8) and the DAG
// synchronizer (C9): it drives C8 plus an external BlockFetch
// operation to complete a DAG under a set of candidate providers, per
// spec.md §4.7/§4.8.
package sync

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/gosuda/dagnode/refs"
	"github.com/gosuda/dagnode/store"
)

// MissingBlocks is C8: given a root CID, enumerate the CIDs in its
// transitive closure not yet stored locally. Safe to call from inside
// or outside a batch, since it only reads through store.KV.
func MissingBlocks(ctx context.Context, kv store.KV, root cid.Cid) ([]cid.Cid, error) {
	return refs.MissingBlocks(ctx, kv, root)
}
