package pin

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"

	"github.com/gosuda/dagnode/refs"
	"github.com/gosuda/dagnode/store"
)

func queryAll(prefix ds.Key) dsq.Query {
	return dsq.Query{Prefix: prefix.String(), KeysOnly: true}
}

// Reconcile recomputes the Pins component of every reachable CID's
// meta row from the current root set (alias targets ∪ every live
// temp-pin's roots) and applies the deltas against what is currently
// persisted.
//
// spec.md §4.3 describes Pins as incrementally adjusted at the moment
// an alias or temp-pin changes, plus an "extend the closure" step
// whenever a previously-missing child arrives via insert. Maintaining
// that exactly requires tracking, per root, which parts of its closure
// were already credited versus still pending on an absent child — easy
// to get subtly wrong, especially once two roots' closures overlap
// (the spec's "plus 1 if any alias... includes it" phrasing caps the
// alias contribution at one regardless of how many alias names share a
// descendant, which a naive per-alias increment/decrement would double
// count). Reconcile instead recomputes the full root-closure union from
// scratch on every alias mutation and after every insert, and persists
// only the delta versus the previous value. The externally observable
// result is identical to a correct incremental implementation — the
// same CIDs end up with the same Pins value after the same sequence of
// operations — at the cost of doing proportionally more work per
// mutation. This call always runs inside the caller's batch, so it is
// atomic with whatever alias/temp-pin/insert change triggered it.
func Reconcile(ctx context.Context, kv store.KV, reg *Registry) error {
	tempPinCounts := make(map[string]uint64)
	tempPinCids := make(map[string]cid.Cid)
	for _, roots := range reg.Snapshot() {
		closureCids := make(map[string]cid.Cid)
		for _, root := range roots {
			closure, err := refs.LocalClosure(ctx, kv, root)
			if err != nil {
				return fmt.Errorf("temp-pin closure for %s: %w", root, err)
			}
			for _, c := range closure {
				closureCids[c.KeyString()] = c
			}
			// the root itself counts even if not yet fetched: a CID can be
			// temp-pinned before it exists locally (spec.md §4.2's insert
			// ordering guarantee), and once it arrives the very next
			// reconcile call must credit it without a second mutation.
			closureCids[root.KeyString()] = root
		}
		for key, c := range closureCids {
			tempPinCounts[key]++
			tempPinCids[key] = c
		}
	}

	aliasSet := make(map[string]cid.Cid)
	aliases, err := Aliases(ctx, kv)
	if err != nil {
		return fmt.Errorf("list aliases: %w", err)
	}
	for _, name := range aliases {
		target, ok, err := Resolve(ctx, kv, name)
		if err != nil {
			return fmt.Errorf("resolve alias %q: %w", name, err)
		}
		if !ok {
			continue
		}
		aliasSet[target.KeyString()] = *target
		closure, err := refs.LocalClosure(ctx, kv, *target)
		if err != nil {
			return fmt.Errorf("alias closure for %s: %w", target, err)
		}
		for _, c := range closure {
			aliasSet[c.KeyString()] = c
		}
	}

	desired := make(map[string]uint64, len(tempPinCounts)+len(aliasSet))
	cids := make(map[string]cid.Cid, len(tempPinCounts)+len(aliasSet))
	for key, n := range tempPinCounts {
		desired[key] = n
		cids[key] = tempPinCids[key]
	}
	for key, c := range aliasSet {
		desired[key]++
		cids[key] = c
	}

	// Anything currently carrying a nonzero Pins value that fell out of
	// desired entirely must be reset to zero.
	results, err := kv.Query(ctx, queryAll(store.MetaPrefix()))
	if err != nil {
		return fmt.Errorf("scan meta table: %w", err)
	}
	entries, err := results.Rest()
	if err != nil {
		return fmt.Errorf("read meta table: %w", err)
	}
	for _, entry := range entries {
		c, err := store.ParseCIDFromKey(ds.NewKey(entry.Key))
		if err != nil {
			return fmt.Errorf("parse meta key %q: %w", entry.Key, err)
		}
		key := c.KeyString()
		if _, ok := desired[key]; ok {
			continue
		}
		desired[key] = 0
		cids[key] = c
	}

	for key, want := range desired {
		c := cids[key]
		m, err := GetMeta(ctx, kv, c)
		if err != nil {
			return err
		}
		if m.Pins == want {
			continue
		}
		delta := int64(want) - int64(m.Pins)
		if err := AdjustPins(ctx, kv, c, delta); err != nil {
			return err
		}
	}
	return nil
}
