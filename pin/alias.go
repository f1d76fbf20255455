package pin

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"

	"github.com/gosuda/dagnode/batch"
	"github.com/gosuda/dagnode/refs"
	"github.com/gosuda/dagnode/store"
)

// Resolve reads the CID an alias currently names, if any.
func Resolve(ctx context.Context, kv store.KV, name string) (*cid.Cid, bool, error) {
	raw, err := kv.Get(ctx, store.AliasKey(name))
	if err != nil {
		if err == ds.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("resolve alias %q: %w", name, err)
	}
	c, err := cid.Decode(string(raw))
	if err != nil {
		return nil, false, fmt.Errorf("decode alias target %q: %w", name, err)
	}
	return &c, true, nil
}

// Aliases lists every alias name currently set.
func Aliases(ctx context.Context, kv store.KV) ([]string, error) {
	results, err := kv.Query(ctx, queryAll(store.AliasesPrefix()))
	if err != nil {
		return nil, fmt.Errorf("query aliases: %w", err)
	}
	entries, err := results.Rest()
	if err != nil {
		return nil, fmt.Errorf("read aliases: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, store.AliasName(ds.NewKey(e.Key)))
	}
	return names, nil
}

// Alias sets (or, with target nil, clears) a persistent alias, and
// atomically reconciles the reachability counters affected by the
// change. Runs inside its own batch: spec.md §4.2 calls alias "atomic
// w.r.t. reachability update".
func Alias(ctx context.Context, facade *batch.Facade, reg *Registry, name string, target *cid.Cid) error {
	return facade.RW(ctx, "alias:"+name, func(w *batch.Writer) error {
		if target == nil {
			if err := w.Delete(ctx, store.AliasKey(name)); err != nil {
				return fmt.Errorf("clear alias %q: %w", name, err)
			}
		} else {
			if err := w.Put(ctx, store.AliasKey(name), []byte(target.String())); err != nil {
				return fmt.Errorf("set alias %q: %w", name, err)
			}
		}
		return Reconcile(ctx, w, reg)
	})
}

// ReverseAlias returns every alias name whose root transitively
// reaches c via stored blocks, per spec.md §4.2.
func ReverseAlias(ctx context.Context, kv store.KV, c cid.Cid) ([]string, error) {
	names, err := Aliases(ctx, kv)
	if err != nil {
		return nil, err
	}
	target := c.KeyString()
	var out []string
	for _, name := range names {
		root, ok, err := Resolve(ctx, kv, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		closure, err := refs.LocalClosure(ctx, kv, *root)
		if err != nil {
			return nil, fmt.Errorf("closure for alias %q: %w", name, err)
		}
		for _, member := range closure {
			if member.KeyString() == target {
				out = append(out, name)
				break
			}
		}
	}
	return out, nil
}
