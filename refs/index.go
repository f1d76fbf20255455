package refs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"

	"github.com/gosuda/dagnode/store"
)

// refsRow is the on-disk shape of the refs table. It is internal
// bookkeeping, never user content, so it is encoded with stdlib JSON
// rather than routed through a content codec (see SPEC_FULL.md §4).
type refsRow struct {
	Children []string `json:"children"`
}

// Get reads the persisted child list for c. Returns (nil, false, nil)
// if c has no refs row yet (i.e. c was never inserted).
func Get(ctx context.Context, kv store.KV, c cid.Cid) ([]cid.Cid, bool, error) {
	raw, err := kv.Get(ctx, store.RefsKey(c))
	if err != nil {
		if err == ds.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read refs for %s: %w", c, err)
	}
	var row refsRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, false, fmt.Errorf("decode refs for %s: %w", c, err)
	}
	children := make([]cid.Cid, 0, len(row.Children))
	for _, s := range row.Children {
		cc, err := cid.Decode(s)
		if err != nil {
			return nil, false, fmt.Errorf("decode child cid %q of %s: %w", s, c, err)
		}
		children = append(children, cc)
	}
	return children, true, nil
}

// Put persists c's child list. Called exactly once, at insert time.
func Put(ctx context.Context, kv store.KV, c cid.Cid, children []cid.Cid) error {
	row := refsRow{Children: make([]string, len(children))}
	for i, cc := range children {
		row.Children[i] = cc.String()
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode refs for %s: %w", c, err)
	}
	return kv.Put(ctx, store.RefsKey(c), raw)
}

// Delete removes c's refs row (used by GC when a block is evicted).
func Delete(ctx context.Context, kv store.KV, c cid.Cid) error {
	return kv.Delete(ctx, store.RefsKey(c))
}

// Present reports whether a block's bytes are stored locally.
func Present(ctx context.Context, kv store.KV, c cid.Cid) (bool, error) {
	ok, err := kv.Has(ctx, store.BlockKey(c))
	if err != nil {
		return false, fmt.Errorf("check block presence for %s: %w", c, err)
	}
	return ok, nil
}

// MissingBlocks performs the iterative closure described in spec.md
// §4.1: depth-first from root, recursing into refs of locally present
// CIDs and collecting absent ones, deterministic by child order, no
// duplicates, first-discovery order preserved.
func MissingBlocks(ctx context.Context, kv store.KV, root cid.Cid) ([]cid.Cid, error) {
	var missing []cid.Cid
	visited := make(map[string]struct{})

	var visit func(c cid.Cid) error
	visit = func(c cid.Cid) error {
		key := c.KeyString()
		if _, ok := visited[key]; ok {
			return nil
		}
		visited[key] = struct{}{}

		present, err := Present(ctx, kv, c)
		if err != nil {
			return err
		}
		if !present {
			missing = append(missing, c)
			return nil
		}

		children, _, err := Get(ctx, kv, c)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := visit(child); err != nil {
				return err
			}
		}
		return nil
	}

	if err := visit(root); err != nil {
		return nil, err
	}
	return missing, nil
}

// LocalClosure returns the set of CIDs reachable from root by walking
// only already-present blocks' ref lists (spec.md §4.3: "closures use
// refs only"). root itself is included only if present locally.
func LocalClosure(ctx context.Context, kv store.KV, root cid.Cid) ([]cid.Cid, error) {
	var closure []cid.Cid
	visited := make(map[string]struct{})

	var visit func(c cid.Cid) error
	visit = func(c cid.Cid) error {
		key := c.KeyString()
		if _, ok := visited[key]; ok {
			return nil
		}
		visited[key] = struct{}{}

		present, err := Present(ctx, kv, c)
		if err != nil {
			return err
		}
		if !present {
			return nil
		}
		closure = append(closure, c)

		children, _, err := Get(ctx, kv, c)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := visit(child); err != nil {
				return err
			}
		}
		return nil
	}

	if err := visit(root); err != nil {
		return nil, err
	}
	return closure, nil
}
