// Package batch is the single-writer, read-write transaction facade
// (C6). A batch groups multiple store operations into one durable
// KV commit: reads inside the batch see prior writes of the same
// batch (read-your-writes via a staged overlay); on success the
// staged writes are flushed atomically to the underlying datastore;
// on any error returned by the caller's function the staged writes
// are discarded and never reach the datastore.
//
// The one documented relaxation (spec.md §4.4): the cache tracker
// (package cache) writes its ordering updates directly to the
// datastore, outside of any batch, so concurrent readers may observe
// cache-rank updates slightly out of order relative to a batch commit.
// Reachability counters and block/refs/alias rows never take this
// shortcut.
package batch

import (
	"context"
	"fmt"
	"sync"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"

	"github.com/gosuda/dagnode/store"
)

// Facade serializes writers over a single Store: at most one batch
// executes at any moment, matching the single-writer shared-resource
// policy of spec.md §5.
type Facade struct {
	s  *store.Store
	mu sync.Mutex
}

// New wraps s in a batch facade.
func New(s *store.Store) *Facade {
	return &Facade{s: s}
}

// RW runs f with a fresh Writer bound to one KV batch. If f returns
// nil, the writer's staged operations are committed atomically. If f
// returns an error, the staged operations are discarded and the
// returned error is propagated to the caller unchanged (batch.RW
// itself never wraps it, so errs sentinels survive errors.Is).
func (b *Facade) RW(ctx context.Context, name string, f func(w *Writer) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	dsBatch, err := b.s.Batching().Batch(ctx)
	if err != nil {
		return fmt.Errorf("open batch %q: %w", name, err)
	}

	w := &Writer{
		ctx:     ctx,
		store:   b.s,
		dsBatch: dsBatch,
		staged:  make(map[string]stageEntry),
	}

	if err := f(w); err != nil {
		return err
	}

	if err := dsBatch.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch %q: %w", name, err)
	}
	return nil
}

// Query lists keys (and, if requested, values) directly against the
// underlying store, bypassing the writer lock. The module's own
// non-blocking readers (pin.Aliases, dagstore.Store.Iter,
// pin.ReverseAlias) call the store's Query directly with the same
// effect. A read outside the lock observes either a
// pre-commit or post-commit snapshot of any concurrently running
// batch, never a partial one, since writes only become visible to the
// datastore at Commit.
func Query(ctx context.Context, s *store.Store, q dsq.Query) (dsq.Results, error) {
	return s.Query(ctx, q)
}

type stageEntry struct {
	value   []byte
	deleted bool
}

// Writer is the batch handle passed to RW's callback. It implements
// store.KV so the refs/pin/sync algorithms can run identically inside
// or outside a batch.
type Writer struct {
	ctx     context.Context
	store   *store.Store
	dsBatch ds.Batch
	staged  map[string]stageEntry
}

var _ store.KV = (*Writer)(nil)

func (w *Writer) Has(ctx context.Context, key ds.Key) (bool, error) {
	if e, ok := w.staged[key.String()]; ok {
		return !e.deleted, nil
	}
	return w.store.Has(ctx, key)
}

func (w *Writer) Get(ctx context.Context, key ds.Key) ([]byte, error) {
	if e, ok := w.staged[key.String()]; ok {
		if e.deleted {
			return nil, ds.ErrNotFound
		}
		return e.value, nil
	}
	return w.store.Get(ctx, key)
}

func (w *Writer) Put(ctx context.Context, key ds.Key, value []byte) error {
	if err := w.dsBatch.Put(ctx, key, value); err != nil {
		return err
	}
	w.staged[key.String()] = stageEntry{value: value}
	return nil
}

func (w *Writer) Delete(ctx context.Context, key ds.Key) error {
	if err := w.dsBatch.Delete(ctx, key); err != nil {
		return err
	}
	w.staged[key.String()] = stageEntry{deleted: true}
	return nil
}

// Query reflects the underlying store overlaid with this writer's
// staged puts/deletes, so a reader inside the same batch sees its own
// prior writes even before commit.
func (w *Writer) Query(ctx context.Context, q dsq.Query) (dsq.Results, error) {
	base, err := w.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(w.staged) == 0 {
		return base, nil
	}

	seen := make(map[string]struct{}, len(w.staged))
	var out []dsq.Entry
	for entry := range base.Next() {
		if entry.Error != nil {
			return nil, entry.Error
		}
		k := ds.NewKey(entry.Key).String()
		seen[k] = struct{}{}
		if e, ok := w.staged[k]; ok {
			if e.deleted {
				continue
			}
			entry.Value = e.value
		}
		out = append(out, entry.Entry)
	}
	prefixKey := ds.NewKey(q.Prefix)
	for k, e := range w.staged {
		if _, ok := seen[k]; ok || e.deleted {
			continue
		}
		kk := ds.NewKey(k)
		if !prefixKey.IsAncestorOf(kk) && kk.String() != prefixKey.String() {
			continue
		}
		out = append(out, dsq.Entry{Key: k, Value: e.value})
	}
	return dsq.ResultsWithEntries(q, out), nil
}
