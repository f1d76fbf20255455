package store

import (
	"context"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
)

// KV is the minimal read/write surface the refs, pin, cache, and gc
// packages need. *Store implements it directly (each call hits the
// backing datastore immediately); *batch.Writer implements it too,
// staging writes until the surrounding batch commits. Sharing this
// interface lets the reachability-maintenance algorithms in refs/pin
// run unmodified whether or not they are inside a batch.
type KV interface {
	Has(ctx context.Context, key ds.Key) (bool, error)
	Get(ctx context.Context, key ds.Key) ([]byte, error)
	Put(ctx context.Context, key ds.Key, value []byte) error
	Delete(ctx context.Context, key ds.Key) error
	// Query lists keys (and optionally values) under a prefix. It
	// always reflects the underlying datastore plus any writes
	// already staged by the caller, so it is safe to call mid-batch.
	Query(ctx context.Context, q dsq.Query) (dsq.Results, error)
}

var _ KV = (*Store)(nil)

func (s *Store) Has(ctx context.Context, key ds.Key) (bool, error) {
	return s.ds.Has(ctx, key)
}

func (s *Store) Get(ctx context.Context, key ds.Key) ([]byte, error) {
	return s.ds.Get(ctx, key)
}

func (s *Store) Put(ctx context.Context, key ds.Key, value []byte) error {
	return s.ds.Put(ctx, key, value)
}

func (s *Store) Delete(ctx context.Context, key ds.Key) error {
	return s.ds.Delete(ctx, key)
}

func (s *Store) Query(ctx context.Context, q dsq.Query) (dsq.Results, error) {
	return s.ds.Query(ctx, q)
}
