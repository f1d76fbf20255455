package store

import (
	"context"
	"fmt"
	"os"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	badgerds "github.com/ipfs/go-ds-badger"
	pebbleds "github.com/ipfs/go-ds-pebble"
)

// Backend selects the embedded engine backing a Store, mirroring the
// teacher's persistent.PersistentType enumeration.
type Backend string

const (
	// Memory keeps everything in a mutex-wrapped map datastore; it is
	// selected automatically when Config.Path is empty.
	Memory Backend = "memory"
	// Pebble is the default on-disk backend.
	Pebble Backend = "pebble"
	// Badger is kept as an alternate on-disk backend.
	Badger Backend = "badger"
)

// Config are the storage-relevant knobs of spec.md §6. Path absent
// selects an in-memory backing. The cache/sweep knobs are not here;
// they live in dagstore.Config, which passes them to the gc package.
type Config struct {
	Path    string
	Backend Backend // defaults to Pebble when Path is set
}

// Store is the embedded KV backend (C1). It owns no domain knowledge
// of blocks, refs, pins, or reachability; those live in sibling
// packages that operate over it through the KV interface.
type Store struct {
	ds      ds.Batching
	backend Backend
	path    string
}

// New opens or creates the backing datastore per cfg.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return &Store{
			ds:      dssync.MutexWrap(ds.NewMapDatastore()),
			backend: Memory,
		}, nil
	}

	backend := cfg.Backend
	if backend == "" {
		backend = Pebble
	}

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory %q: %w", cfg.Path, err)
	}

	var batching ds.Batching
	var err error
	switch backend {
	case Pebble:
		batching, err = pebbleds.NewDatastore(cfg.Path, nil)
	case Badger:
		batching, err = badgerds.NewDatastore(cfg.Path, nil)
	case Memory:
		batching = dssync.MutexWrap(ds.NewMapDatastore())
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store at %q: %w", backend, cfg.Path, err)
	}

	return &Store{ds: batching, backend: backend, path: cfg.Path}, nil
}

// Batching exposes the underlying go-datastore Batching instance for
// the batch package to build single-writer sessions over.
func (s *Store) Batching() ds.Batching { return s.ds }

// Backend reports which embedded engine backs this store.
func (s *Store) Backend() Backend { return s.backend }

// Flush returns only once all prior committed writes are durable on
// disk, per spec.md §5.
func (s *Store) Flush() error {
	return s.ds.Sync(context.Background(), ds.NewKey("/"))
}

// Close releases the backing datastore's resources.
func (s *Store) Close() error {
	return s.ds.Close()
}
