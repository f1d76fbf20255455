// Package dagstore composes the embedded KV backend, reference index,
// pin/alias/temp-pin tables, reachability counters, cache tracker, and
// batch facade into the storage half of the public facade (C11),
// implementing every operation of spec.md §4.1-§4.7 plus the
// BitswapStore contract of §4.5. The network half (dial/pubsub/DHT)
// lives in package node, which embeds a *Store.
package dagstore

import (
	"context"
	"fmt"
	"time"

	blockformat "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/dagnode/batch"
	"github.com/gosuda/dagnode/block"
	"github.com/gosuda/dagnode/cache"
	"github.com/gosuda/dagnode/errs"
	"github.com/gosuda/dagnode/gc"
	"github.com/gosuda/dagnode/pin"
	"github.com/gosuda/dagnode/pkg/metrics"
	"github.com/gosuda/dagnode/refs"
	"github.com/gosuda/dagnode/store"
)

// Config is the storage-relevant subset of spec.md §6's configuration
// knobs.
type Config struct {
	Path          string
	Backend       store.Backend
	CacheSize     int // cap on retained unpinned blocks; zero or negative applies no cap, so every candidate is evicted
	SweepInterval time.Duration
	Extractors    refs.Registry // nil selects refs.NewRegistry()
}

// Store is the storage half of the public facade: every store
// operation spec.md §4 names, synchronous and thread-safe, suitable
// for direct use by an embedding application or as the BitswapStore
// the exchange protocol deposits fetched blocks into.
type Store struct {
	kv         *store.Store
	facade     *batch.Facade
	registry   *pin.Registry
	extractors refs.Registry
	tracker    *cache.Tracker
	sweeper    *gc.Sweeper
	logger     zerolog.Logger
	metrics    *metrics.ComponentMetrics
}

// New opens a Store per cfg and starts its background GC loop.
func New(ctx context.Context, cfg Config) (*Store, error) {
	kv, err := store.New(store.Config{Path: cfg.Path, Backend: cfg.Backend})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	tracker, err := cache.NewTracker(ctx, kv)
	if err != nil {
		return nil, fmt.Errorf("init cache tracker: %w", err)
	}

	extractors := cfg.Extractors
	if extractors == nil {
		extractors = refs.NewRegistry()
	}

	facade := batch.New(kv)
	registry := pin.NewRegistry()

	s := &Store{
		kv:         kv,
		facade:     facade,
		registry:   registry,
		extractors: extractors,
		tracker:    tracker,
		logger:     log.With().Str("component", "store").Logger(),
		metrics:    metrics.NewComponentMetrics("store"),
	}

	s.sweeper = gc.New(gc.Config{
		CacheSize:     cfg.CacheSize,
		SweepInterval: cfg.SweepInterval,
	}, kv, facade, registry, tracker)
	s.sweeper.Start(ctx)

	return s, nil
}

// Close stops the background GC loop and releases the backing store.
func (s *Store) Close() error {
	s.sweeper.Stop()
	return s.kv.Close()
}

// Flush returns only once all prior committed writes are durable, per
// spec.md §5.
func (s *Store) Flush() error { return s.kv.Flush() }

// Sweeper exposes the GC component so embedders can trigger an
// explicit Evict or read Stats.
func (s *Store) Sweeper() *gc.Sweeper { return s.sweeper }

// Registry exposes the temp-pin registry so a sync engine can be wired
// against the same root-set bookkeeping as this store's GC.
func (s *Store) Registry() *pin.Registry { return s.registry }

// Facade exposes the batch facade for callers (the sync engine, a
// caller-composed multi-step RW) that need to group additional
// operations atomically with store mutations.
func (s *Store) Facade() *batch.Facade { return s.facade }

// Metrics reports the store's cumulative get/insert counters, per
// SPEC_FULL.md §5's in-process metrics supplement.
func (s *Store) Metrics() metrics.MetricsSnapshot {
	return s.metrics.GetSnapshot()
}

// Contains is the BitswapStore `contains` operation and spec.md's
// `contains` store primitive.
func (s *Store) Contains(ctx context.Context, c cid.Cid) (bool, error) {
	return refs.Present(ctx, s.kv, c)
}

// Get is the BitswapStore `get` operation.
func (s *Store) Get(ctx context.Context, c cid.Cid) (blockformat.Block, error) {
	start := time.Now()
	s.metrics.RecordRequest()
	data, err := s.kv.Get(ctx, store.BlockKey(c))
	if err != nil {
		if err == ds.ErrNotFound {
			s.metrics.RecordFailure(time.Since(start), "not_found")
			return nil, fmt.Errorf("%w: %s", errs.ErrNotFound, c)
		}
		s.metrics.RecordFailure(time.Since(start), "storage_error")
		return nil, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}
	if err := s.tracker.Touch(ctx, c); err != nil {
		s.logger.Warn().Err(err).Str("cid", c.String()).Msg("failed to touch cache rank on get")
	}
	blk, err := blockformat.NewBlockWithCid(data, c)
	if err != nil {
		s.metrics.RecordFailure(time.Since(start), "block_error")
		return nil, err
	}
	s.metrics.RecordSuccess(time.Since(start), int64(len(data)))
	return blk, nil
}

// MissingBlocks is the BitswapStore/C8 `missing_blocks` operation.
func (s *Store) MissingBlocks(ctx context.Context, root cid.Cid) ([]cid.Cid, error) {
	return refs.MissingBlocks(ctx, s.kv, root)
}

// Insert is the BitswapStore `insert` operation and C2's insert
// algorithm (spec.md §4.1), with the hash-integrity check of spec.md
// §8 property 6 applied before anything is persisted.
func (s *Store) Insert(ctx context.Context, blk blockformat.Block) error {
	start := time.Now()
	s.metrics.RecordRequest()
	c := blk.Cid()
	present, err := refs.Present(ctx, s.kv, c)
	if err != nil {
		s.metrics.RecordFailure(time.Since(start), "storage_error")
		return fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}
	if present {
		s.metrics.RecordSuccess(time.Since(start), int64(len(blk.RawData())))
		return s.touchAfterInsert(ctx, c)
	}

	if !verifyHash(blk) {
		s.metrics.RecordFailure(time.Since(start), "hash_mismatch")
		return fmt.Errorf("%w: %s", errs.ErrHashMismatch, c)
	}

	extractor, ok := s.extractors.ExtractorFor(c)
	if !ok {
		s.metrics.RecordFailure(time.Since(start), "codec_error")
		return fmt.Errorf("%w: no extractor registered for codec of %s", errs.ErrCodecError, c)
	}
	children, err := extractor.ExtractRefs(c, blk.RawData())
	if err != nil {
		s.metrics.RecordFailure(time.Since(start), "codec_error")
		return fmt.Errorf("%w: %v", errs.ErrCodecError, err)
	}

	err = s.facade.RW(ctx, "insert", func(w *batch.Writer) error {
		racedIn, err := refs.Present(ctx, w, c)
		if err != nil {
			return err
		}
		if racedIn {
			return nil
		}
		if err := w.Put(ctx, store.BlockKey(c), blk.RawData()); err != nil {
			return err
		}
		if err := refs.Put(ctx, w, c, children); err != nil {
			return err
		}
		for _, child := range children {
			if err := pin.AdjustReferrers(ctx, w, child, 1); err != nil {
				return err
			}
		}
		// spec.md §4.3 point 4: an insert can reveal that a pending
		// temp-pin/alias root's closure now reaches further, since a
		// previously-missing child has arrived.
		return pin.Reconcile(ctx, w, s.registry)
	})
	if err != nil {
		s.metrics.RecordFailure(time.Since(start), "storage_error")
		return fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}

	s.metrics.RecordSuccess(time.Since(start), int64(len(blk.RawData())))
	return s.touchAfterInsert(ctx, c)
}

func (s *Store) touchAfterInsert(ctx context.Context, c cid.Cid) error {
	if err := s.tracker.Touch(ctx, c); err != nil {
		s.logger.Warn().Err(err).Str("cid", c.String()).Msg("failed to touch cache rank on insert")
	}
	return nil
}

func verifyHash(blk blockformat.Block) bool {
	return block.VerifyHash(blk.RawData(), blk.Cid())
}

// Alias sets or clears a persistent alias, atomic with the
// reachability update it triggers (spec.md §4.2).
func (s *Store) Alias(ctx context.Context, name string, target *cid.Cid) error {
	return pin.Alias(ctx, s.facade, s.registry, name, target)
}

// Resolve reads the CID an alias currently names.
func (s *Store) Resolve(ctx context.Context, name string) (*cid.Cid, bool, error) {
	return pin.Resolve(ctx, s.kv, name)
}

// Aliases lists every alias name currently set.
func (s *Store) Aliases(ctx context.Context) ([]string, error) {
	return pin.Aliases(ctx, s.kv)
}

// ReverseAlias returns every alias name whose root transitively
// reaches c.
func (s *Store) ReverseAlias(ctx context.Context, c cid.Cid) ([]string, error) {
	return pin.ReverseAlias(ctx, s.kv, c)
}

// CreateTempPin registers a new temp-pin scope.
func (s *Store) CreateTempPin() pin.Handle {
	return pin.CreateTempPin(s.registry)
}

// TempPin adds c to h's protected set.
func (s *Store) TempPin(ctx context.Context, h pin.Handle, c cid.Cid) error {
	return pin.TempPin(ctx, s.facade, s.registry, h, c)
}

// DropTempPin releases every CID protected by h.
func (s *Store) DropTempPin(ctx context.Context, h pin.Handle) error {
	return pin.DropTempPin(ctx, s.facade, s.registry, h)
}

// Meta exposes a CID's reachability counters (pins, referrers, public,
// cache-rank), used by the `ls` CLI subcommand and tests.
func (s *Store) Meta(ctx context.Context, c cid.Cid) (pin.Meta, error) {
	return pin.GetMeta(ctx, s.kv, c)
}

// Iter is the synchronous pure store operation spec.md §4.1 names
// alongside insert/get/contains: it walks every block CID currently
// held locally, independent of alias/pin state, for the `ls` CLI
// subcommand and any embedder doing a full inventory.
func (s *Store) Iter(ctx context.Context) ([]cid.Cid, error) {
	results, err := s.kv.Query(ctx, queryBlocks())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}
	entries, err := results.Rest()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}
	out := make([]cid.Cid, 0, len(entries))
	for _, e := range entries {
		c, err := store.ParseCIDFromKey(ds.NewKey(e.Key))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func queryBlocks() dsq.Query {
	return dsq.Query{Prefix: store.BlocksPrefix().String(), KeysOnly: true}
}

// RW runs f inside a single atomic batch over the store, letting a
// caller compose several store operations (insert/contains/...) as
// one unit, per spec.md's S4/S5 scenarios.
func (s *Store) RW(ctx context.Context, name string, f func(w *batch.Writer) error) error {
	return s.facade.RW(ctx, name, f)
}
