// Package gc is the GC sweeper (C7): periodic and on-demand eviction
// of blocks that are unreachable and over the configured cache cap,
// per spec.md §4.6.
package gc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/gosuda/dagnode/batch"
	"github.com/gosuda/dagnode/cache"
	"github.com/gosuda/dagnode/exec"
	"github.com/gosuda/dagnode/pin"
	"github.com/gosuda/dagnode/refs"
	"github.com/gosuda/dagnode/store"
)

// Config controls sweep cadence and the resident-size cap.
type Config struct {
	// CacheSize is the soft upper bound on unpinned blocks retained.
	// Zero evicts eagerly; a negative value applies no cap at all, so
	// every eviction candidate is evicted, as with zero.
	CacheSize int
	// SweepInterval is the period between automatic sweeps. Zero
	// disables the background loop; Evict can still be called directly.
	SweepInterval time.Duration
}

// Stats are the lightweight in-process counters exposed to an
// embedding application's Stats() call, per SPEC_FULL.md's metrics
// supplement.
type Stats struct {
	Sweeps    uint64
	Evicted   uint64
	LastError string
}

// Sweeper owns the background GC loop.
type Sweeper struct {
	cfg      Config
	s        *store.Store
	facade   *batch.Facade
	reg      *pin.Registry
	tracker  *cache.Tracker
	limiter  *rate.Limiter
	logger   zerolog.Logger
	executor *exec.Executor

	mu    sync.Mutex
	stats Stats

	cancel context.CancelFunc
}

// New constructs a sweeper. Call Start to run the background loop.
// The background loop is spawned through a private exec.Executor (C10,
// spec.md §4.9), so a panic inside a sweep is recovered and recorded
// rather than crashing the process.
func New(cfg Config, s *store.Store, facade *batch.Facade, reg *pin.Registry, tracker *cache.Tracker) *Sweeper {
	return &Sweeper{
		cfg:      cfg,
		s:        s,
		facade:   facade,
		reg:      reg,
		tracker:  tracker,
		limiter:  rate.NewLimiter(rate.Limit(50), 50),
		logger:   log.With().Str("component", "gc").Logger(),
		executor: exec.New(),
	}
}

// Start launches the periodic sweep loop as a background task under
// the sweeper's executor. A zero SweepInterval makes Start a no-op:
// only explicit Evict calls reclaim space.
func (sw *Sweeper) Start(ctx context.Context) {
	if sw.cfg.SweepInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	sw.cancel = cancel

	sw.executor.Go(ctx, "gc_sweep_loop", func(ctx context.Context) error {
		ticker := time.NewTicker(sw.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := sw.Evict(ctx); err != nil {
					sw.logger.Warn().Err(err).Msg("gc sweep failed, retrying next interval")
				}
			}
		}
	})
}

// Stop halts the background loop and waits for it to exit.
func (sw *Sweeper) Stop() {
	if sw.cancel == nil {
		return
	}
	sw.cancel()
	sw.executor.Wait()
}

// Stats returns a snapshot of the sweeper's counters.
func (sw *Sweeper) Stats() Stats {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.stats
}

// Evict runs steps 2-5 of spec.md §4.6 once and returns when complete.
func (sw *Sweeper) Evict(ctx context.Context) error {
	if err := sw.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("gc rate limit: %w", err)
	}

	sw.logger.Info().Msg("sweep start")
	evicted, err := sw.sweepOnce(ctx)

	sw.mu.Lock()
	sw.stats.Sweeps++
	sw.stats.Evicted += uint64(len(evicted))
	if err != nil {
		sw.stats.LastError = err.Error()
	} else {
		sw.stats.LastError = ""
	}
	sw.mu.Unlock()

	if err != nil {
		return fmt.Errorf("gc sweep: %w", err)
	}
	sw.logger.Info().Int("evicted", len(evicted)).Msg("sweep done")
	return nil
}

func (sw *Sweeper) sweepOnce(ctx context.Context) ([]cid.Cid, error) {
	candidates, err := sw.candidateSet(ctx)
	if err != nil {
		return nil, fmt.Errorf("compute eviction candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ordered := sw.tracker.Candidates(candidates)

	toEvict := ordered
	if sw.cfg.CacheSize >= 0 {
		// currentSize is the cache-eligible population: blocks with no
		// pins, no referrers, and outside every temp-pin closure.
		// Pinned/referenced blocks are never counted against the cap,
		// per spec.md's "reduces the count of unpinned blocks to <= N."
		currentSize := len(candidates)
		if currentSize <= sw.cfg.CacheSize {
			return nil, nil
		}
		overage := currentSize - sw.cfg.CacheSize
		if overage < len(toEvict) {
			toEvict = toEvict[:overage]
		}
	}
	if len(toEvict) == 0 {
		return nil, nil
	}

	var evicted []cid.Cid
	err = sw.facade.RW(ctx, "gc_sweep", func(w *batch.Writer) error {
		for _, c := range toEvict {
			live, err := sw.isLiveLocked(ctx, w, c)
			if err != nil {
				return err
			}
			if live {
				continue
			}
			if err := evictOne(ctx, w, c); err != nil {
				return fmt.Errorf("evict %s: %w", c, err)
			}
			evicted = append(evicted, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, c := range evicted {
		if err := sw.tracker.Forget(ctx, c); err != nil {
			sw.logger.Warn().Err(err).Str("cid", c.String()).Msg("failed to forget cache rank after eviction")
		}
	}
	return evicted, nil
}

// evictOne implements step 4 of spec.md §4.6: remove bytes, refs
// entry, decrement referrers of children, remove cache-order entry
// (the meta row itself, which carries the rank, is deleted here; the
// tracker.Forget call sweepOnce makes after the batch commits writes a
// zero-counter row back, which candidateSet skips because the block is
// no longer stored).
func evictOne(ctx context.Context, w *batch.Writer, c cid.Cid) error {
	children, _, err := refs.Get(ctx, w, c)
	if err != nil {
		return err
	}
	if err := w.Delete(ctx, store.BlockKey(c)); err != nil {
		return err
	}
	if err := refs.Delete(ctx, w, c); err != nil {
		return err
	}
	for _, child := range children {
		if err := pin.AdjustReferrers(ctx, w, child, -1); err != nil {
			return err
		}
	}
	return pin.DeleteMeta(ctx, w, c)
}

// candidateSet computes step 2 of spec.md §4.6: pins==0 AND
// referrers==0 AND not in any temp-pin closure, among CIDs whose block
// is stored locally (meta rows of absent CIDs are skipped).
func (sw *Sweeper) candidateSet(ctx context.Context) (map[string]cid.Cid, error) {
	results, err := sw.s.Query(ctx, queryAll(store.MetaPrefix()))
	if err != nil {
		return nil, err
	}
	entries, err := results.Rest()
	if err != nil {
		return nil, err
	}

	tempPinClosure, err := sw.tempPinClosureSet(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]cid.Cid)
	for _, e := range entries {
		c, err := store.ParseCIDFromKey(ds.NewKey(e.Key))
		if err != nil {
			return nil, err
		}
		present, err := refs.Present(ctx, sw.s, c)
		if err != nil {
			return nil, err
		}
		if !present {
			continue
		}
		m, err := pin.GetMeta(ctx, sw.s, c)
		if err != nil {
			return nil, err
		}
		if m.Pins != 0 || m.Referrers != 0 {
			continue
		}
		if _, pinned := tempPinClosure[c.KeyString()]; pinned {
			continue
		}
		out[c.KeyString()] = c
	}
	return out, nil
}

func (sw *Sweeper) tempPinClosureSet(ctx context.Context) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for _, roots := range sw.reg.Snapshot() {
		for _, root := range roots {
			out[root.KeyString()] = struct{}{}
			closure, err := refs.LocalClosure(ctx, sw.s, root)
			if err != nil {
				return nil, fmt.Errorf("temp-pin closure for %s: %w", root, err)
			}
			for _, c := range closure {
				out[c.KeyString()] = struct{}{}
			}
		}
	}
	return out, nil
}

// isLiveLocked re-checks liveness against the batch's staged view
// immediately before eviction, since an earlier eviction in the same
// sweep may have changed a sibling's referrer count.
func (sw *Sweeper) isLiveLocked(ctx context.Context, w *batch.Writer, c cid.Cid) (bool, error) {
	m, err := pin.GetMeta(ctx, w, c)
	if err != nil {
		return false, err
	}
	return m.Pins != 0 || m.Referrers != 0, nil
}

func queryAll(prefix ds.Key) dsq.Query {
	return dsq.Query{Prefix: prefix.String(), KeysOnly: true}
}
