package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	blockformat "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/dagnode/batch"
	"github.com/gosuda/dagnode/block"
	"github.com/gosuda/dagnode/errs"
	"github.com/gosuda/dagnode/pin"
	"github.com/gosuda/dagnode/pkg/metrics"
)

// Store is the subset of the public facade the sync engine needs.
// Implemented by dagstore.Store; kept as a narrow interface here so
// this package never imports dagstore (package node wires the two
// together).
type Store interface {
	Insert(ctx context.Context, blk blockformat.Block) error
	Get(ctx context.Context, c cid.Cid) (blockformat.Block, error)
	MissingBlocks(ctx context.Context, root cid.Cid) ([]cid.Cid, error)
}

// Fetcher is the BlockFetch external collaborator of spec.md §1:
// "produce the bytes for CID C from peers P." Grounded on
// boxo/exchange.Interface's GetBlock shape, generalized to accept an
// explicit provider set as spec.md's sync/fetch operations require.
type Fetcher interface {
	GetBlock(ctx context.Context, c cid.Cid, providers []peer.ID) (blockformat.Block, error)
}

// Config tunes the engine's concurrency and retry behavior.
type Config struct {
	// Concurrency bounds in-flight fetches per query. Defaults to 8.
	Concurrency int
	// RetryBudget is the number of attempts per CID before a network
	// failure becomes a terminal NotFound for that CID. Defaults to 3.
	RetryBudget int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 3
	}
	return c
}

// Engine is the sync engine (C9) coupled with the missing-blocks
// oracle (C8).
type Engine struct {
	store   Store
	fetcher Fetcher
	facade  *batch.Facade
	reg     *pin.Registry
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.ComponentMetrics
}

// NewEngine wires the sync engine to a store, a BlockFetch
// implementation, and the batch/temp-pin machinery it uses to protect
// in-flight DAGs.
func NewEngine(store Store, fetcher Fetcher, facade *batch.Facade, reg *pin.Registry, cfg Config) *Engine {
	return &Engine{
		store:   store,
		fetcher: fetcher,
		facade:  facade,
		reg:     reg,
		cfg:     cfg.withDefaults(),
		logger:  log.With().Str("component", "sync").Logger(),
		metrics: metrics.NewComponentMetrics("sync"),
	}
}

// Metrics reports the engine's cumulative fetch counters, per
// SPEC_FULL.md §5's in-process metrics supplement.
func (e *Engine) Metrics() metrics.MetricsSnapshot {
	return e.metrics.GetSnapshot()
}

// Event is one progress notification from a Query.
type Event struct {
	CID   cid.Cid
	Err   error
	Final bool
}

// Query is the lazy, finite, non-restartable sequence of progress
// events of spec.md §4.8. Dropping a Query (calling Cancel without
// draining to completion) cancels its outstanding fetches; blocks
// already inserted are retained.
type Query struct {
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	mu     stdsync.Mutex
}

// Events returns the channel of progress events. It is closed once the
// query reaches a terminal state.
func (q *Query) Events() <-chan Event { return q.events }

// Cancel aborts outstanding fetches associated with this query.
// Already-inserted blocks are retained, per spec.md §5.
func (q *Query) Cancel() { q.cancel() }

// Wait blocks until the query reaches a terminal state and returns its
// final error, if any.
func (q *Query) Wait() error {
	<-q.done
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

func (q *Query) finish(err error) {
	q.mu.Lock()
	q.err = err
	q.mu.Unlock()
	close(q.done)
	close(q.events)
}

// Sync drives C8+BlockFetch to completion for root under providers,
// per spec.md §4.8. A temp-pin on root is held for the duration of the
// sync so a partially fetched DAG is never reclaimed mid-flight, even
// if the caller has not yet aliased root.
func (e *Engine) Sync(ctx context.Context, root cid.Cid, providers []peer.ID) *Query {
	ctx, cancel := context.WithCancel(ctx)
	q := &Query{
		events: make(chan Event, e.cfg.Concurrency),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go e.run(ctx, q, root, providers)
	return q
}

func (e *Engine) run(ctx context.Context, q *Query, root cid.Cid, providers []peer.ID) {
	handle := pin.CreateTempPin(e.reg)
	if err := pin.TempPin(ctx, e.facade, e.reg, handle, root); err != nil {
		q.finish(fmt.Errorf("temp-pin sync root %s: %w", root, err))
		return
	}
	defer func() {
		if err := pin.DropTempPin(context.Background(), e.facade, e.reg, handle); err != nil {
			e.logger.Warn().Err(err).Str("cid", root.String()).Msg("failed to drop sync temp-pin")
		}
	}()

	initial, err := e.store.MissingBlocks(ctx, root)
	if err != nil {
		q.finish(fmt.Errorf("compute initial missing set for %s: %w", root, err))
		return
	}

	visited := make(map[string]struct{}, len(initial))
	queue := make(chan cid.Cid, len(initial)*2+e.cfg.Concurrency)
	for _, c := range initial {
		visited[c.KeyString()] = struct{}{}
		queue <- c
	}
	if len(initial) == 0 {
		q.finish(nil)
		return
	}

	var (
		mu      stdsync.Mutex
		inFlight = len(initial)
		failed  error
	)

	var wg stdsync.WaitGroup
	for i := 0; i < e.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case c, ok := <-queue:
					if !ok {
						return
					}
					e.processOne(ctx, q, c, providers, visited, queue, &mu, &inFlight, &failed)
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		mu.Lock()
		err := failed
		mu.Unlock()
		if err == nil {
			if remaining, merr := e.store.MissingBlocks(ctx, root); merr != nil {
				err = fmt.Errorf("verify sync completeness for %s: %w", root, merr)
			} else if len(remaining) > 0 {
				err = fmt.Errorf("%w: sync of %s left %d blocks missing", errs.ErrNotFound, root, len(remaining))
			}
		}
		q.events <- Event{CID: root, Err: err, Final: true}
		q.finish(err)
	}()
}

func (e *Engine) processOne(
	ctx context.Context,
	q *Query,
	c cid.Cid,
	providers []peer.ID,
	visited map[string]struct{},
	queue chan cid.Cid,
	mu *stdsync.Mutex,
	inFlight *int,
	failed *error,
) {
	decInFlight := func() {
		mu.Lock()
		*inFlight--
		done := *inFlight == 0
		mu.Unlock()
		if done {
			close(queue)
		}
	}

	blk, err := e.fetchWithRetry(ctx, c, providers)
	if err != nil {
		mu.Lock()
		if *failed == nil {
			*failed = err
		}
		mu.Unlock()
		select {
		case q.events <- Event{CID: c, Err: err}:
		default:
		}
		decInFlight()
		return
	}

	if insertErr := e.store.Insert(ctx, blk); insertErr != nil {
		mu.Lock()
		if *failed == nil {
			*failed = fmt.Errorf("insert fetched block %s: %w", c, insertErr)
		}
		mu.Unlock()
		decInFlight()
		return
	}
	e.markPublic(ctx, c)

	select {
	case q.events <- Event{CID: c}:
	default:
	}

	children, err := e.store.MissingBlocks(ctx, c)
	if err != nil {
		mu.Lock()
		if *failed == nil {
			*failed = fmt.Errorf("expand missing set after inserting %s: %w", c, err)
		}
		mu.Unlock()
		decInFlight()
		return
	}

	mu.Lock()
	var toQueue []cid.Cid
	for _, child := range children {
		key := child.KeyString()
		if _, seen := visited[key]; seen {
			continue
		}
		visited[key] = struct{}{}
		toQueue = append(toQueue, child)
	}
	*inFlight += len(toQueue)
	mu.Unlock()

	for _, child := range toQueue {
		queue <- child
	}
	decInFlight()
}

func (e *Engine) fetchWithRetry(ctx context.Context, c cid.Cid, providers []peer.ID) (blockformat.Block, error) {
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < e.cfg.RetryBudget; attempt++ {
		e.metrics.RecordRequest()
		blk, err := e.fetcher.GetBlock(ctx, c, providers)
		if err == nil {
			if !blockHashesMatch(c, blk) {
				e.metrics.RecordFailure(time.Since(start), "hash_mismatch")
				return nil, fmt.Errorf("%w: fetched block %s", errs.ErrHashMismatch, c)
			}
			e.metrics.RecordSuccess(time.Since(start), int64(len(blk.RawData())))
			return blk, nil
		}
		lastErr = err
		e.metrics.RecordFailure(time.Since(start), "network_error")
		e.logger.Warn().Err(err).Str("cid", c.String()).Int("attempt", attempt+1).Msg("fetch attempt failed")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", errs.ErrCancelled, ctx.Err())
		case <-time.After(backoff(attempt)):
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %w: %v", errs.ErrNotFound, c, e.cfg.RetryBudget, errs.ErrNetworkError, lastErr)
}

// markPublic flags a block as having arrived from a remote peer
// (spec.md §3's public field), distinguishing bitswap-fetched content
// from locally-inserted content. Best-effort: a failure here never
// fails the fetch itself, only the informational flag.
func (e *Engine) markPublic(ctx context.Context, c cid.Cid) {
	err := e.facade.RW(ctx, "mark_public", func(w *batch.Writer) error {
		return pin.MarkPublic(ctx, w, c)
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("cid", c.String()).Msg("failed to mark fetched block public")
	}
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt+1) * 50 * time.Millisecond
	if d > time.Second {
		d = time.Second
	}
	return d
}

func blockHashesMatch(c cid.Cid, blk blockformat.Block) bool {
	if !blk.Cid().Equals(c) {
		return false
	}
	return block.VerifyHash(blk.RawData(), c)
}

// Fetch is the single-CID specialization of spec.md §4.8: request via
// BlockFetch, then read from the store. An implicit temp-pin protects
// c for the duration of the call, resolving the Open Question in
// spec.md §9 in favor of the suggested robust behavior. If the block
// is evicted between arrival and read (a race with GC), ErrNotFound is
// returned and a warning logged advising the caller to hold its own
// temp-pin.
func (e *Engine) Fetch(ctx context.Context, c cid.Cid, providers []peer.ID) ([]byte, error) {
	handle := pin.CreateTempPin(e.reg)
	if err := pin.TempPin(ctx, e.facade, e.reg, handle, c); err != nil {
		return nil, fmt.Errorf("temp-pin fetch target %s: %w", c, err)
	}
	defer func() {
		if err := pin.DropTempPin(context.Background(), e.facade, e.reg, handle); err != nil {
			e.logger.Warn().Err(err).Str("cid", c.String()).Msg("failed to drop fetch temp-pin")
		}
	}()

	blk, err := e.fetchWithRetry(ctx, c, providers)
	if err != nil {
		return nil, err
	}
	if err := e.store.Insert(ctx, blk); err != nil {
		return nil, fmt.Errorf("insert fetched block %s: %w", c, err)
	}
	e.markPublic(ctx, c)

	got, err := e.store.Get(ctx, c)
	if err != nil {
		e.logger.Warn().Str("cid", c.String()).Msg("block evicted too soon after fetch; hold a temp-pin across fetch and use")
		return nil, fmt.Errorf("%w: %s evicted before read", errs.ErrNotFound, c)
	}
	return got.RawData(), nil
}
