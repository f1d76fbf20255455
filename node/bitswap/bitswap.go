// Package bitswap wires boxo's bitswap exchange as the BlockFetch
// external collaborator of spec.md §1 and as the concrete
// sync.Fetcher implementation, over a libp2p host from package
// node/network. Adapted from the teacher's 03-bitswap/pkg/bitswap.go
// BitswapWrapper: the host/persistent wiring and Close shape are kept;
// PutBlockRaw/GetBlockRaw (single-block demo helpers) are replaced by
// the GetBlock(providers) shape spec.md's sync engine needs, and the
// underlying blockstore is this module's dagstore.Store instead of
// the teacher's raw persistent.PersistentWrapper.
package bitswap

import (
	"context"
	"fmt"
	"time"

	"github.com/ipfs/boxo/bitswap"
	bsmsg "github.com/ipfs/boxo/bitswap/network/bsnet"
	bsnet "github.com/ipfs/boxo/bitswap/network"
	"github.com/ipfs/boxo/blockstore"
	blockformat "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Store is the subset of the storage facade bitswap needs to satisfy
// blockstore.Blockstore, kept narrow so this package doesn't import
// the top-level dagstore package back.
type Store interface {
	Contains(ctx context.Context, c cid.Cid) (bool, error)
	Get(ctx context.Context, c cid.Cid) (blockformat.Block, error)
	Insert(ctx context.Context, blk blockformat.Block) error
}

// Wrapper composes a libp2p host, a boxo bitswap exchange, and the
// local store bitswap deposits fetched blocks into.
type Wrapper struct {
	Host host.Host
	*bitswap.Bitswap

	store Store
}

// New constructs a bitswap exchange over h, backed by store for both
// local lookups (serving other peers' wants) and deposits (inserting
// blocks bitswap fetches on our behalf).
func New(ctx context.Context, h host.Host, store Store) (*Wrapper, error) {
	if store == nil {
		return nil, fmt.Errorf("bitswap: nil store")
	}
	net := bsmsg.NewFromIpfsHost(h)
	net = bsnet.New(nil, net, nil)
	bsBlockstore := &blockstoreAdapter{store: store}
	bswap := bitswap.New(ctx, net, nil, bsBlockstore,
		bitswap.SetSendDontHaves(true),
		bitswap.ProviderSearchDelay(5*time.Second),
	)

	return &Wrapper{
		Host:    h,
		Bitswap: bswap,
		store:   store,
	}, nil
}

// Close shuts down the exchange.
func (w *Wrapper) Close() error {
	return w.Bitswap.Close()
}

// GetBlock satisfies sync.Fetcher: it asks bitswap for c, optionally
// nudging it toward providers the caller already knows about via
// NotifyNewBlocks-style hinting is not exposed by boxo's bitswap, so
// providers is used only to pre-seed the DHT/host's peerstore through
// a direct connect attempt before falling back to bitswap's own
// provider discovery.
func (w *Wrapper) GetBlock(ctx context.Context, c cid.Cid, providers []peer.ID) (blockformat.Block, error) {
	for _, p := range providers {
		// best-effort: bitswap will still route around an unreachable
		// peer via its own want-list broadcast.
		_ = w.Host.Connect(ctx, w.Host.Peerstore().PeerInfo(p))
	}
	return w.Bitswap.GetBlock(ctx, c)
}

var _ interface {
	GetBlock(ctx context.Context, c cid.Cid, providers []peer.ID) (blockformat.Block, error)
} = (*Wrapper)(nil)

// blockstoreAdapter satisfies boxo's blockstore.Blockstore over this
// module's narrower Store, letting bitswap read/write through the
// same reachability- and hash-checked Insert/Get/Contains path every
// other caller uses instead of a bypass blockstore.
type blockstoreAdapter struct {
	store Store
}

var _ blockstore.Blockstore = (*blockstoreAdapter)(nil)

func (a *blockstoreAdapter) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return a.store.Contains(ctx, c)
}

func (a *blockstoreAdapter) Get(ctx context.Context, c cid.Cid) (blockformat.Block, error) {
	return a.store.Get(ctx, c)
}

func (a *blockstoreAdapter) GetSize(ctx context.Context, c cid.Cid) (int, error) {
	blk, err := a.store.Get(ctx, c)
	if err != nil {
		return 0, err
	}
	return len(blk.RawData()), nil
}

func (a *blockstoreAdapter) Put(ctx context.Context, blk blockformat.Block) error {
	return a.store.Insert(ctx, blk)
}

func (a *blockstoreAdapter) PutMany(ctx context.Context, blks []blockformat.Block) error {
	for _, blk := range blks {
		if err := a.store.Insert(ctx, blk); err != nil {
			return err
		}
	}
	return nil
}

func (a *blockstoreAdapter) DeleteBlock(ctx context.Context, c cid.Cid) error {
	// Deletion is GC's responsibility (reachability-gated); bitswap
	// never needs to delete a block it just received.
	return fmt.Errorf("blockstoreAdapter: DeleteBlock unsupported, use gc.Sweeper")
}

func (a *blockstoreAdapter) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	// Bitswap only uses this for a full reprovide sweep. This adapter
	// lists no keys, so such a sweep announces nothing.
	ch := make(chan cid.Cid)
	close(ch)
	return ch, nil
}

func (a *blockstoreAdapter) HashOnRead(enabled bool) {
	// Hash verification already happens unconditionally in Store.Insert.
}
