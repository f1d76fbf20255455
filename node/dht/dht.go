// Package dht wraps a Kademlia DHT routing table with the
// FindProviders/Bootstrap/PutRecord/GetRecord pass-throughs
// SPEC_FULL.md §5 adds to the public facade. Adapted from the
// teacher's 03-dht-router/pkg/dht.go DHTWrapper.
package dht

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"

	ds "github.com/ipfs/go-datastore"
)

// Wrapper embeds a routing.Routing so FindProvidersAsync, PutValue,
// GetValue and friends are promoted directly, the way the teacher's
// DHTWrapper embeds routing.Routing.
type Wrapper struct {
	routing.Routing
}

// NewWithRouting adapts an already-constructed routing.Routing (used
// by tests to plug in a mock router without a live libp2p host).
func NewWithRouting(r routing.Routing) *Wrapper {
	return &Wrapper{Routing: r}
}

// New constructs a Kademlia DHT over h, backed by kvStore for its
// routing table persistence.
func New(ctx context.Context, h host.Host, kvStore ds.Batching) (*Wrapper, error) {
	opts := []dht.Option{dht.Mode(dht.ModeAutoServer)}
	if kvStore != nil {
		opts = append(opts, dht.Datastore(kvStore))
	}
	ipfsdht, err := dht.New(ctx, h, opts...)
	if err != nil {
		return nil, fmt.Errorf("create dht: %w", err)
	}
	return NewWithRouting(ipfsdht), nil
}

// Bootstrap joins the DHT's self-refresh cycle against the routers
// already registered on the underlying host (dht.New wires its own
// bootstrap peers via libp2p's bootstrap option); this call just
// (re)triggers the periodic table refresh.
func (w *Wrapper) Bootstrap(ctx context.Context) error {
	return w.Routing.Bootstrap(ctx)
}

// FindProviders enumerates peers advertising c, per spec.md §9's
// "FindProviders" network pass-through.
func (w *Wrapper) FindProviders(ctx context.Context, c cid.Cid, max int) ([]peer.AddrInfo, error) {
	if !c.Defined() {
		return nil, fmt.Errorf("undefined cid")
	}
	ch := w.Routing.FindProvidersAsync(ctx, c, max)
	var out []peer.AddrInfo
	for pi := range ch {
		out = append(out, pi)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, nil
}

// PutRecord stores an arbitrary routing record (used for alias
// publication across the DHT, beyond a single node's local alias
// table).
func (w *Wrapper) PutRecord(ctx context.Context, key string, value []byte) error {
	return w.Routing.PutValue(ctx, key, value)
}

// GetRecord reads back a record previously stored with PutRecord.
func (w *Wrapper) GetRecord(ctx context.Context, key string) ([]byte, error) {
	return w.Routing.GetValue(ctx, key)
}

// RoutingTableSize reports the local k-bucket table size, when the
// underlying router is a real *dht.IpfsDHT (zero otherwise, e.g. in
// tests against a mock router).
func (w *Wrapper) RoutingTableSize() int {
	if ipfsdht, ok := w.Routing.(*dht.IpfsDHT); ok {
		return ipfsdht.RoutingTable().Size()
	}
	return 0
}
