package node

import (
	"bytes"
	"context"
	"testing"
	"time"

	blockformat "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/libp2p/go-libp2p/core/peer"
	mc "github.com/multiformats/go-multicodec"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/dagnode/block"
)

// dagCBORScalar builds a single-field dag-cbor map block, e.g. {"a": 0}.
func dagCBORScalar(t *testing.T, key string, value int64) (cid.Cid, []byte) {
	t.Helper()
	nb := basicnode.Prototype.Map.NewBuilder()
	ma, err := nb.BeginMap(1)
	require.NoError(t, err)
	require.NoError(t, ma.AssembleKey().AssignString(key))
	require.NoError(t, ma.AssembleValue().AssignInt(value))
	require.NoError(t, ma.Finish())
	var buf bytes.Buffer
	require.NoError(t, dagcbor.Encode(nb.Build(), &buf))
	data := buf.Bytes()
	c, err := block.ComputeCID(data, block.NewV1Prefix(mc.DagCbor, 0, 0))
	require.NoError(t, err)
	return c, data
}

// dagCBORLinks builds a single-field dag-cbor map block whose value is a
// list of links to children, e.g. {"c": [link(a1), link(b1)]}.
func dagCBORLinks(t *testing.T, key string, children ...cid.Cid) (cid.Cid, []byte) {
	t.Helper()
	nb := basicnode.Prototype.Map.NewBuilder()
	ma, err := nb.BeginMap(1)
	require.NoError(t, err)
	require.NoError(t, ma.AssembleKey().AssignString(key))
	la, err := ma.AssembleValue().BeginList(int64(len(children)))
	require.NoError(t, err)
	for _, c := range children {
		require.NoError(t, la.AssembleValue().AssignLink(cidlink.Link{Cid: c}))
	}
	require.NoError(t, la.Finish())
	require.NoError(t, ma.Finish())
	var buf bytes.Buffer
	require.NoError(t, dagcbor.Encode(nb.Build(), &buf))
	data := buf.Bytes()
	c, err := block.ComputeCID(data, block.NewV1Prefix(mc.DagCbor, 0, 0))
	require.NoError(t, err)
	return c, data
}

func newTestNode(t *testing.T, ctx context.Context) *Node {
	t.Helper()
	n, err := New(ctx, Config{})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestNewStartsStorageNetworkDHTAndBitswap(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n := newTestNode(t, ctx)
	require.NotNil(t, n.Host)
	require.NotNil(t, n.DHT)
	require.NotNil(t, n.Bitswap)
	require.NotNil(t, n.Engine)
}

func TestNewRespectsDisableFlags(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := New(ctx, Config{DisableDHT: true, DisableBitswap: true})
	require.NoError(t, err)
	defer n.Close()

	require.Nil(t, n.DHT)
	require.Nil(t, n.Bitswap)
	require.Nil(t, n.Engine)

	someCid, err := block.ComputeCID([]byte("probe"), nil)
	require.NoError(t, err)

	_, err = n.FindProviders(ctx, someCid, 1)
	require.Error(t, err, "dht pass-throughs must fail when the dht is disabled")

	err = n.Bootstrap(ctx)
	require.Error(t, err)

	err = n.PutRecord(ctx, "k", []byte("v"))
	require.Error(t, err)

	_, err = n.GetRecord(ctx, "k")
	require.Error(t, err)

	_, err = n.Sync(ctx, someCid, nil)
	require.Error(t, err, "sync must fail when bitswap is disabled")

	_, err = n.Fetch(ctx, someCid, nil)
	require.Error(t, err, "fetch must fail when bitswap is disabled")
}

func TestDialBanUnbanPassThroughToHost(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := newTestNode(t, ctx)
	b := newTestNode(t, ctx)

	addrs := b.Listen()
	require.NotEmpty(t, addrs)
	require.NoError(t, a.Dial(ctx, addrs[0]))

	a.Ban(b.Host.ID())
	require.True(t, a.Host.Banned(b.Host.ID()))
	a.Unban(b.Host.ID())
	require.False(t, a.Host.Banned(b.Host.ID()))
}

func TestPublishDeliversToLocalSubscribers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n := newTestNode(t, ctx)
	received := make(chan Message, 1)
	sub := n.Subscribe("blocks", func(m Message) { received <- m })
	defer sub.Cancel()

	require.NoError(t, n.Publish(ctx, "blocks", []byte("payload")))

	select {
	case m := <-received:
		require.Equal(t, "blocks", m.Topic)
		require.Equal(t, []byte("payload"), m.Data)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the published message")
	}
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n := newTestNode(t, ctx)
	received := make(chan Message, 1)
	sub := n.Subscribe("blocks", func(m Message) { received <- m })
	sub.Cancel()

	require.NoError(t, n.Publish(ctx, "blocks", []byte("ignored")))
	select {
	case <-received:
		t.Fatal("cancelled subscription must not receive further messages")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGCStatsAndEvictRunAgainstEmptyStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n := newTestNode(t, ctx)
	require.NoError(t, n.Evict(ctx))
	stats := n.GCStats()
	require.Equal(t, uint64(1), stats.Sweeps)
}

func TestStoreMetricsTrackInsertAndGet(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n := newTestNode(t, ctx)
	blk, err := block.New([]byte("metrics probe"), nil)
	require.NoError(t, err)

	require.NoError(t, n.Insert(ctx, blk))
	_, err = n.Get(ctx, blk.Cid())
	require.NoError(t, err)

	snap := n.StoreMetrics()
	require.Equal(t, int64(2), snap.TotalRequests)
	require.Equal(t, int64(2), snap.SuccessfulRequests)
}

func TestSyncMetricsZeroValueWhenBitswapDisabled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := New(ctx, Config{DisableBitswap: true})
	require.NoError(t, err)
	defer n.Close()

	snap := n.SyncMetrics()
	require.Equal(t, int64(0), snap.TotalRequests)
}

func mustBlock(t *testing.T, c cid.Cid, data []byte) blockformat.Block {
	t.Helper()
	blk, err := blockformat.NewBlockWithCid(data, c)
	require.NoError(t, err)
	return blk
}

// TestDAGSyncWithAliasRebase is spec.md S3 verbatim: two nodes, five
// dag-cbor blocks (a1={a:0}, b1={b:0}, c1={c:[a1,b1]}, b2={b:1},
// c2={c:[a1,b2]}), syncing and rebasing the alias x between c1 and c2,
// checking the exact pin-set transition at each step.
func TestDAGSyncWithAliasRebase(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a1C, a1D := dagCBORScalar(t, "a", 0)
	b1C, b1D := dagCBORScalar(t, "b", 0)
	c1C, c1D := dagCBORLinks(t, "c", a1C, b1C)
	b2C, b2D := dagCBORScalar(t, "b", 1)
	c2C, c2D := dagCBORLinks(t, "c", a1C, b2C)

	n1 := newTestNode(t, ctx)
	n2 := newTestNode(t, ctx)

	n1addrs := n1.Listen()
	require.NotEmpty(t, n1addrs)
	require.NoError(t, n2.Dial(ctx, n1addrs[0]))

	// N1 inserts {a1,b1,c1}, aliases x->c1.
	require.NoError(t, n1.Insert(ctx, mustBlock(t, a1C, a1D)))
	require.NoError(t, n1.Insert(ctx, mustBlock(t, b1C, b1D)))
	require.NoError(t, n1.Insert(ctx, mustBlock(t, c1C, c1D)))
	require.NoError(t, n1.Alias(ctx, "x", &c1C))

	// N2 aliases x->c1, syncs c1 from N1: expect {a1,b1,c1} pinned on N2.
	require.NoError(t, n2.Alias(ctx, "x", &c1C))
	q, err := n2.Sync(ctx, c1C, []peer.ID{n1.Host.ID()})
	require.NoError(t, err)
	for range q.Events() {
	}
	require.NoError(t, q.Wait())

	requirePinned(t, ctx, n2, a1C, b1C, c1C)

	// N2 inserts {b2,c2}, aliases x->c2: expect b1,c1 unpinned, a1,b2,c2 pinned.
	require.NoError(t, n2.Insert(ctx, mustBlock(t, b2C, b2D)))
	require.NoError(t, n2.Insert(ctx, mustBlock(t, c2C, c2D)))
	require.NoError(t, n2.Alias(ctx, "x", &c2C))

	requireUnpinned(t, ctx, n2, b1C, c1C)
	requirePinned(t, ctx, n2, a1C, b2C, c2C)

	// N1 aliases x->c2, syncs from N2: expect the same pin set on N1.
	require.NoError(t, n1.Alias(ctx, "x", &c2C))
	q, err = n1.Sync(ctx, c2C, []peer.ID{n2.Host.ID()})
	require.NoError(t, err)
	for range q.Events() {
	}
	require.NoError(t, q.Wait())

	requireUnpinned(t, ctx, n1, b1C, c1C)
	requirePinned(t, ctx, n1, a1C, b2C, c2C)

	// Both set alias x->nil: expect all five blocks unpinned.
	require.NoError(t, n1.Alias(ctx, "x", nil))
	require.NoError(t, n2.Alias(ctx, "x", nil))

	requireUnpinned(t, ctx, n1, a1C, b1C, c1C, b2C, c2C)
	requireUnpinned(t, ctx, n2, a1C, b1C, c1C, b2C, c2C)
}

func requirePinned(t *testing.T, ctx context.Context, n *Node, cids ...cid.Cid) {
	t.Helper()
	for _, c := range cids {
		meta, err := n.Meta(ctx, c)
		require.NoError(t, err)
		require.Greater(t, meta.Pins, uint64(0), "%s must carry at least one pin", c)
	}
}

func requireUnpinned(t *testing.T, ctx context.Context, n *Node, cids ...cid.Cid) {
	t.Helper()
	for _, c := range cids {
		meta, err := n.Meta(ctx, c)
		require.NoError(t, err)
		require.Equal(t, uint64(0), meta.Pins, "%s must carry no pins", c)
	}
}

func TestTwoNodesSyncADAGAcrossTheNetwork(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	src := newTestNode(t, ctx)
	dst := newTestNode(t, ctx)

	leaf, err := block.New([]byte("leaf payload"), nil)
	require.NoError(t, err)
	require.NoError(t, src.Insert(ctx, leaf))

	addrs := src.Listen()
	require.NotEmpty(t, addrs)
	require.NoError(t, dst.Dial(ctx, addrs[0]))

	q, err := dst.Sync(ctx, leaf.Cid(), []peer.ID{src.Host.ID()})
	require.NoError(t, err)
	for range q.Events() {
	}
	require.NoError(t, q.Wait())

	got, err := dst.Get(ctx, leaf.Cid())
	require.NoError(t, err)
	require.Equal(t, leaf.RawData(), got.RawData())
}
