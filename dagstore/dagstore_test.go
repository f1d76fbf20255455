package dagstore

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	blockformat "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	mc "github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/dagnode/batch"
	"github.com/gosuda/dagnode/block"
	"github.com/gosuda/dagnode/errs"
	"github.com/gosuda/dagnode/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), Config{CacheSize: -1})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func rawBlock(t *testing.T, payload string) (cid.Cid, []byte) {
	t.Helper()
	blk, err := block.New([]byte(payload), nil)
	require.NoError(t, err)
	return blk.Cid(), blk.RawData()
}

func dagCBORLinkBlock(t *testing.T, child cid.Cid) (cid.Cid, []byte) {
	t.Helper()
	nb := basicnode.Prototype.Map.NewBuilder()
	ma, err := nb.BeginMap(1)
	require.NoError(t, err)
	require.NoError(t, ma.AssembleKey().AssignString("link"))
	require.NoError(t, ma.AssembleValue().AssignLink(cidlink.Link{Cid: child}))
	require.NoError(t, ma.Finish())

	var buf bytes.Buffer
	require.NoError(t, dagcbor.Encode(nb.Build(), &buf))
	data := buf.Bytes()
	c, err := block.ComputeCID(data, block.NewV1Prefix(mc.DagCbor, 0, 0))
	require.NoError(t, err)
	return c, data
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, data := rawBlock(t, "round trip")
	blk := mustBlockWithCid(t, c, data)

	require.NoError(t, s.Insert(ctx, blk))

	got, err := s.Get(ctx, c)
	require.NoError(t, err)
	require.Equal(t, data, got.RawData())
}

// TestLocalRoundTripUnderBlake3Raw is spec.md S1 verbatim: encode
// b"test_local_store" under the raw codec with blake3-256, temp-pin
// it, insert, then get and compare bytes.
func TestLocalRoundTripUnderBlake3Raw(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload := []byte("test_local_store")
	prefix := block.NewV1Prefix(mc.Raw, mh.BLAKE3, -1)
	blk, err := block.New(payload, prefix)
	require.NoError(t, err)
	require.Equal(t, uint64(mh.BLAKE3), blk.Cid().Prefix().MhType)

	h := s.CreateTempPin()
	require.NoError(t, s.TempPin(ctx, h, blk.Cid()))
	defer s.DropTempPin(ctx, h)

	require.NoError(t, s.Insert(ctx, blk))

	got, err := s.Get(ctx, blk.Cid())
	require.NoError(t, err)
	require.Equal(t, payload, got.RawData())
}

func TestInsertRejectsHashMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, _ := rawBlock(t, "real data")
	tampered := mustBlockWithCid(t, c, []byte("not the real data"))

	err := s.Insert(ctx, tampered)
	require.ErrorIs(t, err, errs.ErrHashMismatch)
}

func TestInsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, data := rawBlock(t, "idempotent")
	blk := mustBlockWithCid(t, c, data)

	require.NoError(t, s.Insert(ctx, blk))
	require.NoError(t, s.Insert(ctx, blk)) // second insert is a no-op, not an error
}

func TestIterListsEveryStoredBlock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var want []cid.Cid
	for _, payload := range []string{"iter-a", "iter-b", "iter-c"} {
		c, data := rawBlock(t, payload)
		blk := mustBlockWithCid(t, c, data)
		require.NoError(t, s.Insert(ctx, blk))
		want = append(want, c)
	}

	got, err := s.Iter(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, want, got)
}

func TestIterEmptyStoreReturnsNoBlocks(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Iter(context.Background())
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestInsertExtractsDagCBORLinks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	childC, childData := rawBlock(t, "dag child")
	childBlk := mustBlockWithCid(t, childC, childData)
	require.NoError(t, s.Insert(ctx, childBlk))

	rootC, rootData := dagCBORLinkBlock(t, childC)
	rootBlk := mustBlockWithCid(t, rootC, rootData)
	require.NoError(t, s.Insert(ctx, rootBlk))

	meta, err := s.Meta(ctx, childC)
	require.NoError(t, err)
	require.Equal(t, uint64(1), meta.Referrers, "inserting the dag-cbor root must credit its linked child's referrer count")
}

func TestMissingBlocksAfterPartialInsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	childC, _ := rawBlock(t, "missing child")
	rootC, rootData := dagCBORLinkBlock(t, childC)
	rootBlk := mustBlockWithCid(t, rootC, rootData)
	require.NoError(t, s.Insert(ctx, rootBlk))

	missing, err := s.MissingBlocks(ctx, rootC)
	require.NoError(t, err)
	require.Equal(t, []cid.Cid{childC}, missing)
}

func TestAliasPinsAndUnaliasReleases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, data := rawBlock(t, "aliased root")
	blk := mustBlockWithCid(t, c, data)
	require.NoError(t, s.Insert(ctx, blk))

	require.NoError(t, s.Alias(ctx, "head", &c))
	meta, err := s.Meta(ctx, c)
	require.NoError(t, err)
	require.True(t, meta.Live())

	require.NoError(t, s.Alias(ctx, "head", nil))
	meta, err = s.Meta(ctx, c)
	require.NoError(t, err)
	require.False(t, meta.Live())
}

func TestTempPinProtectsDuringBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, data := rawBlock(t, "temp protected")
	blk := mustBlockWithCid(t, c, data)
	require.NoError(t, s.Insert(ctx, blk))

	h := s.CreateTempPin()
	require.NoError(t, s.TempPin(ctx, h, c))

	meta, err := s.Meta(ctx, c)
	require.NoError(t, err)
	require.True(t, meta.Live())

	require.NoError(t, s.DropTempPin(ctx, h))
	meta, err = s.Meta(ctx, c)
	require.NoError(t, err)
	require.False(t, meta.Live())
}

func TestRWComposesAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, data := rawBlock(t, "composed")

	err := s.RW(ctx, "manual-insert", func(w *batch.Writer) error {
		return w.Put(ctx, store.BlockKey(c), data)
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, c)
	require.NoError(t, err)
	require.Equal(t, data, got.RawData())
}

// TestBatchAbortDiscardsPartialWrites is spec.md S4 verbatim: insert
// a, b; open a batch, insert c, then abort; a, b survive and c does
// not; a second batch commits c; d is never present.
func TestBatchAbortDiscardsPartialWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	aC, aD := rawBlock(t, "s4-a")
	bC, bD := rawBlock(t, "s4-b")
	cC, cD := rawBlock(t, "s4-c")
	dC, _ := rawBlock(t, "s4-d")

	require.NoError(t, s.Insert(ctx, mustBlockWithCid(t, aC, aD)))
	require.NoError(t, s.Insert(ctx, mustBlockWithCid(t, bC, bD)))

	abortErr := fmt.Errorf("simulated abort")
	err := s.RW(ctx, "s4-abort", func(w *batch.Writer) error {
		if err := w.Put(ctx, store.BlockKey(cC), cD); err != nil {
			return err
		}
		return abortErr
	})
	require.ErrorIs(t, err, abortErr)

	hasA, err := s.kv.Has(ctx, store.BlockKey(aC))
	require.NoError(t, err)
	require.True(t, hasA)
	hasB, err := s.kv.Has(ctx, store.BlockKey(bC))
	require.NoError(t, err)
	require.True(t, hasB)
	hasC, err := s.kv.Has(ctx, store.BlockKey(cC))
	require.NoError(t, err)
	require.False(t, hasC, "an aborted batch must not persist its writes")

	require.NoError(t, s.RW(ctx, "s4-commit", func(w *batch.Writer) error {
		return w.Put(ctx, store.BlockKey(cC), cD)
	}))
	hasC, err = s.kv.Has(ctx, store.BlockKey(cC))
	require.NoError(t, err)
	require.True(t, hasC)

	hasD, err := s.kv.Has(ctx, store.BlockKey(dC))
	require.NoError(t, err)
	require.False(t, hasD, "d was never inserted")
}

// TestBatchReadChecksContainment is spec.md S5 verbatim: insert a, b,
// then a read-only batch predicate checking both are present returns
// true.
func TestBatchReadChecksContainment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	aC, aD := rawBlock(t, "s5-a")
	bC, bD := rawBlock(t, "s5-b")
	require.NoError(t, s.Insert(ctx, mustBlockWithCid(t, aC, aD)))
	require.NoError(t, s.Insert(ctx, mustBlockWithCid(t, bC, bD)))

	var bothPresent bool
	err := s.RW(ctx, "s5-read", func(w *batch.Writer) error {
		hasA, err := w.Has(ctx, store.BlockKey(aC))
		if err != nil {
			return err
		}
		hasB, err := w.Has(ctx, store.BlockKey(bC))
		if err != nil {
			return err
		}
		bothPresent = hasA && hasB
		return nil
	})
	require.NoError(t, err)
	require.True(t, bothPresent)
}

func TestReverseAliasAfterInsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	childC, childData := rawBlock(t, "reverse child")
	require.NoError(t, s.Insert(ctx, mustBlockWithCid(t, childC, childData)))

	rootC, rootData := dagCBORLinkBlock(t, childC)
	require.NoError(t, s.Insert(ctx, mustBlockWithCid(t, rootC, rootData)))
	require.NoError(t, s.Alias(ctx, "dag-root", &rootC))

	names, err := s.ReverseAlias(ctx, childC)
	require.NoError(t, err)
	require.Equal(t, []string{"dag-root"}, names)
}

func TestMetricsTrackInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, data := rawBlock(t, "metrics round trip")
	blk := mustBlockWithCid(t, c, data)

	require.NoError(t, s.Insert(ctx, blk))
	_, err := s.Get(ctx, c)
	require.NoError(t, err)

	snap := s.Metrics()
	require.Equal(t, int64(2), snap.TotalRequests)
	require.Equal(t, int64(2), snap.SuccessfulRequests)
	require.Equal(t, int64(0), snap.FailedRequests)
}

func TestMetricsTrackGetNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	absent, _ := rawBlock(t, "absent block")

	_, err := s.Get(ctx, absent)
	require.ErrorIs(t, err, errs.ErrNotFound)

	snap := s.Metrics()
	require.Equal(t, int64(1), snap.TotalRequests)
	require.Equal(t, int64(1), snap.FailedRequests)
	require.Equal(t, int64(1), snap.ErrorsByType["not_found"])
}

func mustBlockWithCid(t *testing.T, c cid.Cid, data []byte) blockformat.Block {
	t.Helper()
	blk, err := blockformat.NewBlockWithCid(data, c)
	require.NoError(t, err)
	return blk
}
