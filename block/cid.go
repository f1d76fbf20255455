// Package block provides CID computation and the immutable block type
// the rest of the node operates on: a ⟨CID, bytes⟩ pair where the CID
// is a codec tag plus a multihash of the bytes.
package block

import (
	blockformat "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	mc "github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
)

// NewV1Prefix builds a CIDv1 prefix, defaulting to raw/sha2-256 the
// way the teacher's block package does.
func NewV1Prefix(mcType mc.Code, mhType uint64, mhLength int) *cid.Prefix {
	if mcType == 0 {
		mcType = mc.Raw
	}
	if mhType == 0 {
		mhType = mh.SHA2_256
	}
	if mhLength == 0 {
		mhLength = -1
	}
	return &cid.Prefix{
		Version:  1,
		Codec:    uint64(mcType),
		MhType:   mhType,
		MhLength: mhLength,
	}
}

// ComputeCID derives the CID of data under prefix.
func ComputeCID(data []byte, prefix *cid.Prefix) (cid.Cid, error) {
	if prefix == nil {
		prefix = NewV1Prefix(0, 0, 0)
	}
	return prefix.Sum(data)
}

// New builds a block, computing its CID under prefix. This is the
// only way to construct a Block from raw bytes: it enforces the
// multihash(bytes) = CID.multihash invariant by construction.
func New(data []byte, prefix *cid.Prefix) (blockformat.Block, error) {
	c, err := ComputeCID(data, prefix)
	if err != nil {
		return nil, err
	}
	return blockformat.NewBlockWithCid(data, c)
}

// VerifyHash re-derives the multihash of data under c's declared
// hash function and reports whether it matches c. Used on the fetch
// path before a remote block is accepted.
func VerifyHash(data []byte, c cid.Cid) bool {
	prefix := c.Prefix()
	got, err := prefix.Sum(data)
	if err != nil {
		return false
	}
	return got.Equals(c)
}
