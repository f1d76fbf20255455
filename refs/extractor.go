// Package refs is the reference index (C2): the derived map from a
// stored CID to the ordered list of CIDs its codec says it points at.
// The index is persisted at insert time and never recomputed, per
// spec.md §3/§4.1.
package refs

import (
	"bytes"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/datamodel"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	mc "github.com/multiformats/go-multicodec"
)

// Extractor is the only place where codec plurality matters (spec.md
// §9): "given a CID and its bytes, enumerate outbound CIDs."
// Implementations must not mutate data.
type Extractor interface {
	ExtractRefs(c cid.Cid, data []byte) ([]cid.Cid, error)
}

// RawExtractor treats its payload as opaque: raw blocks never
// reference other CIDs.
type RawExtractor struct{}

func (RawExtractor) ExtractRefs(cid.Cid, []byte) ([]cid.Cid, error) { return nil, nil }

// DagCBORExtractor walks a decoded dag-cbor node for link values,
// following the same node-walking idiom as the teacher's
// DagWrapper.ResolvePath and PinManager.findChildren.
type DagCBORExtractor struct{}

func (DagCBORExtractor) ExtractRefs(c cid.Cid, data []byte) ([]cid.Cid, error) {
	nb := basicnode.Prototype.Any.NewBuilder()
	if err := dagcbor.Decode(nb, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("decode dag-cbor block %s: %w", c, err)
	}
	node := nb.Build()

	var out []cid.Cid
	seen := make(map[string]struct{})
	if err := walkLinks(node, &out, seen); err != nil {
		return nil, fmt.Errorf("walk links in %s: %w", c, err)
	}
	return out, nil
}

func walkLinks(node datamodel.Node, out *[]cid.Cid, seen map[string]struct{}) error {
	switch node.Kind() {
	case datamodel.Kind_Link:
		lk, err := node.AsLink()
		if err != nil {
			return err
		}
		cl, ok := lk.(cidlink.Link)
		if !ok {
			return fmt.Errorf("unsupported link implementation %T", lk)
		}
		key := cl.Cid.KeyString()
		if _, dup := seen[key]; !dup {
			seen[key] = struct{}{}
			*out = append(*out, cl.Cid)
		}
		return nil
	case datamodel.Kind_Map:
		it := node.MapIterator()
		for !it.Done() {
			_, v, err := it.Next()
			if err != nil {
				return err
			}
			if err := walkLinks(v, out, seen); err != nil {
				return err
			}
		}
		return nil
	case datamodel.Kind_List:
		it := node.ListIterator()
		for !it.Done() {
			_, v, err := it.Next()
			if err != nil {
				return err
			}
			if err := walkLinks(v, out, seen); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

// Registry dispatches an Extractor by the CID's declared multicodec,
// resolved once at store construction, per spec.md §9's "resolved at
// construction time" guidance.
type Registry map[uint64]Extractor

// NewRegistry returns the default codec set: raw payloads never
// reference other blocks, dag-cbor payloads are walked for links.
func NewRegistry() Registry {
	return Registry{
		uint64(mc.Raw):     RawExtractor{},
		uint64(mc.DagCbor): DagCBORExtractor{},
	}
}

// ExtractorFor resolves the extractor for c's codec, or ErrCodecError
// (via the caller) if the codec was never registered.
func (r Registry) ExtractorFor(c cid.Cid) (Extractor, bool) {
	e, ok := r[c.Prefix().Codec]
	return e, ok
}
