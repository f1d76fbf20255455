package pin

import (
	"sync"

	"github.com/ipfs/go-cid"
)

// Handle names a caller-owned temp-pin scope. The zero value is not a
// valid handle; obtain one from Registry.Create.
type Handle uint64

// Registry is the process-wide set of live temp-pins, per spec.md §5:
// "the set of temp-pins is a process-wide registry guarded by a
// mutex. GC reads this registry under the lock." Only root CIDs are
// stored per handle (§4.3); closures are re-derived on demand.
type Registry struct {
	mu      sync.Mutex
	next    Handle
	handles map[Handle]map[string]cid.Cid
}

// NewRegistry returns an empty temp-pin registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[Handle]map[string]cid.Cid)}
}

// Create registers a new, empty temp-pin scope and returns its handle.
func (r *Registry) Create() Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	h := r.next
	r.handles[h] = make(map[string]cid.Cid)
	return h
}

// Add records c as a root of h. Adding the same CID twice is a no-op,
// matching the "if C not already in H" guard of spec.md §4.3.
func (r *Registry) Add(h Handle, c cid.Cid) (added bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roots, ok := r.handles[h]
	if !ok {
		return false
	}
	key := c.KeyString()
	if _, exists := roots[key]; exists {
		return false
	}
	roots[key] = c
	return true
}

// Drop releases h and every CID it was protecting. Dropping an already
// dropped or unknown handle is a no-op.
func (r *Registry) Drop(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, h)
}

// Roots returns a snapshot of every root CID currently held by any
// live temp-pin, deduplicated. Reachability reconciliation and GC's
// "not in any temp-pin closure" check use Snapshot instead.
func (r *Registry) Roots() []cid.Cid {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{})
	var out []cid.Cid
	for _, roots := range r.handles {
		for key, c := range roots {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

// HandleRoots returns the root set owned by h, or nil if h is unknown.
func (r *Registry) HandleRoots(h Handle) []cid.Cid {
	r.mu.Lock()
	defer r.mu.Unlock()
	roots, ok := r.handles[h]
	if !ok {
		return nil
	}
	out := make([]cid.Cid, 0, len(roots))
	for _, c := range roots {
		out = append(out, c)
	}
	return out
}

// HandleCount reports how many live temp-pin handles exist, used in
// tests to detect handle leaks.
func (r *Registry) HandleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Snapshot returns every live handle's root set, copied out from under
// the registry lock so callers can compute closures without holding it.
func (r *Registry) Snapshot() map[Handle][]cid.Cid {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Handle][]cid.Cid, len(r.handles))
	for h, roots := range r.handles {
		cids := make([]cid.Cid, 0, len(roots))
		for _, c := range roots {
			cids = append(cids, c)
		}
		out[h] = cids
	}
	return out
}
