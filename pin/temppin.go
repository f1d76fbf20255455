package pin

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/gosuda/dagnode/batch"
)

// CreateTempPin registers a new, empty temp-pin scope. Creation itself
// touches no counters, so it does not need a batch.
func CreateTempPin(reg *Registry) Handle {
	return reg.Create()
}

// TempPin adds c to h's protected set and reconciles the pin counters
// so c (and whatever of its closure is already present) is immediately
// live. Per spec.md §4.2's guarantee, calling this before c has ever
// been inserted still protects c the instant it arrives, since
// Reconcile is re-run after every insert.
func TempPin(ctx context.Context, facade *batch.Facade, reg *Registry, h Handle, c cid.Cid) error {
	return facade.RW(ctx, "temp_pin", func(w *batch.Writer) error {
		if !reg.Add(h, c) {
			return nil
		}
		return Reconcile(ctx, w, reg)
	})
}

// DropTempPin releases every CID protected by h and reconciles the
// counters so anything no longer reachable from any root loses its
// pin credit.
func DropTempPin(ctx context.Context, facade *batch.Facade, reg *Registry, h Handle) error {
	return facade.RW(ctx, "drop_temp_pin", func(w *batch.Writer) error {
		reg.Drop(h)
		return Reconcile(ctx, w, reg)
	})
}

// ValidateHandle returns an error if h names no live temp-pin, used by
// callers that want to fail loudly on a stale handle rather than
// silently no-op.
func ValidateHandle(reg *Registry, h Handle) error {
	if reg.HandleRoots(h) == nil {
		return fmt.Errorf("temp-pin handle %d is not live", h)
	}
	return nil
}
