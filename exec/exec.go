// Package exec is the executor adapter (C10): it spawns the GC
// sweeper's background loop (the sync engine's fetch workers run on
// plain goroutines, not through it), and offers a blocking shim for
// synchronous callers (the CLI) to await async results, per spec.md
// §4.9. Grounded in the teacher's bare-goroutine spawn style (e.g.
// `go n.dispatch()` in 02-network/pkg/network.go); the only addition
// here is converting a task's panic into a reported failure instead of
// letting it crash the process.
package exec

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Task is a unit of background work. It should observe ctx.Done and
// return promptly on cancellation.
type Task func(ctx context.Context) error

// Executor spawns tasks and tracks their outcome. It is safe to clone
// (pass by value of the embedded pointer) into multiple components,
// per spec.md §4.9's "must survive being cloned into multiple
// components."
type Executor struct {
	logger zerolog.Logger
	wg     *sync.WaitGroup
	mu     *sync.Mutex
	errs   *[]error
}

// New returns a fresh executor.
func New() *Executor {
	return &Executor{
		logger: log.With().Str("component", "exec").Logger(),
		wg:     &sync.WaitGroup{},
		mu:     &sync.Mutex{},
		errs:   &[]error{},
	}
}

// Go spawns t as a background goroutine. A panic inside t is recovered
// and recorded as a task failure rather than aborting the process.
func (e *Executor) Go(ctx context.Context, name string, t Task) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("task %q panicked: %v", name, r)
				e.logger.Error().Err(err).Msg("recovered panic in background task")
				e.record(err)
			}
		}()
		if err := t(ctx); err != nil {
			e.logger.Warn().Err(err).Str("task", name).Msg("background task returned error")
			e.record(fmt.Errorf("task %q: %w", name, err))
		}
	}()
}

func (e *Executor) record(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	*e.errs = append(*e.errs, err)
}

// Errors returns every recorded task failure since construction.
func (e *Executor) Errors() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]error, len(*e.errs))
	copy(out, *e.errs)
	return out
}

// Wait blocks until every task spawned via Go has returned.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// BlockOn runs f to completion on the calling goroutine, offering a
// synchronous entry point for callers (the CLI) that want to await an
// async API without managing their own context plumbing.
func BlockOn[T any](ctx context.Context, f func(ctx context.Context) (T, error)) (T, error) {
	return f(ctx)
}
