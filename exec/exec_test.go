package exec

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGoRunsTaskToCompletion(t *testing.T) {
	e := New()
	done := make(chan struct{})
	e.Go(context.Background(), "noop", func(ctx context.Context) error {
		close(done)
		return nil
	})
	e.Wait()
	<-done
	require.Empty(t, e.Errors())
}

func TestGoRecordsTaskError(t *testing.T) {
	e := New()
	boom := errors.New("boom")
	e.Go(context.Background(), "failing", func(ctx context.Context) error {
		return boom
	})
	e.Wait()

	errs := e.Errors()
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], boom)
}

func TestGoRecoversPanicAsError(t *testing.T) {
	e := New()
	e.Go(context.Background(), "panicking", func(ctx context.Context) error {
		panic("unexpected")
	})
	e.Wait()

	errs := e.Errors()
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Error(), "panicking")
}

func TestWaitBlocksUntilAllTasksReturn(t *testing.T) {
	e := New()
	const n = 10
	counters := make(chan int, n)
	for i := 0; i < n; i++ {
		i := i
		e.Go(context.Background(), "counter", func(ctx context.Context) error {
			counters <- i
			return nil
		})
	}
	e.Wait()
	require.Len(t, counters, n)
}

func TestErrorsReturnsACopy(t *testing.T) {
	e := New()
	e.Go(context.Background(), "one", func(ctx context.Context) error {
		return errors.New("first")
	})
	e.Wait()

	first := e.Errors()
	first[0] = errors.New("mutated")

	second := e.Errors()
	require.EqualError(t, second[0], `task "one": first`, "mutating a previously returned slice must not affect the executor's internal record")
}

func TestBlockOnReturnsUnderlyingResult(t *testing.T) {
	got, err := BlockOn(context.Background(), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, got)
}

func TestBlockOnPropagatesError(t *testing.T) {
	boom := errors.New("blocked boom")
	_, err := BlockOn(context.Background(), func(ctx context.Context) (int, error) {
		return 0, boom
	})
	require.ErrorIs(t, err, boom)
}
