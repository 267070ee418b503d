package telephone

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Options bounds a fan-out
type Options struct {
	// BatchSize is the number of calls in flight at once (<= 0 means all at once)
	BatchSize int
	// Timeout bounds each call (<= 0 means only the parent context applies)
	Timeout time.Duration
}

// Dispatch calls fn once per item and returns the results in item order.
//
// Items run in sequential batches of opts.BatchSize; every call in a batch
// runs concurrently and the next batch starts only after the whole batch has
// settled. Each call gets its own context bounded by opts.Timeout. A call that
// times out, is cancelled, or panics yields fallback(item, err) in its slot;
// a late result from a timed-out call is discarded.
func Dispatch[T, R any](ctx context.Context, items []T, opts Options,
	fn func(ctx context.Context, item T) R, fallback func(item T, err error) R) []R {
	out := make([]R, len(items))
	size := opts.BatchSize
	if size <= 0 {
		size = len(items)
	}

	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		var g errgroup.Group
		g.SetLimit(size)
		for i := start; i < end; i++ {
			g.Go(func() error {
				out[i] = settle(ctx, items[i], opts.Timeout, fn, fallback)
				return nil
			})
		}
		// failures land in out through fallback, never in the group
		_ = g.Wait()
	}
	return out
}

// settle runs one call and waits for either its result or its deadline
func settle[T, R any](ctx context.Context, item T, timeout time.Duration,
	fn func(context.Context, T) R, fallback func(T, error) R) R {
	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type outcome struct {
		result R
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		done <- outcome{result: fn(callCtx, item)}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return fallback(item, o.err)
		}
		// a result racing the deadline still counts as timed out
		if err := callCtx.Err(); err != nil {
			return fallback(item, err)
		}
		return o.result
	case <-callCtx.Done():
		return fallback(item, callCtx.Err())
	}
}
