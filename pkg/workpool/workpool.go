// Package workpool runs a function over a slice with bounded concurrency
// and returns results in input order.
package workpool

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is used when Map is given a non-positive worker count.
func DefaultWorkers() int {
	return runtime.GOMAXPROCS(0)
}

// Map applies fn to every item with at most workers calls in flight.
// out[i] is fn's result for items[i]. The first error cancels the context
// passed to the remaining calls and is returned.
func Map[T, R any](ctx context.Context, items []T, workers int, fn func(ctx context.Context, i int, item T) (R, error)) ([]R, error) {
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	out := make([]R, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r, err := fn(gctx, i, item)
			if err != nil {
				return err
			}
			out[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
