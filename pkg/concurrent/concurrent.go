package concurrent

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Task is a long-running unit that stops when its context is cancelled.
type Task func(ctx context.Context) error

// Run starts every task in its own goroutine and waits for all of them. The
// first task to fail cancels the shared context for the rest; its error is
// returned.
func Run(ctx context.Context, tasks ...Task) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			return task(gctx)
		})
	}
	return g.Wait()
}

// ForEach runs action for every item with at most limit goroutines in flight
// and returns the first error encountered. A limit <= 0 means no limit.
func ForEach[T any](ctx context.Context, items []T, limit int, action func(context.Context, T) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, item := range items {
		item := item
		g.Go(func() error {
			return action(gctx, item)
		})
	}
	return g.Wait()
}
