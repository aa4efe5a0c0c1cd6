package mediacache

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Prefetch warms the cache with the given paths, downloading each fully
// (streaming-first is bypassed) at low priority. Fetches run concurrently,
// bounded by the configured download worker count. The first error cancels
// the remaining fetches and is returned.
func (e *Engine) Prefetch(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrency)
	for _, path := range paths {
		g.Go(func() error {
			_, err := e.Resolve(ctx, path, WithoutProgressive(), WithPriority(PriorityLow))
			return err
		})
	}
	return g.Wait()
}
