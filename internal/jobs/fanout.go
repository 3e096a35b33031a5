package jobs

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/progresstree/internal/progress"
)

// WorkFunc processes units [start, end) and reports them on leaf, whose total
// is end-start.
type WorkFunc func(ctx context.Context, leaf *progress.Node, start, end int64) error

// FanOut splits node's units across workers goroutines. Each worker owns a
// leaf attached to node with a weight equal to its share of units, so leaves
// complete node together. The first error cancels the shared context and is
// returned once every worker has exited.
func FanOut(ctx context.Context, node *progress.Node, workers int, fn WorkFunc) error {
	units := node.Total()
	if units == 0 {
		return nil
	}
	if workers <= 0 {
		workers = 1
	}
	if int64(workers) > units {
		workers = int(units)
	}

	g, gctx := errgroup.WithContext(ctx)
	chunk, rest := units/int64(workers), units%int64(workers)
	var start int64
	for i := 0; i < workers; i++ {
		size := chunk
		if int64(i) < rest {
			size++
		}
		leaf := progress.New(size)
		node.AddChild(leaf, size)

		lo, hi := start, start+size
		g.Go(func() error {
			return fn(gctx, leaf, lo, hi)
		})
		start = hi
	}
	return g.Wait()
}
