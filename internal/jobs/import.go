package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/progresstree/internal/progress"
)

// KindRowImport labels bulk row import jobs.
const KindRowImport = "row_import"

// Import stage weights, in root percentage points.
const (
	parseWeight    = 10
	importWeight   = 85
	finalizeWeight = 5
)

// ImportOptions sizes a bulk row import.
type ImportOptions struct {
	Rows    int64
	Batch   int64
	Workers int
	// Delay is slept per batch, to emulate write latency.
	Delay time.Duration
}

// ImportJob builds a bulk-import shaped job: a parse stage, an import stage
// fanned out across workers that write rows in batches, and an instant
// finalize stage.
func ImportJob(opts ImportOptions) Job {
	if opts.Rows < 0 {
		opts.Rows = 0
	}
	if opts.Batch <= 0 {
		opts.Batch = 1
	}
	return Job{
		Kind: KindRowImport,
		Stages: []Stage{
			{Name: "parse", Weight: parseWeight, Units: 1, Run: func(ctx context.Context, node *progress.Node) error {
				if err := pause(ctx, opts.Delay); err != nil {
					return err
				}
				node.Step(fmt.Sprintf("parsed %d rows", opts.Rows))
				return nil
			}},
			{Name: "import", Weight: importWeight, Units: opts.Rows, Run: func(ctx context.Context, node *progress.Node) error {
				return FanOut(ctx, node, opts.Workers, func(ctx context.Context, leaf *progress.Node, start, end int64) error {
					for lo := start; lo < end; lo += opts.Batch {
						hi := min(lo+opts.Batch, end)
						if err := pause(ctx, opts.Delay); err != nil {
							return err
						}
						leaf.Increment(hi-lo, fmt.Sprintf("imported rows %d-%d", lo+1, hi))
					}
					return nil
				})
			}},
			{Name: "finalize", Weight: finalizeWeight},
		},
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
