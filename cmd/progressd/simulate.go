package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/progresstree/internal/jobs"
	"github.com/JakeFAU/progresstree/internal/server"
)

type simulateOptions struct {
	rows    int64
	batch   int64
	workers int
	delay   time.Duration
}

func newSimulateCmd(opts *rootOptions) *cobra.Command {
	sim := &simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run one bulk row import in-process and log its progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulate(cmd.Context(), opts, sim)
		},
	}
	flags := cmd.Flags()
	flags.Int64Var(&sim.rows, "rows", 10000, "rows to import")
	flags.Int64Var(&sim.batch, "batch", 200, "rows written per batch")
	flags.IntVar(&sim.workers, "workers", 0, "import workers (defaults to jobs.workers)")
	flags.DurationVar(&sim.delay, "delay", 5*time.Millisecond, "simulated latency per batch")
	return cmd
}

func runSimulate(ctx context.Context, opts *rootOptions, sim *simulateOptions) error {
	if sim.rows < 0 || sim.batch <= 0 {
		return errors.New("--rows must be >= 0 and --batch > 0")
	}
	workers := sim.workers
	if workers <= 0 {
		workers = opts.cfg.Jobs.Workers
	}

	app, err := server.Build(ctx, opts.cfg, opts.logger)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}

	logger := opts.logger.Named("simulate")
	job := jobs.ImportJob(jobs.ImportOptions{
		Rows:    sim.rows,
		Batch:   sim.batch,
		Workers: workers,
		Delay:   sim.delay,
	})
	job.OnProgress = func(percentage int, state string) {
		logger.Info("progress", zap.Int("percentage", percentage), zap.String("state", state))
	}

	jobID, runErr := app.Runner().Run(ctx, job)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Close(shutdownCtx); err != nil {
		logger.Warn("close failed", zap.Error(err))
	}
	if runErr != nil {
		return fmt.Errorf("job %s: %w", jobID, runErr)
	}
	return nil
}
