// Command progressd runs bulk operations and reports their hierarchical
// progress over HTTP, Prometheus and a job_progress table.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "progressd: %v\n", err)
		stop()
		os.Exit(1)
	}
}
