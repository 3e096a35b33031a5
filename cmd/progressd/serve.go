package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/progresstree/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the progress API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := server.Build(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
