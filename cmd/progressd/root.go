package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/progresstree/internal/config"
	"github.com/JakeFAU/progresstree/internal/logging"
)

type rootOptions struct {
	configPath string
	cfg        config.Config
	logger     *zap.Logger
}

// newRootCmd creates the root command. Config and logger are loaded once in
// PersistentPreRunE so every subcommand shares them.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "progressd",
		Short:         "Run long operations and track their progress",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			opts.cfg = cfg
			opts.logger = logger
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")

	cmd.AddCommand(newServeCmd(opts), newSimulateCmd(opts))
	return cmd
}
