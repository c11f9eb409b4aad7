// Package cmd defines and implements the CLI commands for the fetchworker executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-engine/internal/config"
	"github.com/JakeFAU/fetch-engine/internal/logging"
)

// rootOptions carries what PersistentPreRunE resolves for subcommands.
type rootOptions struct {
	cfgFile string
	dev     bool

	cfg    config.Config
	logger *zap.Logger
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "fetchworker",
		Short: "Fetches web pages with proxy routing and adaptive retries.",
		Long: `fetchworker executes fetch jobs, either as a long-running worker pool
consuming a job queue or as a one-shot command. Each job is fetched with a plain
HTTP client or a headless browser, routed through an optional proxy, and retried
with backoff tuned by status codes and page content.`,
		SilenceUsage: true,

		// Config and logger are resolved before any subcommand runs.
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.Build(logging.Options{
				Development: opts.dev || cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				Service:     "fetchworker",
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			opts.cfg = cfg
			opts.logger = logger
			return nil
		},

		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().BoolVar(&opts.dev, "dev", false, "human-readable development logging")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newFetchCmd(opts))
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
