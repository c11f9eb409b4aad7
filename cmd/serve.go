package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/fetch-engine/internal/app"
)

// newServeCmd creates the 'serve' subcommand, which runs the worker pool and
// ops server until SIGINT or SIGTERM.
func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the fetch worker pool",
		Long: `Consumes jobs from the configured queue with a fixed pool of workers,
persists every terminal result, and serves health, readiness, metrics and job
submission endpoints.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.Build(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return a.Run(cmd.Context())
		},
	}
}
