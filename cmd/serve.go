// Package cmd provides the command-line interface for Argus.
package cmd

import (
	"context"
	"fmt"

	"argus/bootstrap"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the argus root command. Running without a
// subcommand starts the monitoring engine, same as `argus serve`.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "argus",
		Short:         "Argus security monitoring engine",
		Long:          "Argus ingests metrics and security events, detects anomalies and breaches, and runs health checks against configured targets.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the monitoring engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// runServe initializes the application, starts all services and blocks
// until a shutdown signal arrives.
func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	app, err := bootstrap.NewApp(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown()
	app.Shutdown()

	return nil
}
