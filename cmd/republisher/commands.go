package main

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sheet-image-republisher/internal/config"
	"github.com/JakeFAU/sheet-image-republisher/internal/server"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var inlineWorkers int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the purge listener",
		Long: `serve runs the HTTP API and the purge listener. With --inline-workers the
same process also processes batches from an in-memory queue, so a local setup
needs no separate worker or supervisor.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var overrides []func(*config.Config)
			if cmd.Flags().Changed("inline-workers") {
				overrides = append(overrides, func(c *config.Config) { c.Server.InlineWorkers = inlineWorkers })
			}
			app, err := ctx.build(cmd.Context(), server.RoleServe, overrides...)
			if err != nil {
				return err
			}
			return app.Serve(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&inlineWorkers, "inline-workers", 0, "Process batches inside this process with N workers (overrides server.inline_workers)")
	return cmd
}

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queued batches, one at a time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := ctx.build(cmd.Context(), server.RoleWorker)
			if err != nil {
				return err
			}
			return app.Work(cmd.Context())
		},
	}
}

func newSuperviseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "supervise",
		Short: "Keep the configured number of worker processes running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, err := ctx.absConfigPath()
			if err != nil {
				return err
			}
			app, err := ctx.build(cmd.Context(), server.RoleSupervise)
			if err != nil {
				return err
			}
			return app.Supervise(cmd.Context(), configPath)
		},
	}
}

func newPurgeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Run one retention pass and print its report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			app, err := ctx.build(cmd.Context(), server.RolePurge)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, app.Close(context.WithoutCancel(cmd.Context())))
			}()

			report, err := app.PurgeOnce(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
