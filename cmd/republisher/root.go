package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sheet-image-republisher/internal/config"
	"github.com/JakeFAU/sheet-image-republisher/internal/server"
)

// buildApp is replaced in tests.
var buildApp = server.Build

type commandContext struct {
	configPath string
}

// build loads configuration, applies command-line overrides and wires the
// dependencies of role.
func (c *commandContext) build(ctx context.Context, role string, overrides ...func(*config.Config)) (*server.App, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	for _, override := range overrides {
		override(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := buildApp(ctx, &cfg, role)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s: %w", role, err)
	}
	return app, nil
}

// absConfigPath is handed to spawned workers, whose working directory may differ.
func (c *commandContext) absConfigPath() (string, error) {
	if c.configPath == "" {
		return "", nil
	}
	return filepath.Abs(c.configPath)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:   "republisher",
		Short: "Republish spreadsheet image links as normalized, self-hosted JPEGs",
		Long: `republisher accepts .xlsx uploads, fetches every image URL found in the
target cells, pads each image onto a white square canvas, stores it as a JPEG
and writes a copy of the workbook whose cells point at the republished images.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.configPath, "config", "c", "", "Configuration file path (YAML)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newWorkerCommand(ctx))
	rootCmd.AddCommand(newSuperviseCommand(ctx))
	rootCmd.AddCommand(newPurgeCommand(ctx))

	return rootCmd
}
