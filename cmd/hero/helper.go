package main

import (
	"context"
	"fmt"

	"github.com/th317erd/hero/cmd/hero/runtime"

	"github.com/th317erd/hero/internal/broadcast"
	"github.com/th317erd/hero/internal/config"
	"github.com/th317erd/hero/internal/format"

	"github.com/spf13/cobra"
)

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if cfg != nil {
		return cfg, nil
	}
	return config.Load(cmd)
}

func executeWithRuntime(cmd *cobra.Command, fn func(*runtime.RuntimeComponents) error, sinks ...broadcast.Sink) error {
	loaded, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	workspaceID := runtime.ResolveWorkspaceID(cmd, loaded)

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	components, err := runtime.NewRuntimeBuilder().
		WithContext(ctx).
		WithConfig(loaded).
		WithWorkspace(workspaceID).
		WithSinks(sinks...).
		Build()
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}
	defer components.Stop()

	if err := components.Start(); err != nil {
		return fmt.Errorf("failed to start runtime components: %w", err)
	}
	return fn(components)
}

func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", string(format.OutputFormatTable), "Output format (table, json, yaml)")
}

func printListing(cmd *cobra.Command, l format.Listing) error {
	raw, _ := cmd.Flags().GetString("output")
	if asYAML, _ := cmd.Flags().GetBool("yaml"); asYAML {
		raw = string(format.OutputFormatYAML)
	}
	outputFormat, err := format.ParseOutputFormat(raw)
	if err != nil {
		return err
	}
	f, err := format.New(outputFormat)
	if err != nil {
		return err
	}
	out, err := f.Format(l)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}
