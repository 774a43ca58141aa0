package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/th317erd/hero/cmd/hero/runtime"

	"github.com/th317erd/hero/internal/broadcast"
	"github.com/th317erd/hero/internal/daemon"
	"github.com/th317erd/hero/internal/daemon/components"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"daemon"},
	Short:   "Run the workspace as a long-lived daemon",
	Long:    `Starts the store, governance, broadcast, core and maintenance components and runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		forceClean, _ := cmd.Flags().GetBool("force-clean-locks")
		streamEvents, _ := cmd.Flags().GetBool("events")

		loaded, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		workspaceID := runtime.ResolveWorkspaceID(cmd, loaded)

		daemonMgr, err := daemon.NewDaemon(workspaceID, loaded)
		if err != nil {
			return fmt.Errorf("failed to create daemon manager: %w", err)
		}
		daemonMgr.SetForceCleanup(forceClean)

		var sinks []broadcast.Sink
		if streamEvents {
			sinks = append(sinks, broadcast.NewWriterSink("stdout", os.Stdout))
		}
		components.NewSet(loaded, workspaceID, sinks...).Register(daemonMgr)

		slog.Info("Hero daemon starting up...", "workspace", workspaceID, "backend", loaded.Store.Backend)
		err = daemonMgr.Start(context.Background())
		if err != nil {
			// Cancellation via signal/context is a graceful shutdown case for CLI.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("Hero daemon stopped gracefully", "workspace", workspaceID)
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		slog.Info("Hero daemon stopped gracefully", "workspace", workspaceID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().Bool("force-clean-locks", false, "Force cleanup of stale lock files (default: warn-only)")
	daemonCmd.Flags().Bool("events", false, "Stream broadcast events to stdout as JSON lines")
}
