package runtime

import (
	"github.com/th317erd/hero/internal/config"

	"github.com/spf13/cobra"
)

const DefaultWorkspaceID = config.DefaultWorkspaceID

// ResolveWorkspaceID prefers the --workspace flag, then server.workspace_id
// from cfg.
func ResolveWorkspaceID(cmd *cobra.Command, cfg *config.Config) string {
	if workspaceID, _ := cmd.Flags().GetString("workspace"); workspaceID != "" {
		return workspaceID
	}
	if cfg != nil && cfg.Server.WorkspaceID != "" {
		return cfg.Server.WorkspaceID
	}
	return DefaultWorkspaceID
}
