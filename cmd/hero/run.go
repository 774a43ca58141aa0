package main

import (
	"fmt"
	"os"

	"github.com/th317erd/hero/cmd/hero/runtime"

	"github.com/th317erd/hero/internal/permission"
	"github.com/th317erd/hero/internal/session"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Open an interactive session",
	Long:  `Reads lines from stdin and submits them to a session as the given user. Lines starting with '/' run slash commands.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		userID, _ := cmd.Flags().GetString("user")

		return executeWithRuntime(cmd, func(r *runtime.RuntimeComponents) error {
			if sessionID == "" {
				meta, err := r.Kernel.Sessions.Create(r.Ctx, session.CreateParams{
					Title:    "CLI Session",
					OwnerID:  userID,
					Metadata: map[string]string{"source": "cli"},
				})
				if err != nil {
					return fmt.Errorf("failed to create session: %w", err)
				}
				sessionID = meta.ID
			}

			user := permission.Subject{Type: permission.SubjectUser, ID: userID}
			return runtime.NewREPL(r, sessionID, user, os.Stdin, cmd.OutOrStdout()).Start()
		})
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("session", "s", "", "Session to join (default: a new session)")
	runCmd.Flags().StringP("user", "u", defaultUserID(), "User ID to submit as")
}

func defaultUserID() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "user"
}
