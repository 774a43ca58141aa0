package main

import (
	"fmt"
	"strings"

	"github.com/th317erd/hero/cmd/hero/runtime"

	"github.com/th317erd/hero/internal/format"
	"github.com/th317erd/hero/internal/session"
	"github.com/th317erd/hero/internal/store"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
	Long:  `Create, list, join, leave and close sessions in the workspace.`,
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create [title]",
	Short: "Create a session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title := "Untitled"
		if len(args) == 1 {
			title = args[0]
		}
		id, _ := cmd.Flags().GetString("id")
		owner, _ := cmd.Flags().GetString("owner")
		agents, _ := cmd.Flags().GetStringSlice("agent")

		return executeWithRuntime(cmd, func(r *runtime.RuntimeComponents) error {
			meta, err := r.Kernel.Sessions.Create(r.Ctx, session.CreateParams{
				ID:      id,
				Title:   title,
				OwnerID: owner,
				Agents:  agents,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Session '%s' created: %s\n", meta.Title, meta.ID)
			return nil
		})
	},
}

var sessionLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(r *runtime.RuntimeComponents) error {
			sessions, err := r.Kernel.Sessions.List(r.Ctx)
			if err != nil {
				return err
			}
			return printListing(cmd, sessionListing(sessions))
		})
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(r *runtime.RuntimeComponents) error {
			meta, err := r.Kernel.Sessions.Get(r.Ctx, args[0])
			if err != nil {
				return err
			}
			return printListing(cmd, sessionListing([]store.SessionMeta{meta}))
		})
	},
}

var sessionJoinCmd = &cobra.Command{
	Use:   "join [id] [participant]",
	Short: "Add a user or agent to a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := participantFlag(cmd, args[1])
		if err != nil {
			return err
		}
		return executeWithRuntime(cmd, func(r *runtime.RuntimeComponents) error {
			if _, err := r.Kernel.Sessions.Join(r.Ctx, args[0], p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s %s joined %s\n", p.Type, p.ID, args[0])
			return nil
		})
	},
}

var sessionLeaveCmd = &cobra.Command{
	Use:   "leave [id] [participant]",
	Short: "Remove a user or agent from a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := participantFlag(cmd, args[1])
		if err != nil {
			return err
		}
		return executeWithRuntime(cmd, func(r *runtime.RuntimeComponents) error {
			if _, err := r.Kernel.Sessions.Leave(r.Ctx, args[0], p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s %s left %s\n", p.Type, p.ID, args[0])
			return nil
		})
	},
}

var sessionCloseCmd = &cobra.Command{
	Use:   "close [id]",
	Short: "Close a session",
	Long:  `Closes the session, cancels its pending interactions and drops its session-scoped rules.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(r *runtime.RuntimeComponents) error {
			if _, err := r.Kernel.Sessions.Close(r.Ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Session '%s' closed.\n", args[0])
			return nil
		})
	},
}

func participantFlag(cmd *cobra.Command, id string) (store.Participant, error) {
	kind, _ := cmd.Flags().GetString("type")
	switch store.ParticipantType(strings.ToLower(kind)) {
	case "", store.ParticipantAgent:
		return store.Participant{ID: id, Type: store.ParticipantAgent}, nil
	case store.ParticipantUser:
		return store.Participant{ID: id, Type: store.ParticipantUser}, nil
	default:
		return store.Participant{}, fmt.Errorf("unknown participant type %q (user, agent)", kind)
	}
}

func sessionListing(sessions []store.SessionMeta) format.Listing {
	l := format.Listing{
		Empty:   "No sessions found.",
		Headers: []string{"ID", "Title", "Status", "Owner", "Participants", "Updated"},
		Value:   sessions,
	}
	for _, s := range sessions {
		parts := make([]string, len(s.Participants))
		for i, p := range s.Participants {
			parts[i] = string(p.Type) + ":" + p.ID
		}
		l.Rows = append(l.Rows, []string{
			s.ID,
			s.Title,
			string(s.Status),
			s.OwnerID,
			strings.Join(parts, ", "),
			s.UpdatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	return l
}

func init() {
	sessionCreateCmd.Flags().String("id", "", "Session ID (default: generated)")
	sessionCreateCmd.Flags().String("owner", defaultUserID(), "Owning user ID")
	sessionCreateCmd.Flags().StringSlice("agent", nil, "Agents to add on creation")
	for _, c := range []*cobra.Command{sessionJoinCmd, sessionLeaveCmd} {
		c.Flags().String("type", string(store.ParticipantAgent), "Participant type (user, agent)")
	}
	addOutputFlag(sessionLsCmd)
	addOutputFlag(sessionShowCmd)

	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionLsCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionJoinCmd)
	sessionCmd.AddCommand(sessionLeaveCmd)
	sessionCmd.AddCommand(sessionCloseCmd)
	rootCmd.AddCommand(sessionCmd)
}
