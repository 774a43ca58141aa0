package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/th317erd/hero/cmd/hero/runtime"

	"github.com/th317erd/hero/internal/ability"
	"github.com/th317erd/hero/internal/broadcast"
	"github.com/th317erd/hero/internal/delegation"
	"github.com/th317erd/hero/internal/format"

	"github.com/spf13/cobra"
)

var abilitiesCmd = &cobra.Command{
	Use:     "abilities",
	Aliases: []string{"ability"},
	Short:   "List and run abilities",
}

var abilitiesLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List registered abilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(r *runtime.RuntimeComponents) error {
			descriptors := r.Kernel.Registry.Descriptors()
			l := format.Listing{
				Empty:   "No abilities registered.",
				Headers: []string{"Name", "Target", "Default", "Danger"},
				Value:   descriptors,
			}
			for _, d := range descriptors {
				l.Rows = append(l.Rows, []string{d.Name, d.Target, string(d.DefaultPermission), string(d.Danger)})
			}
			return printListing(cmd, l)
		})
	},
}

var abilitiesRunCmd = &cobra.Command{
	Use:   "run [name]",
	Short: "Run an ability in a session",
	Long: `Runs an ability through the approval workflow. Approval requests are
answered on this terminal as --user unless --yes approves them all.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rawParams, _ := cmd.Flags().GetString("params")
		sessionID, _ := cmd.Flags().GetString("session")
		agentID, _ := cmd.Flags().GetString("agent")
		userID, _ := cmd.Flags().GetString("user")
		auto, _ := cmd.Flags().GetBool("yes")

		if !json.Valid([]byte(rawParams)) {
			return fmt.Errorf("--params is not valid JSON")
		}

		sink := broadcast.NewChannelSink("cli-approver", sessionID, 16)
		return executeWithRuntime(cmd, func(r *runtime.RuntimeComponents) error {
			stop := startApprover(cmd, r, sink, userID, auto)
			defer stop()

			out, err := r.Kernel.RunAbility(r.Ctx, args[0], json.RawMessage(rawParams), ability.Context{
				SessionID: sessionID,
				AgentID:   agentID,
				UserID:    userID,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		}, sink)
	},
}

var delegateCmd = &cobra.Command{
	Use:   "delegate [task]",
	Short: "Delegate a task from one agent to another",
	Long: `Hands a task to another agent of the session. The hand-off needs
approval unless a rule allows the "delegate" ability for the source agent.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		userID, _ := cmd.Flags().GetString("user")
		auto, _ := cmd.Flags().GetBool("yes")
		task := strings.Join(args, " ")

		sink := broadcast.NewChannelSink("cli-approver", sessionID, 16)
		return executeWithRuntime(cmd, func(r *runtime.RuntimeComponents) error {
			stop := startApprover(cmd, r, sink, userID, auto)
			defer stop()

			outcome, err := r.Kernel.Delegate(r.Ctx, delegation.Context{
				SessionID: sessionID,
				AgentID:   from,
				UserID:    userID,
				Identity:  r.Kernel.Identity(),
			}, to, task)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Delegated to %s (depth %d)\n", outcome.AgentID, outcome.Depth)
			if len(outcome.Result) > 0 {
				return printJSON(cmd, outcome.Result)
			}
			return nil
		}, sink)
	},
}

// startApprover answers approval requests published to sink until the
// returned cancel function runs. A prompt still waiting on stdin is abandoned.
func startApprover(cmd *cobra.Command, r *runtime.RuntimeComponents, sink *broadcast.ChannelSink, userID string, auto bool) context.CancelFunc {
	ctx, cancel := context.WithCancel(r.Ctx)
	approver := runtime.NewApprover(r.Kernel.Workflow, userID, cmd.InOrStdin(), cmd.ErrOrStderr(), auto)
	go approver.Run(ctx, sink.Events())
	return cancel
}

func printJSON(cmd *cobra.Command, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), string(raw))
		return nil
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(pretty))
	return nil
}

func init() {
	addOutputFlag(abilitiesLsCmd)

	abilitiesRunCmd.Flags().String("params", "{}", "Ability parameters as JSON")
	abilitiesRunCmd.Flags().StringP("session", "s", "", "Session to run in")
	abilitiesRunCmd.Flags().String("agent", "", "Requesting agent (default: the user acts directly)")
	abilitiesRunCmd.Flags().StringP("user", "u", defaultUserID(), "User answering approvals")
	abilitiesRunCmd.Flags().BoolP("yes", "y", false, "Approve every request once without asking")
	_ = abilitiesRunCmd.MarkFlagRequired("session")

	delegateCmd.Flags().StringP("session", "s", "", "Session of both agents")
	delegateCmd.Flags().String("from", "", "Delegating agent")
	delegateCmd.Flags().String("to", "", "Receiving agent")
	delegateCmd.Flags().StringP("user", "u", defaultUserID(), "User answering approvals")
	delegateCmd.Flags().BoolP("yes", "y", false, "Approve the hand-off without asking")
	_ = delegateCmd.MarkFlagRequired("session")
	_ = delegateCmd.MarkFlagRequired("from")
	_ = delegateCmd.MarkFlagRequired("to")

	abilitiesCmd.AddCommand(abilitiesLsCmd)
	abilitiesCmd.AddCommand(abilitiesRunCmd)
	rootCmd.AddCommand(abilitiesCmd)
	rootCmd.AddCommand(delegateCmd)
}
