package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/th317erd/hero/cmd/hero/runtime"

	"github.com/th317erd/hero/internal/format"
	"github.com/th317erd/hero/internal/frame"
	"github.com/th317erd/hero/internal/orchestrator"
	"github.com/th317erd/hero/internal/permission"

	"github.com/spf13/cobra"
)

var framesCmd = &cobra.Command{
	Use:   "frames",
	Short: "Inspect a session's frame log",
}

var framesLsCmd = &cobra.Command{
	Use:     "ls [session]",
	Aliases: []string{"list"},
	Short:   "List frames",
	Long:    `Lists raw frames, or with --visible the frames a reader sees from the latest compaction on with their compiled payloads.`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		visible, _ := cmd.Flags().GetBool("visible")
		hidden, _ := cmd.Flags().GetBool("hidden")
		types, _ := cmd.Flags().GetStringSlice("type")
		author, _ := cmd.Flags().GetString("author")
		limit, _ := cmd.Flags().GetInt("limit")

		return executeWithRuntime(cmd, func(r *runtime.RuntimeComponents) error {
			var (
				frames []frame.Frame
				state  frame.State
				err    error
			)
			if visible {
				frames, state, err = r.Kernel.Sessions.Visible(r.Ctx, args[0], hidden)
			} else {
				filter := frame.Filter{AuthorType: frame.AuthorType(author), Limit: limit}
				for _, t := range types {
					filter.Types = append(filter.Types, frame.Type(strings.TrimSpace(t)))
				}
				frames, err = r.Kernel.Sessions.Frames(r.Ctx, args[0], filter)
			}
			if err != nil {
				return err
			}
			return printListing(cmd, frameListing(frames, state))
		})
	},
}

var framesCompileCmd = &cobra.Command{
	Use:   "compile [session]",
	Short: "Fold the complete log into the current payload per frame",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(r *runtime.RuntimeComponents) error {
			state, err := r.Kernel.Sessions.Compile(r.Ctx, args[0])
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(state))
			for id := range state {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			decoded := make(map[string]any, len(state))
			l := format.Listing{Empty: "Session has no frames.", Headers: []string{"Frame", "Payload"}, Value: decoded}
			for _, id := range ids {
				decoded[id] = decodePayload(state[id])
				l.Rows = append(l.Rows, []string{id, string(state[id])})
			}
			return printListing(cmd, l)
		})
	},
}

var framesCompactCmd = &cobra.Command{
	Use:   "compact [session] [summary]",
	Short: "Append a compact frame snapshotting the current state",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		summary := ""
		if len(args) == 2 {
			summary = args[1]
		}
		return executeWithRuntime(cmd, func(r *runtime.RuntimeComponents) error {
			f, err := r.Kernel.Sessions.Compact(r.Ctx, args[0], summary)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Compacted %s at frame %s\n", args[0], f.ID)
			return nil
		})
	},
}

var sayCmd = &cobra.Command{
	Use:   "say [session] [text...]",
	Short: "Submit one message or slash command to a session",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		agentID, _ := cmd.Flags().GetString("agent")
		key, _ := cmd.Flags().GetString("key")

		subject := permission.Subject{Type: permission.SubjectUser, ID: userID}
		if agentID != "" {
			subject = permission.Subject{Type: permission.SubjectAgent, ID: agentID}
		}

		return executeWithRuntime(cmd, func(r *runtime.RuntimeComponents) error {
			reply, err := r.Kernel.Submit(r.Ctx, orchestrator.Input{
				SessionID:      args[0],
				Subject:        subject,
				Content:        strings.Join(args[1:], " "),
				IdempotencyKey: key,
			})
			if reply.Output != "" {
				fmt.Fprintln(cmd.OutOrStdout(), reply.Output)
			}
			if err != nil {
				return err
			}
			if reply.Frame != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s\n", reply.Frame.ID)
			}
			return nil
		})
	},
}

type frameView struct {
	ID         string    `json:"id" yaml:"id"`
	Timestamp  time.Time `json:"ts" yaml:"ts"`
	Type       string    `json:"type" yaml:"type"`
	AuthorType string    `json:"author_type" yaml:"author_type"`
	AuthorID   string    `json:"author_id,omitempty" yaml:"author_id,omitempty"`
	ParentID   string    `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	TargetIDs  []string  `json:"target_ids,omitempty" yaml:"target_ids,omitempty"`
	Payload    any       `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// decodePayload turns raw JSON into plain values so YAML output stays readable.
func decodePayload(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func frameListing(frames []frame.Frame, state frame.State) format.Listing {
	views := make([]frameView, 0, len(frames))
	l := format.Listing{
		Empty:   "No frames found.",
		Headers: []string{"ID", "Time", "Type", "Author", "Parent", "Payload"},
	}
	for _, f := range frames {
		raw := f.Payload
		if compiled, ok := state[f.ID]; ok {
			raw = compiled
		}
		payload := string(raw)
		views = append(views, frameView{
			ID:         f.ID,
			Timestamp:  f.Timestamp,
			Type:       string(f.Type),
			AuthorType: string(f.AuthorType),
			AuthorID:   f.AuthorID,
			ParentID:   f.ParentID,
			TargetIDs:  f.TargetIDs,
			Payload:    decodePayload(raw),
		})
		l.Rows = append(l.Rows, []string{
			f.ID,
			f.Timestamp.Format("15:04:05.000"),
			string(f.Type),
			string(f.AuthorType) + ":" + f.AuthorID,
			f.ParentID,
			payload,
		})
	}
	l.Value = views
	return l
}

func init() {
	framesLsCmd.Flags().Bool("visible", false, "Show reader-visible frames with compiled payloads")
	framesLsCmd.Flags().Bool("hidden", false, "Include hidden frames with --visible")
	framesLsCmd.Flags().StringSlice("type", nil, "Frame types to keep (message, request, result, update, compact)")
	framesLsCmd.Flags().String("author", "", "Author type to keep (user, agent, system)")
	framesLsCmd.Flags().Int("limit", 0, "Keep only the last N frames")
	addOutputFlag(framesLsCmd)
	addOutputFlag(framesCompileCmd)

	sayCmd.Flags().StringP("user", "u", defaultUserID(), "User ID to submit as")
	sayCmd.Flags().String("agent", "", "Submit as this agent instead of a user")
	sayCmd.Flags().String("key", "", "Idempotency key")

	framesCmd.AddCommand(framesLsCmd)
	framesCmd.AddCommand(framesCompileCmd)
	framesCmd.AddCommand(framesCompactCmd)
	rootCmd.AddCommand(framesCmd)
	rootCmd.AddCommand(sayCmd)
}
