package main

import (
	"fmt"
	"time"

	"github.com/th317erd/hero/cmd/hero/runtime"

	"github.com/th317erd/hero/internal/format"
	"github.com/th317erd/hero/internal/permission"

	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the permission audit log",
	Long:  `Displays permission decisions, approvals, violations and rule changes recorded for the workspace.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		sessionID, _ := cmd.Flags().GetString("session")
		subjectID, _ := cmd.Flags().GetString("subject")
		resource, _ := cmd.Flags().GetString("resource")
		action, _ := cmd.Flags().GetString("action")
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := &permission.AuditFilter{
			Kind:         permission.AuditKind(kind),
			SessionID:    sessionID,
			SubjectID:    subjectID,
			ResourceName: resource,
			Action:       action,
			Limit:        limit,
		}
		if since > 0 {
			filter.StartTime = time.Now().Add(-since)
		}

		return executeWithRuntime(cmd, func(r *runtime.RuntimeComponents) error {
			audit := r.Set.Governance.Audit()
			if audit == nil {
				return fmt.Errorf("audit log not initialized")
			}
			entries, err := audit.Query(r.Ctx, filter)
			if err != nil {
				return fmt.Errorf("failed to query audit logs: %w", err)
			}

			l := format.Listing{
				Empty:   "No audit entries found.",
				Headers: []string{"Time", "Kind", "Session", "Subject", "Resource", "Action", "Reason"},
				Value:   entries,
			}
			for _, e := range entries {
				l.Rows = append(l.Rows, []string{
					e.Timestamp.Format("2006-01-02 15:04:05"),
					string(e.Kind),
					e.SessionID,
					string(e.SubjectType) + ":" + e.SubjectID,
					string(e.ResourceType) + ":" + e.ResourceName,
					e.Action,
					e.Reason,
				})
			}
			return printListing(cmd, l)
		})
	},
}

func init() {
	auditCmd.Flags().String("kind", "", "Entry kind (decision, approval, violation, rule)")
	auditCmd.Flags().String("session", "", "Session ID")
	auditCmd.Flags().String("subject", "", "Subject ID")
	auditCmd.Flags().String("resource", "", "Resource name")
	auditCmd.Flags().String("action", "", "Action")
	auditCmd.Flags().Duration("since", 0, "Only entries newer than this, e.g. 1h")
	auditCmd.Flags().Int("limit", 50, "Newest N entries (0 for all)")
	addOutputFlag(auditCmd)
	rootCmd.AddCommand(auditCmd)
}
