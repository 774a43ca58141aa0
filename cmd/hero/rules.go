package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/th317erd/hero/cmd/hero/runtime"

	"github.com/th317erd/hero/internal/format"
	"github.com/th317erd/hero/internal/permission"

	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:     "rules",
	Aliases: []string{"policy"},
	Short:   "Manage permission rules",
	Long:    `List, add, remove and test the permission rules of the workspace.`,
}

var rulesLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		subjectType, _ := cmd.Flags().GetString("subject-type")
		resourceType, _ := cmd.Flags().GetString("resource-type")

		return executeWithRuntime(cmd, func(r *runtime.RuntimeComponents) error {
			rules, err := r.Engine.ListRules(r.Ctx, permission.Query{
				SessionID:     sessionID,
				IncludeGlobal: sessionID != "",
				SubjectType:   permission.SubjectType(subjectType),
				ResourceType:  permission.ResourceType(resourceType),
			})
			if err != nil {
				return err
			}
			return printListing(cmd, ruleListing(rules))
		})
	},
}

var rulesAddCmd = &cobra.Command{
	Use:   "add [subject] [resource] [action]",
	Short: "Add a rule",
	Long: `Adds a rule. Subject and resource are written type:name, for example

  hero rules add agent:* ability:exec_command prompt
  hero rules add user:alice command:close deny --scope session --session s1

A bare type or "*" matches any name.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		subjectType, subjectID := splitPair(args[0])
		resourceType, resourceName := splitPair(args[1])
		scope, _ := cmd.Flags().GetString("scope")
		sessionID, _ := cmd.Flags().GetString("session")
		priority, _ := cmd.Flags().GetInt("priority")
		owner, _ := cmd.Flags().GetString("owner")

		rule := permission.Rule{
			OwnerID:      owner,
			SessionID:    sessionID,
			SubjectType:  permission.SubjectType(subjectType),
			SubjectID:    subjectID,
			ResourceType: permission.ResourceType(resourceType),
			ResourceName: resourceName,
			Action:       permission.Action(strings.ToLower(args[2])),
			Scope:        permission.Scope(strings.ToLower(scope)),
			Priority:     priority,
		}

		return executeWithRuntime(cmd, func(r *runtime.RuntimeComponents) error {
			created, err := r.Engine.CreateRule(r.Ctx, rule)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Rule %s added: %s %s -> %s (%s)\n",
				created.ID, args[0], args[1], created.Action, created.Scope)
			return nil
		})
	},
}

var rulesRmCmd = &cobra.Command{
	Use:     "rm [id]",
	Aliases: []string{"remove", "delete"},
	Short:   "Remove a rule",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(r *runtime.RuntimeComponents) error {
			if err := r.Engine.DeleteRule(r.Ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Rule %s removed\n", args[0])
			return nil
		})
	},
}

var rulesResolveCmd = &cobra.Command{
	Use:   "resolve [subject] [resource]",
	Short: "Show which rule decides a request",
	Long: `Resolves a request the way the runtime does. A winning once rule is
consumed, exactly as a real request would consume it.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		subjectType, subjectID := splitPair(args[0])
		resourceType, resourceName := splitPair(args[1])
		sessionID, _ := cmd.Flags().GetString("session")

		return executeWithRuntime(cmd, func(r *runtime.RuntimeComponents) error {
			d, err := r.Engine.Resolve(r.Ctx, permission.Request{
				Subject:      permission.Subject{Type: permission.SubjectType(subjectType), ID: subjectID},
				ResourceType: permission.ResourceType(resourceType),
				ResourceName: resourceName,
				SessionID:    sessionID,
			})
			if err != nil {
				return err
			}
			if d.Rule == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (no matching rule)\n", d.Action)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (rule %s, %s, priority %d)\n", d.Action, d.Rule.ID, d.Rule.Scope, d.Rule.Priority)
			return nil
		})
	},
}

// splitPair parses "type:name". A missing name is the wildcard.
func splitPair(s string) (string, string) {
	kind, name, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || name == "" {
		name = permission.Wildcard
	}
	return strings.ToLower(kind), name
}

func ruleListing(rules []permission.Rule) format.Listing {
	l := format.Listing{
		Empty:   "No rules defined.",
		Headers: []string{"ID", "Subject", "Resource", "Action", "Scope", "Session", "Priority"},
		Value:   rules,
	}
	for _, r := range rules {
		l.Rows = append(l.Rows, []string{
			r.ID,
			string(r.SubjectType) + ":" + orWildcard(r.SubjectID),
			string(r.ResourceType) + ":" + orWildcard(r.ResourceName),
			string(r.Action),
			string(r.Scope),
			r.SessionID,
			strconv.Itoa(r.Priority),
		})
	}
	return l
}

func orWildcard(s string) string {
	if s == "" {
		return permission.Wildcard
	}
	return s
}

func init() {
	rulesLsCmd.Flags().String("session", "", "Only rules of this session, plus global rules")
	rulesLsCmd.Flags().String("subject-type", "", "Filter by subject type (user, agent, plugin, *)")
	rulesLsCmd.Flags().String("resource-type", "", "Filter by resource type (command, tool, ability, *)")
	rulesLsCmd.Flags().Bool("yaml", false, "Print rules as YAML")
	addOutputFlag(rulesLsCmd)

	rulesAddCmd.Flags().String("scope", string(permission.ScopePermanent), "Rule scope (once, session, permanent)")
	rulesAddCmd.Flags().String("session", "", "Session the rule belongs to")
	rulesAddCmd.Flags().Int("priority", 0, "Rule priority; higher wins")
	rulesAddCmd.Flags().String("owner", defaultUserID(), "Owning user ID")

	rulesResolveCmd.Flags().String("session", "", "Session of the request")

	rulesCmd.AddCommand(rulesLsCmd)
	rulesCmd.AddCommand(rulesAddCmd)
	rulesCmd.AddCommand(rulesRmCmd)
	rulesCmd.AddCommand(rulesResolveCmd)
	rootCmd.AddCommand(rulesCmd)
}
