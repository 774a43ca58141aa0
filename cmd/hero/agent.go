package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/th317erd/hero/cmd/hero/runtime"

	"github.com/th317erd/hero/internal/format"
	"github.com/th317erd/hero/internal/session"

	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agents",
	Long:  `Register agents and list them. Agent credentials are sealed to the workspace identity.`,
}

var agentRegisterCmd = &cobra.Command{
	Use:   "register [id]",
	Short: "Register an agent",
	Long:  `Registers an agent. The credential is read from --credential-file, or from stdin when the file is "-".`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		owner, _ := cmd.Flags().GetString("owner")
		credFile, _ := cmd.Flags().GetString("credential-file")
		recipients, _ := cmd.Flags().GetStringSlice("recipient")

		var secret []byte
		if credFile != "" {
			var err error
			secret, err = readCredential(cmd, credFile)
			if err != nil {
				return err
			}
		}
		if name == "" {
			name = args[0]
		}

		return executeWithRuntime(cmd, func(r *runtime.RuntimeComponents) error {
			meta, err := r.Kernel.RegisterAgent(r.Ctx, session.AgentParams{
				ID:         args[0],
				Name:       name,
				OwnerID:    owner,
				Credential: secret,
				Recipients: recipients,
			})
			if err != nil {
				return err
			}
			sealed := "no credential"
			if meta.SealedCredential != "" {
				sealed = "credential sealed"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Agent '%s' registered (%s)\n", meta.ID, sealed)
			return nil
		})
	},
}

var agentLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(r *runtime.RuntimeComponents) error {
			agents, err := r.Kernel.Sessions.Agents(r.Ctx)
			if err != nil {
				return err
			}
			l := format.Listing{
				Empty:   "No agents registered.",
				Headers: []string{"ID", "Name", "Owner", "Credential", "Created"},
				Value:   agents,
			}
			for _, a := range agents {
				cred := "-"
				if a.SealedCredential != "" {
					cred = "sealed"
				}
				l.Rows = append(l.Rows, []string{a.ID, a.Name, a.OwnerID, cred, a.CreatedAt.Format("2006-01-02 15:04:05")})
			}
			return printListing(cmd, l)
		})
	},
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Print the workspace age recipient",
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(r *runtime.RuntimeComponents) error {
			fmt.Fprintln(cmd.OutOrStdout(), r.Kernel.Identity().Recipient())
			return nil
		})
	},
}

func readCredential(cmd *cobra.Command, path string) ([]byte, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}
	return []byte(strings.TrimSpace(string(data))), nil
}

func init() {
	agentRegisterCmd.Flags().String("name", "", "Display name (default: the agent ID)")
	agentRegisterCmd.Flags().String("owner", defaultUserID(), "Owning user ID")
	agentRegisterCmd.Flags().String("credential-file", "", "File holding the agent credential ('-' for stdin)")
	agentRegisterCmd.Flags().StringSlice("recipient", nil, "Age recipients to seal to (default: the workspace identity)")
	addOutputFlag(agentLsCmd)

	agentCmd.AddCommand(agentRegisterCmd)
	agentCmd.AddCommand(agentLsCmd)
	agentCmd.AddCommand(identityCmd)
	rootCmd.AddCommand(agentCmd)
}
