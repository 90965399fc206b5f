package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matiasleandrokruk/toolforge/internal/mcp"
)

func newMCPCmd(opts *options) *cobra.Command {
	var as string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agent integration",
		Long: `Starts a Model Context Protocol server on stdio exposing read-only record
tools. Every call runs as the user given by --as, with that user's permissions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Stdout carries the protocol; everything else goes to stderr.
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			actor, err := actorByEmail(cmd.Context(), a, as)
			if err != nil {
				return err
			}
			actor.UserAgent = "toolforge-mcp"

			fmt.Fprintf(cmd.ErrOrStderr(), "toolforge MCP server started on stdio (as %s, role %s)\n", actor.Email, actor.Role)
			return mcp.NewServer(a.Records, actor).Serve()
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "email of the user the agent acts as (required)")
	return cmd
}
