package main

import (
	"log/slog"

	"github.com/alexjbarnes/plumesign/internal/mcpserver"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve team and certificate tools over MCP on stdio",
	Long: `Sign in once and serve MCP tools on stdin and stdout. Stdin carries the
protocol, so the password has to come from APPLE_PASSWORD. A one-time code,
when asked for, is read from the controlling terminal.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()

		p, closeTTY := ttyPrompter()
		defer closeTTY()

		session, err := a.login(ctx, p, nil)
		if err != nil {
			return err
		}
		defer session.Close()

		server := mcp.NewServer(
			&mcp.Implementation{Name: "plumesign", Version: Version},
			nil,
		)
		mcpserver.RegisterTools(server, session, a.identity, a.team())

		a.logger.Info("serving MCP on stdio", slog.String("default_team", a.team()))

		return server.Run(ctx, &mcp.StdioTransport{})
	},
}

func init() {
	mcpCmd.Flags().StringVarP(&username, "username", "u", "", "Apple ID to sign in with")
	mcpCmd.Flags().StringVarP(&teamID, "team", "t", "", "Default team id for tools that take one")
	rootCmd.AddCommand(mcpCmd)
}
