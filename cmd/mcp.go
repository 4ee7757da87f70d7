package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mwarren/bugtrack/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets MCP clients query and mutate the bug tracker natively.
Configure with:

  {
    "mcpServers": {
      "bugtrack": { "command": "bugtrack", "args": ["mcp"] }
    }
  }

Available tools: bug_list, bug_get, bug_create, bug_update_status,
bug_add_step, bug_reorder_steps`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}

		srv := mcp.NewServer(s)
		return srv.ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
