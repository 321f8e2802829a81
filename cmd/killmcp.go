// File: cmd/killmcp.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/devscope-io/devscope/internal/mcp"
)

var killMCPPort int

// killMCPCmd asks the devscope session holding the MCP port to shut down.
// Useful when a previous run's port is still claimed, or to stop a session
// from another terminal.
var killMCPCmd = &cobra.Command{
	Use:   "kill-mcp",
	Short: "Ask the running devscope session to shut down and free its MCP port.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if err := mcp.KillRunning(ctx, killMCPPort); err != nil {
			return err
		}
		fmt.Printf("Shutdown requested on MCP port %d.\n", killMCPPort)
		return nil
	},
}

func init() {
	killMCPCmd.Flags().IntVar(&killMCPPort, "mcp-port", 4100, "MCP port of the session to stop")
	rootCmd.AddCommand(killMCPCmd)
}
