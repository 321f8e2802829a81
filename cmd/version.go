// File: cmd/version.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the application version.
// This value is intended to be set at build time using ldflags.
// Example: go build -ldflags "-X github.com/devscope-io/devscope/cmd.Version=1.0.0"
var Version = "0.4.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the devscope version.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
