// File: cmd/tail.go
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/devscope-io/devscope/internal/logbook"
	"github.com/devscope-io/devscope/internal/observability"
	"github.com/devscope-io/devscope/internal/project"
)

var (
	tailFile string
	tailDir  string
)

// tailCmd follows an existing session's combined log from another terminal. It
// reads the log file directly, so it works against a session started elsewhere
// and keeps working across log rotation or session restarts.
var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow the combined log of a session for this project.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := tailFile
		if path == "" {
			dir := tailDir
			if dir == "" {
				var err error
				dir, err = os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to determine working directory: %w", err)
				}
			}
			var err error
			path, err = project.LogPath(dir)
			if err != nil {
				return err
			}
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("no session log at %s; has devscope run for this project?", path)
		}

		entries, err := logbook.Follow(cmd.Context(), path, observability.GetLogger())
		if err != nil {
			return err
		}
		for entry := range entries {
			fmt.Println(entry.Line())
		}
		return nil
	},
}

func init() {
	tailCmd.Flags().StringVar(&tailFile, "file", "", "log file to follow (default: derived from the project directory)")
	tailCmd.Flags().StringVar(&tailDir, "cwd", "", "project directory whose log to follow (default: current directory)")
	rootCmd.AddCommand(tailCmd)
}
