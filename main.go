// ./main.go
package main

import (
	"github.com/devscope-io/devscope/cmd"
)

// main is the entry point for the devscope CLI.
func main() {
	// Execute the root command defined in the cmd package.
	// This handles all command-line parsing, configuration, and execution.
	cmd.Execute()
}
