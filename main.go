// ./main.go
package main

import (
	"github.com/arkadily/chatgate/cmd"
)

// main is the entry point for the chatgate application.
func main() {
	// Execute the root command defined in the cmd package.
	// This handles all command-line parsing, configuration, and execution.
	cmd.Execute()
}
