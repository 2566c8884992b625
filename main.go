// The main package for the bulletind executable.
package main

import (
	"github.com/JakeFAU/portal-bulletin-watcher/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
