// The main package for the fetch-engine executable.
package main

import (
	"github.com/shelfwatch/fetch-engine/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
