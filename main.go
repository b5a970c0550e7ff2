// The main package for the crawl-coordinator executable.
package main

import (
	"github.com/JakeFAU/crawl-coordinator/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
