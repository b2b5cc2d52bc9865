// Command swarmsim runs and serves the swarm position sync protocol.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}
