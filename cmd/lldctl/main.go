// Command lldctl validates and evaluates discovery rule documents offline.
package main

import (
	"fmt"
	"os"

	"github.com/matt-riley/lldrules/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lldctl:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
