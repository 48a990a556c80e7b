// Command weave is the entry point for the weave sync and search service.
// The root command runs the combined API server and worker pool; `weave
// worker` runs ingestion alone. See the cli package for the full wiring.
package main

import (
	"os"

	"weave.evalgo.org/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
