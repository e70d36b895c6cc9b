// Command feedlog publishes, ingests and replays signed append-only feeds.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/feedlog/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
