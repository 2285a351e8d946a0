// Command recsync synchronizes records between a local store and remote systems.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/recsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
