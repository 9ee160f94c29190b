// Command graphenginectl runs and inspects the versioned graph
// mutation engine's worker.
package main

import (
	"fmt"
	"os"

	"github.com/thecodizt/graphmutate/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
