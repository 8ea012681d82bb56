// Command stm runs workloads against the software transactional memory
// engine and inspects recorded conflict profiles.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/wstm/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
