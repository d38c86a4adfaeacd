package main

import (
	"fmt"
	"os"

	"github.com/lsgunth/failinj/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "failinj:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
