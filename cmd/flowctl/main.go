package main

import (
	"fmt"
	"os"

	"callrouting-platform/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "flowctl:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
