package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"

	"fluxpredict/cmd"
)

const version = "0.1.0"

func main() {
	root := cmd.NewRootCmd()
	// Signals are handled by the shutdown manager of each command.
	if err := fang.Execute(context.Background(), root, fang.WithVersion(version)); err != nil {
		os.Exit(cmd.ExitCode(err))
	}
}
