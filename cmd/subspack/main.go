package main

import (
	"os"

	"github.com/barysiuk/subspack/cmd/subspack/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		cmd.PrintError(os.Stderr, err)
		os.Exit(1)
	}
}
