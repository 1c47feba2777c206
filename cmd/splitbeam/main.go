package main

import (
	"os"

	"github.com/splitbeam/splitbeam/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
