package main

import (
	"os"

	"github.com/cybershield/messenger/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
