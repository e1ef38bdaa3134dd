package main

import (
	"os"

	"github.com/halim/nia/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
