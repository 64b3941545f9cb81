package main

import (
	"os"

	"github.com/austindbirch/guildhook/cmd/guildhookctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
