package main

import (
	"os"

	"github.com/opd-ai/securemedia/cmd/securemedia/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
