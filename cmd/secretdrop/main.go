package main

import (
	"os"

	"github.com/opd-ai/secretdrop/cmd/secretdrop/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
