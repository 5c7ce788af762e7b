package main

import (
	"os"

	"github.com/openrail/go-bidib/cmd/bidibd/commands"
)

func main() {
	if err := commands.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
