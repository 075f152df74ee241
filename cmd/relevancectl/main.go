package main

import (
	"fmt"
	"os"

	"github.com/iammorganparry/clive/apps/relevance/cmd/relevancectl/commands"
)

var version = "dev"

func main() {
	if err := commands.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
