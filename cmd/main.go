package main

// Entry point: runs the cobra command tree

import (
	"fmt"
	"os"

	"ton-club-bot/cmd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
