// Package main is the entry point for the clawcore CLI.
package main

import (
	"os"

	"github.com/KafClaw/clawcore/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
