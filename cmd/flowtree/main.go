package main

// ============================================================================
// Flowtree entry point. All logic lives in internal/cli; main only wires
// the command tree and surfaces top-level failures.
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/flowtree/flowtree/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
