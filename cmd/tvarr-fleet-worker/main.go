// Package main is the entry point for the tvarr-fleet-worker process.
package main

import (
	"os"

	"github.com/jmylchreest/tvarr-fleet/cmd/tvarr-fleet-worker/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
