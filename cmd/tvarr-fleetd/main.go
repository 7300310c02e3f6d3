// Package main is the entry point for the tvarr-fleetd master process.
package main

import (
	"os"

	"github.com/jmylchreest/tvarr-fleet/cmd/tvarr-fleetd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
