// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/fablewood/resilience/pkg/ux"
)

// Populated via -ldflags at release build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "resilience",
	Short: "A CLI to run and inspect the Fablewood resilience daemon",
	Long: `Resilience keeps the Fablewood story app usable when startup goes wrong:
it detects the runtime environment, recovers authentication sessions,
degrades to offline and guest modes, monitors component health, and
collects emergency diagnostics.

The daemon serves a local debug surface (health, diagnostics, log export,
error intake, live event stream, /metrics) that the app shell and
operators query.`,
}

var machineOutput bool

func main() {
	// Execute the root command. Cobra handles parsing the arguments.
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	rootCmd.PersistentFlags().BoolVarP(&machineOutput, "quiet", "q", false,
		"Plain machine-readable output, no styling")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		ux.InitPersonality()
		if machineOutput {
			ux.SetPersonalityLevel(ux.PersonalityMachine)
		}
	}
}
