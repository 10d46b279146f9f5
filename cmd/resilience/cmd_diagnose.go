// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fablewood/resilience/pkg/logging"
	"github.com/fablewood/resilience/pkg/ux"
	"github.com/fablewood/resilience/services/recovery/diagnostics"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	diagnoseConfigPath string // explicit config file, empty uses the singleton
	diagnoseFormat     string // text or json
	diagnoseOutput     string // file path, empty prints to stdout
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// diagnoseCmd collects a one-shot report without a running daemon.
//
// # Description
//
// Builds the recovery core with in-memory stores (so it never contends
// with a running daemon's databases), runs a full initialization pass,
// and renders the diagnostic report: environment detection, host info,
// component health, error history, troubleshooting hints.
//
// # Examples
//
//	resilience diagnose                          # styled text to stdout
//	resilience diagnose --format json            # raw JSON
//	resilience diagnose -f json -o report.json   # JSON to a file
var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Collect a one-shot diagnostic report from this machine",
	Long: `Collects a diagnostic report without needing a running daemon.

The report covers environment detection (wrapped container vs plain
web), host system info, component health after a fresh initialization
pass, the failure history, matched troubleshooting rules, and
recommendations.

Stores run in memory for the duration, so a daemon using the on-disk
databases is never disturbed.

Examples:
  resilience diagnose                          # styled text to stdout
  resilience diagnose --format json            # raw JSON
  resilience diagnose -f json -o report.json   # JSON to a file`,
	Run: runDiagnoseCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	rootCmd.AddCommand(diagnoseCmd)
	diagnoseCmd.Flags().StringVar(&diagnoseConfigPath, "config", "",
		"Config file path (default ~/.fablewood/resilience.yaml)")
	diagnoseCmd.Flags().StringVarP(&diagnoseFormat, "format", "f", "text",
		"Report format: text or json")
	diagnoseCmd.Flags().StringVarP(&diagnoseOutput, "output", "o", "",
		"Write the report to a file instead of stdout")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runDiagnoseCommand(cmd *cobra.Command, args []string) {
	if diagnoseFormat != "text" && diagnoseFormat != "json" {
		log.Fatalf("Unknown format %q: want text or json", diagnoseFormat)
	}

	loaded, _, err := loadDaemonConfig(diagnoseConfigPath)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	// One-shot run: in-memory stores keep a running daemon's databases
	// untouched, and no snapshot directory gets created.
	cfg := *loaded
	cfg.Stores.InMemory = true
	cfg.Recovery.DiagnosticsDir = ""

	logger := logging.New(logging.Config{
		Level:   logging.LevelWarn,
		Service: cfg.Service.Name,
		Quiet:   true,
	})
	defer logger.Close()

	sys, cleanup, err := buildSystem(&cfg, logger)
	if err != nil {
		log.Fatalf("Error building the system: %v", err)
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	defer sys.Shutdown(context.Background())

	spin := ux.NewProgressSpinner("Collecting diagnostics", 2)
	spin.Start()

	res := sys.InitializeSystem(ctx)
	spin.Increment()
	report := sys.Diagnostics().GenerateReport(ctx)
	spin.Increment()
	spin.StopWithSuccess("Diagnostics collected")

	if !res.Success {
		ux.Warning(fmt.Sprintf("Initialization degraded to %s mode; the report reflects it", res.Mode))
	}

	var out []byte
	if diagnoseFormat == "json" {
		out, err = diagnostics.FormatJSON(report)
		if err != nil {
			log.Fatalf("Error encoding the report: %v", err)
		}
	} else {
		out = []byte(diagnostics.FormatText(report))
	}

	if diagnoseOutput != "" {
		if err := os.WriteFile(diagnoseOutput, out, 0644); err != nil {
			log.Fatalf("Error writing the report: %v", err)
		}
		ux.Success(fmt.Sprintf("Report %s written to %s", report.Metadata.ID, diagnoseOutput))
		return
	}
	fmt.Println(string(out))
}
