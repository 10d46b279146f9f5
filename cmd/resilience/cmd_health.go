// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/fablewood/resilience/pkg/ux"
	"github.com/fablewood/resilience/services/recovery"
	"github.com/fablewood/resilience/services/recovery/health"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	healthAddr       string // daemon debug address
	healthJSONOutput bool   // raw JSON for scripting
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// healthCmd queries a running daemon for its component health snapshot.
//
// # Description
//
// Fetches the last health status from the daemon's debug surface and
// renders it as a component table with a summary line. Exits non-zero
// when the daemon is unreachable or reports anything but healthy, so
// the command works as a scriptable liveness probe.
//
// # Examples
//
//	resilience health                    # styled component table
//	resilience health --json             # raw snapshot for scripting
//	resilience health --addr 0.0.0.0:9900
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show component health from a running daemon",
	Long: `Queries a running daemon for its latest health snapshot.

The snapshot covers every monitored component (authentication, network,
storage, sync worker, startup) plus the overall verdict and the
operating mode the daemon last settled on.

The exit code is 0 only when the daemon is reachable and reports
healthy, so the command doubles as a liveness probe.

Examples:
  resilience health                    # styled component table
  resilience health --json             # raw snapshot for scripting
  resilience health --addr 0.0.0.0:9900`,
	Run: runHealthCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().StringVar(&healthAddr, "addr", "127.0.0.1:8787",
		"Daemon debug address (host:port)")
	healthCmd.Flags().BoolVar(&healthJSONOutput, "json", false,
		"Output the raw JSON snapshot for scripting")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runHealthCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s/v1/recovery/health", healthAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		ux.Error(fmt.Sprintf("Bad address %q: %v", healthAddr, err))
		os.Exit(1)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		ux.Error(fmt.Sprintf("Cannot reach the daemon at %s: %v", healthAddr, err))
		ux.Tip("Start it with: resilience run")
		os.Exit(1)
	}
	defer resp.Body.Close()

	var hr recovery.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		ux.Error(fmt.Sprintf("Unexpected response from %s: %v", url, err))
		os.Exit(1)
	}

	if healthJSONOutput {
		out, err := json.MarshalIndent(hr, "", "  ")
		if err != nil {
			ux.Error(fmt.Sprintf("Encoding the snapshot failed: %v", err))
			os.Exit(1)
		}
		fmt.Println(string(out))
	} else {
		renderHealth(hr)
	}

	if hr.Overall != string(health.OverallHealthy) {
		os.Exit(1)
	}
}

// renderHealth prints the styled component table and summary counts.
func renderHealth(hr recovery.HealthResponse) {
	ux.Title("Resilience Health")
	ux.KeyValue("Overall", hr.Overall)
	ux.KeyValue("Mode", hr.Mode)
	ux.KeyValue("Uptime", hr.Uptime)
	if !hr.LastCheck.IsZero() {
		ux.KeyValue("Last check", hr.LastCheck.Format(time.RFC3339))
	}
	fmt.Println()

	names := make([]string, 0, len(hr.Components))
	for name := range hr.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	var healthyN, degradedN, failedN int
	for _, name := range names {
		state := hr.Components[name]
		ux.StatusLine(name, state)
		switch state {
		case string(health.StateHealthy), string(health.StateActive), string(health.StateReady):
			healthyN++
		case string(health.StateDegraded):
			degradedN++
		case string(health.StateFailed):
			failedN++
		}
	}
	ux.HealthSummary(healthyN, degradedN, failedN)
}
