// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// versionCmd prints build metadata. The values come from -ldflags at
// release build time; a source build prints the dev placeholders.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the resilience build version",
	Run:   runVersionCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	rootCmd.AddCommand(versionCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runVersionCommand(cmd *cobra.Command, args []string) {
	fmt.Printf("resilience %s\n", version)
	fmt.Printf("  commit: %s\n", commit)
	fmt.Printf("  built:  %s\n", date)
	fmt.Printf("  go:     %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
