// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package diagnostics assembles the emergency self-diagnosis report: one
// document with everything a support engineer needs when a child's device
// is misbehaving and nobody can attach a debugger to it.
//
// Reports are gathered concurrently and tolerate partially broken
// systems; a section that cannot be collected is zero-valued rather than
// failing the report, because the report matters most exactly when
// things are broken.
package diagnostics

import (
	"time"

	"github.com/fablewood/resilience/services/recovery/classify"
	"github.com/fablewood/resilience/services/recovery/envdetect"
	"github.com/fablewood/resilience/services/recovery/health"
	"github.com/fablewood/resilience/services/recovery/sysinfo"
)

// Metadata identifies one report.
type Metadata struct {
	// ID is a fresh UUID per report.
	ID string `json:"id"`

	// GeneratedAt is when the report was assembled.
	GeneratedAt time.Time `json:"generated_at"`

	// SessionDuration is how long the app session had been running.
	SessionDuration time.Duration `json:"session_duration"`
}

// Troubleshooting is the rule-based reading of the gathered data.
type Troubleshooting struct {
	// LikelyIssues are conditions that explain degraded behavior.
	LikelyIssues []string `json:"likely_issues,omitempty"`

	// CriticalFindings are conditions needing immediate attention.
	CriticalFindings []string `json:"critical_findings,omitempty"`

	// EnvironmentWarnings are anomalies in how the app is hosted.
	EnvironmentWarnings []string `json:"environment_warnings,omitempty"`
}

// PanicInfo is the black-box record of a captured panic.
type PanicInfo struct {
	// Component is where the panic was captured.
	Component string `json:"component"`

	// Value is the panic value, stringified.
	Value string `json:"value"`

	// Stack is the goroutine stack at recovery time.
	Stack string `json:"stack"`
}

// Report is the complete diagnostic document.
type Report struct {
	Metadata        Metadata         `json:"metadata"`
	Environment     envdetect.Info   `json:"environment"`
	System          sysinfo.Snapshot `json:"system"`
	Health          health.Status    `json:"health"`
	Errors          classify.Summary `json:"errors"`
	Troubleshooting Troubleshooting  `json:"troubleshooting"`
	Recommendations []string         `json:"recommendations,omitempty"`

	// Panic is set only on reports generated by the panic handler.
	Panic *PanicInfo `json:"panic,omitempty"`
}
