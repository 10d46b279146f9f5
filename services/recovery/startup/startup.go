// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package startup is the boundary to the app's core startup orchestrator.
//
// The recovery system does not own application startup; it supervises it.
// The orchestrator that actually boots the app (loads content, warms
// caches, registers the service worker) sits behind the Delegate
// interface, and the system integrator consumes its report verbatim when
// deriving the overall mode. NoopDelegate stands in when no orchestrator
// is wired, so the recovery system runs standalone.
package startup

import (
	"context"
	"time"
)

// Modes a delegate can report. The integrator maps them into the system
// mode, so these are the delegate's vocabulary, not the auth tiers.
const (
	ModeFull     = "full"
	ModeLimited  = "limited"
	ModeOffline  = "offline"
	ModeRecovery = "recovery"
)

// Result is the delegate's startup report.
type Result struct {
	// Success is true when startup completed well enough to run.
	Success bool `json:"success"`

	// Mode is the tier the delegate reached: full, limited, offline, or
	// recovery.
	Mode string `json:"mode"`

	// Errors lists what went wrong, empty on a clean start.
	Errors []string `json:"errors,omitempty"`

	// Timing is how long startup took.
	Timing time.Duration `json:"timing"`

	// CompletedPhases lists the startup phases that finished.
	CompletedPhases []string `json:"completed_phases,omitempty"`

	// FailedPhases lists the startup phases that did not.
	FailedPhases []string `json:"failed_phases,omitempty"`
}

// Delegate is the startup orchestrator boundary.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Delegate interface {
	// Initialize runs core startup and reports the outcome. An error means
	// the delegate itself broke, not that startup degraded; degraded
	// startups come back as a Result with Success false or a reduced Mode.
	Initialize(ctx context.Context) (*Result, error)

	// HealthStatus returns the delegate's own overall health word
	// (healthy, degraded, critical, ...).
	HealthStatus(ctx context.Context) (string, error)
}

// NoopDelegate reports immediate full success. It is the default when no
// orchestrator is wired in.
type NoopDelegate struct{}

// Initialize reports a clean full-mode startup.
func (NoopDelegate) Initialize(ctx context.Context) (*Result, error) {
	return &Result{
		Success:         true,
		Mode:            ModeFull,
		CompletedPhases: []string{"noop"},
	}, nil
}

// HealthStatus reports healthy.
func (NoopDelegate) HealthStatus(ctx context.Context) (string, error) {
	return "healthy", nil
}
