// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package health tracks per-component state and derives the system's
// overall condition from it.
//
// The overall state is always recomputed from the complete component map,
// never adjusted incrementally, so a missed transition cannot wedge the
// system in a stale tier. Startup is weighted above the other components:
// a failed startup alone forces emergency, because nothing downstream is
// trustworthy when boot itself broke.
package health

import (
	"time"

	"github.com/fablewood/resilience/services/recovery/events"
)

// State is a single component's condition.
type State string

// Component states. Healthy/degraded/failed describe checked components;
// active/ready/not_applicable describe lifecycle position for components
// that are workers or optional.
const (
	StateHealthy       State = "healthy"
	StateDegraded      State = "degraded"
	StateFailed        State = "failed"
	StateActive        State = "active"
	StateReady         State = "ready"
	StateNotApplicable State = "not_applicable"
)

// Overall is the system-wide condition derived from component states.
type Overall string

const (
	OverallHealthy   Overall = "healthy"
	OverallDegraded  Overall = "degraded"
	OverallCritical  Overall = "critical"
	OverallEmergency Overall = "emergency"
)

// Status is a point-in-time health snapshot.
type Status struct {
	// Overall is the derived system condition.
	Overall Overall `json:"overall"`

	// Components maps component keys (events.Component*) to their states.
	Components map[string]State `json:"components"`

	// LastCheck is when the map was last evaluated.
	LastCheck time.Time `json:"last_check"`

	// Uptime is how long the monitor has been alive.
	Uptime time.Duration `json:"uptime"`
}

// ComputeOverall derives the system condition from the component map.
//
// # Description
//
// Pure function over the full map: more than one failed component, or a
// failed startup, is emergency; any failed component or more than two
// degraded ones is critical; any degraded component is degraded;
// otherwise healthy. Active, ready, and not_applicable never count
// against the system.
func ComputeOverall(components map[string]State) Overall {
	failed, degraded := 0, 0
	for _, state := range components {
		switch state {
		case StateFailed:
			failed++
		case StateDegraded:
			degraded++
		}
	}

	if failed > 1 || components[events.ComponentStartup] == StateFailed {
		return OverallEmergency
	}
	if failed > 0 || degraded > 2 {
		return OverallCritical
	}
	if degraded > 0 {
		return OverallDegraded
	}
	return OverallHealthy
}

// stateRank orders component states by severity for the metrics gauge.
func stateRank(s State) int64 {
	switch s {
	case StateFailed:
		return 2
	case StateDegraded:
		return 1
	default:
		return 0
	}
}

// overallRank orders overall states by severity for the metrics gauge.
func overallRank(o Overall) int64 {
	switch o {
	case OverallEmergency:
		return 3
	case OverallCritical:
		return 2
	case OverallDegraded:
		return 1
	default:
		return 0
	}
}
