// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package events provides the typed pub/sub bus the recovery system
// coordinates through.
//
// Components never call each other for cross-cutting reactions (health
// changes, escalations, emergency activation); they publish events and the
// system wires subscribers. The bus keeps a bounded replay buffer so late
// subscribers, the debug websocket feed, and emergency diagnostics can see
// recent traffic.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package events

import "time"

// Type identifies the kind of event.
type Type string

const (
	// TypeComponentHealthChanged is published when a component's health
	// state changes.
	TypeComponentHealthChanged Type = "component-health-changed"

	// TypeStartupErrorEscalated is published when repeated critical startup
	// failures cross the escalation threshold.
	TypeStartupErrorEscalated Type = "startup-error-escalated"

	// TypeSystemRecoveryRequested asks the system to recover specific
	// components.
	TypeSystemRecoveryRequested Type = "request-system-recovery"

	// TypeEmergencyRecovery is published when emergency recovery is
	// activated: state is being snapshotted and reset.
	TypeEmergencyRecovery Type = "activate-emergency-recovery"

	// TypeEmergencyMode is published when the app must drop to the minimal
	// emergency UI.
	TypeEmergencyMode Type = "activate-emergency-mode"

	// TypeHealthRecoveryTriggered is published when overall health degraded
	// far enough that the monitor requested recovery on its own.
	TypeHealthRecoveryTriggered Type = "health-recovery-triggered"
)

// Component keys shared by health reports, ComponentHealthChange events,
// and recovery requests.
const (
	ComponentStartup        = "startup"
	ComponentContainer      = "container"
	ComponentSyncWorker     = "sync_worker"
	ComponentAuthentication = "authentication"
	ComponentRecovery       = "recovery"
)

// Event is a single bus message.
//
// Description:
//
//	Each event type has a matching typed payload struct below; the Data
//	field holds one of them. Events are treated as immutable after
//	publication.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id"`

	// Type identifies the kind of event.
	Type Type `json:"type"`

	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`

	// Data is the typed payload: ComponentHealthChange, StartupErrorEscalation,
	// SystemRecoveryRequest, EmergencyRecovery, EmergencyMode, or
	// HealthRecoveryTrigger.
	Data any `json:"data,omitempty"`
}

// ComponentHealthChange is the payload for TypeComponentHealthChanged.
type ComponentHealthChange struct {
	// Component is the component key (startup, container, sync_worker,
	// authentication, recovery).
	Component string `json:"component"`

	// From is the previous health state.
	From string `json:"from"`

	// To is the new health state.
	To string `json:"to"`

	// Reason explains the change when known.
	Reason string `json:"reason,omitempty"`
}

// StartupErrorEscalation is the payload for TypeStartupErrorEscalated.
type StartupErrorEscalation struct {
	// FailureType is the classified failure category.
	FailureType string `json:"failure_type"`

	// Message is the latest failure message.
	Message string `json:"message"`

	// Occurrences is how many critical failures were seen in the window.
	Occurrences int `json:"occurrences"`
}

// SystemRecoveryRequest is the payload for TypeSystemRecoveryRequested.
type SystemRecoveryRequest struct {
	// Components lists the component keys to recover. Empty means all.
	Components []string `json:"components,omitempty"`

	// Reason explains what prompted the request.
	Reason string `json:"reason"`
}

// EmergencyRecovery is the payload for TypeEmergencyRecovery.
type EmergencyRecovery struct {
	// Reason explains what triggered emergency recovery.
	Reason string `json:"reason"`

	// ReportID is the emergency diagnostics report captured before reset,
	// empty if capture failed.
	ReportID string `json:"report_id,omitempty"`
}

// EmergencyMode is the payload for TypeEmergencyMode.
type EmergencyMode struct {
	// Reason explains why the app dropped to the emergency UI.
	Reason string `json:"reason"`
}

// HealthRecoveryTrigger is the payload for TypeHealthRecoveryTriggered.
type HealthRecoveryTrigger struct {
	// Overall is the overall health state that tripped the trigger.
	Overall string `json:"overall"`

	// Failed lists the components currently failed.
	Failed []string `json:"failed,omitempty"`

	// Reason explains the trigger.
	Reason string `json:"reason"`
}
