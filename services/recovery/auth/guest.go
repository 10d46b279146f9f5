// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package auth

import (
	"time"

	"github.com/google/uuid"
)

// GuestMaxUsage bounds a single guest session. After this the app prompts
// for sign-in again rather than extending the anonymous session.
const GuestMaxUsage = 24 * time.Hour

// GuestConfig is the capability policy applied to every guest session.
//
// The policy is fixed: guest mode is the floor the app degrades to when
// nothing else works, so its shape must be predictable for the UI layer.
// Two guest sessions always get identical configs; only the session ID and
// start time differ.
type GuestConfig struct {
	// EnabledFeatures lists what guest mode can do.
	EnabledFeatures []string `json:"enabled_features"`

	// Limitations lists what guest mode cannot do, for user-facing copy.
	Limitations []string `json:"limitations"`

	// MaxUsageDuration bounds the session (GuestMaxUsage).
	MaxUsageDuration time.Duration `json:"max_usage_duration"`

	// DataRetention is false: guest data is discarded, never synced.
	DataRetention bool `json:"data_retention"`
}

// DefaultGuestConfig returns the fixed guest capability policy.
func DefaultGuestConfig() GuestConfig {
	return GuestConfig{
		EnabledFeatures: []string{
			"content-reading",
			"basic-practice",
			"offline-content",
			"local-progress",
		},
		Limitations: []string{
			"no-cloud-sync",
			"no-premium-content",
			"limited-content-library",
			"no-sharing",
		},
		MaxUsageDuration: GuestMaxUsage,
		DataRetention:    false,
	}
}

// GuestSession is an anonymous, capability-limited session.
type GuestSession struct {
	// SessionID is a fresh UUID per activation.
	SessionID string `json:"session_id"`

	// StartTime is when guest mode was entered.
	StartTime time.Time `json:"start_time"`

	// Config is the fixed guest policy in force.
	Config GuestConfig `json:"config"`
}

// NewGuestSession creates a guest session starting at now with the default
// policy.
func NewGuestSession(now time.Time) GuestSession {
	return GuestSession{
		SessionID: uuid.New().String(),
		StartTime: now,
		Config:    DefaultGuestConfig(),
	}
}

// Expired reports whether the session has outlived its usage bound.
func (g GuestSession) Expired(now time.Time) bool {
	return now.Sub(g.StartTime) >= g.Config.MaxUsageDuration
}
