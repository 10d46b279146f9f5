// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package auth

import "time"

// OfflineTTL is how long an offline credential snapshot stays usable after
// the login that produced it. Expiry is never extended by offline use; only
// a fresh online login resets the window.
const OfflineTTL = 7 * 24 * time.Hour

// OfflineData is a minimal identity snapshot taken at login time so a known
// user can keep using the app without connectivity.
//
// It intentionally carries no tokens: offline mode grants locally-scoped
// capabilities only, and anything needing the provider waits for the sync
// worker to come back online.
type OfflineData struct {
	// UserID is the provider user identifier captured at login.
	UserID string `json:"user_id"`

	// Email is the account email, shown in offline account UI.
	Email string `json:"email"`

	// Name is the display name. Optional.
	Name string `json:"name,omitempty"`

	// LastLoginTime is when the snapshot was taken.
	LastLoginTime time.Time `json:"last_login_time"`

	// ExpiresAt is LastLoginTime + OfflineTTL.
	ExpiresAt time.Time `json:"expires_at"`

	// Capabilities lists what offline mode may do for this user.
	Capabilities []string `json:"capabilities"`
}

// NewOfflineData builds a snapshot for the given identity, stamped at now.
func NewOfflineData(userID, email, name string, now time.Time) OfflineData {
	return OfflineData{
		UserID:        userID,
		Email:         email,
		Name:          name,
		LastLoginTime: now,
		ExpiresAt:     now.Add(OfflineTTL),
		Capabilities: []string{
			"read-stories",
			"practice-sight-words",
			"local-progress",
		},
	}
}

// Expired reports whether the snapshot is past its window at the given time.
func (d OfflineData) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}
