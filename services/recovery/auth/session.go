// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package auth defines the session, offline-credential, and guest-session
// types shared by the recovery core, together with the integrity rules that
// decide whether a recovered session can be trusted.
//
// The types here are deliberately dependency-free: every other recovery
// package imports auth, never the other way around.
package auth

import "time"

// RefreshWindow is how close to expiry a session may get before recovery
// attempts a token refresh instead of using the session as-is. A session
// that is already expired is past refreshing; only sessions inside
// (0, RefreshWindow] qualify.
const RefreshWindow = 5 * time.Minute

// Session is an authenticated user session as issued by the auth provider.
//
// # Description
//
// Holds the provider token pair plus identity. ExpiresAt stays in epoch
// seconds because that is the provider wire format; converting at the
// boundary and back has produced off-by-timezone bugs before.
//
// # Examples
//
//	session := &auth.Session{
//	    AccessToken:  "eyJ...",
//	    RefreshToken: "v1.MjAyNj...",
//	    UserID:       "usr_01H...",
//	    ExpiresAt:    time.Now().Add(time.Hour).Unix(),
//	}
//	v := auth.Validate(session, time.Now())
//	if !v.IsValid {
//	    // recover or refresh
//	}
//
// # Limitations
//
//   - Raw is preserved for provider round-trips only; nothing in the
//     recovery core reads individual Raw keys.
//
// # Assumptions
//
//   - Tokens are opaque strings; no JWT parsing happens here.
type Session struct {
	// AccessToken authorizes API calls until ExpiresAt.
	AccessToken string `json:"access_token"`

	// RefreshToken obtains a new token pair after expiry.
	RefreshToken string `json:"refresh_token"`

	// UserID is the provider's stable user identifier.
	UserID string `json:"user_id"`

	// ExpiresAt is the access token expiry in Unix epoch seconds.
	ExpiresAt int64 `json:"expires_at"`

	// Raw carries any extra provider fields for lossless persistence.
	Raw map[string]any `json:"raw,omitempty"`
}

// ExpiresIn returns the remaining lifetime at the given instant. Negative
// once expired.
func (s *Session) ExpiresIn(now time.Time) time.Duration {
	return time.Unix(s.ExpiresAt, 0).Sub(now)
}

// Validation is the outcome of checking a session's integrity.
type Validation struct {
	// IsValid is true when the session is complete and unexpired.
	IsValid bool `json:"is_valid"`

	// IsExpired is true when ExpiresAt is at or before the check time.
	IsExpired bool `json:"is_expired"`

	// NeedsRefresh is true when the session is unexpired but inside the
	// refresh window. A refresh should be attempted before trusting it.
	NeedsRefresh bool `json:"needs_refresh"`

	// MissingFields lists required fields that are empty, in declaration
	// order: access_token, refresh_token, user_id, expires_at.
	MissingFields []string `json:"missing_fields,omitempty"`

	// ExpiresIn is the remaining lifetime at check time. Negative when
	// expired, zero when the session is nil or has no expiry.
	ExpiresIn time.Duration `json:"expires_in"`
}

// Validate checks a recovered session's integrity against the given time.
//
// # Description
//
// A session is valid only when all four required fields are present AND the
// expiry is in the future. NeedsRefresh is an independent signal: it is set
// when expiry is within RefreshWindow but has not passed, whatever the
// completeness of the other fields. Expired sessions never get the refresh
// flag; the refresh path must not resurrect them.
//
// # Inputs
//
//   - s: The session to check. Nil is allowed and reported as all-missing.
//   - now: The instant to check against. Injected for deterministic tests.
//
// # Outputs
//
//   - Validation: The full integrity breakdown.
func Validate(s *Session, now time.Time) Validation {
	if s == nil {
		return Validation{
			IsValid:       false,
			IsExpired:     true,
			MissingFields: []string{"access_token", "refresh_token", "user_id", "expires_at"},
		}
	}

	var missing []string
	if s.AccessToken == "" {
		missing = append(missing, "access_token")
	}
	if s.RefreshToken == "" {
		missing = append(missing, "refresh_token")
	}
	if s.UserID == "" {
		missing = append(missing, "user_id")
	}
	if s.ExpiresAt == 0 {
		missing = append(missing, "expires_at")
	}

	var expiresIn time.Duration
	if s.ExpiresAt != 0 {
		expiresIn = s.ExpiresIn(now)
	}
	expired := s.ExpiresAt == 0 || expiresIn <= 0

	return Validation{
		IsValid:       len(missing) == 0 && !expired,
		IsExpired:     expired,
		NeedsRefresh:  !expired && expiresIn <= RefreshWindow,
		MissingFields: missing,
		ExpiresIn:     expiresIn,
	}
}
