// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// completeSession returns a session with all fields set, expiring at
// testNow + ttl.
func completeSession(ttl time.Duration) *Session {
	return &Session{
		AccessToken:  "access-tok",
		RefreshToken: "refresh-tok",
		UserID:       "usr_123",
		ExpiresAt:    testNow.Add(ttl).Unix(),
	}
}

// TestValidate_CompleteUnexpired verifies the happy path.
func TestValidate_CompleteUnexpired(t *testing.T) {
	v := Validate(completeSession(time.Hour), testNow)

	assert.True(t, v.IsValid)
	assert.False(t, v.IsExpired)
	assert.False(t, v.NeedsRefresh)
	assert.Empty(t, v.MissingFields)
	assert.Equal(t, time.Hour, v.ExpiresIn)
}

// TestValidate_Nil verifies a nil session reports every field missing.
func TestValidate_Nil(t *testing.T) {
	v := Validate(nil, testNow)

	assert.False(t, v.IsValid)
	assert.True(t, v.IsExpired)
	assert.Equal(t,
		[]string{"access_token", "refresh_token", "user_id", "expires_at"},
		v.MissingFields)
}

// TestValidate_MissingFields verifies each empty field is named.
func TestValidate_MissingFields(t *testing.T) {
	s := completeSession(time.Hour)
	s.AccessToken = ""
	s.UserID = ""

	v := Validate(s, testNow)

	assert.False(t, v.IsValid)
	assert.Equal(t, []string{"access_token", "user_id"}, v.MissingFields)
}

// TestValidate_Expired verifies an expired session is invalid and does NOT
// get the refresh flag; refresh must never resurrect a dead session.
func TestValidate_Expired(t *testing.T) {
	v := Validate(completeSession(-time.Minute), testNow)

	assert.False(t, v.IsValid)
	assert.True(t, v.IsExpired)
	assert.False(t, v.NeedsRefresh, "expired sessions are past refreshing")
	assert.Negative(t, v.ExpiresIn)
}

// TestValidate_RefreshWindow verifies the refresh window boundaries: the
// flag is set inside (0, 5m] and clear outside.
func TestValidate_RefreshWindow(t *testing.T) {
	tests := []struct {
		name        string
		ttl         time.Duration
		wantValid   bool
		wantRefresh bool
	}{
		{"well before window", time.Hour, true, false},
		{"just outside window", 5*time.Minute + time.Second, true, false},
		{"at window edge", 5 * time.Minute, true, true},
		{"inside window", 2 * time.Minute, true, true},
		{"one second left", time.Second, true, true},
		{"exactly expired", 0, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Validate(completeSession(tt.ttl), testNow)
			assert.Equal(t, tt.wantValid, v.IsValid, "IsValid")
			assert.Equal(t, tt.wantRefresh, v.NeedsRefresh, "NeedsRefresh")
		})
	}
}

// TestValidate_ZeroExpiry verifies a session without an expiry is both
// incomplete and expired.
func TestValidate_ZeroExpiry(t *testing.T) {
	s := completeSession(time.Hour)
	s.ExpiresAt = 0

	v := Validate(s, testNow)

	assert.False(t, v.IsValid)
	assert.True(t, v.IsExpired)
	assert.False(t, v.NeedsRefresh)
	assert.Contains(t, v.MissingFields, "expires_at")
	assert.Zero(t, v.ExpiresIn)
}

// TestOfflineData verifies snapshot construction and the fixed 7-day window.
func TestOfflineData(t *testing.T) {
	d := NewOfflineData("usr_1", "kid@example.com", "Sam", testNow)

	assert.Equal(t, testNow.Add(7*24*time.Hour), d.ExpiresAt)
	assert.NotEmpty(t, d.Capabilities)

	assert.False(t, d.Expired(testNow))
	assert.False(t, d.Expired(testNow.Add(OfflineTTL-time.Second)))
	assert.True(t, d.Expired(testNow.Add(OfflineTTL)))
}

// TestNewGuestSession verifies fresh IDs with an identical fixed policy.
func TestNewGuestSession(t *testing.T) {
	first := NewGuestSession(testNow)
	second := NewGuestSession(testNow)

	require.NotEmpty(t, first.SessionID)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, first.Config, second.Config, "guest policy is fixed")

	cfg := first.Config
	assert.Equal(t, 24*time.Hour, cfg.MaxUsageDuration)
	assert.False(t, cfg.DataRetention)
	assert.Contains(t, cfg.EnabledFeatures, "content-reading")
	assert.Contains(t, cfg.Limitations, "no-cloud-sync")
}

// TestGuestSession_Expired verifies the 24h usage bound.
func TestGuestSession_Expired(t *testing.T) {
	g := NewGuestSession(testNow)

	assert.False(t, g.Expired(testNow.Add(23*time.Hour)))
	assert.True(t, g.Expired(testNow.Add(24*time.Hour)))
}

// TestGuestResult verifies the standard guest result shape.
func TestGuestResult(t *testing.T) {
	g := NewGuestSession(testNow)
	r := GuestResult(g)

	assert.True(t, r.Success)
	assert.Equal(t, ModeGuest, r.Mode)
	assert.Equal(t, "guest-mode", r.RecoveryMethod)
	require.NotNil(t, r.GuestSession)
	assert.Equal(t, g.SessionID, r.GuestSession.SessionID)
}
