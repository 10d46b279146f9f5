// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package classify maps raw auth failures onto a fixed taxonomy and drives
// the per-category recovery strategy chains.
//
// Classification is deliberately dumb: string and shape matching over the
// error, its HTTP status when it carries one, and the current connectivity
// state. The taxonomy is priority-ordered and exhaustive; everything the
// matchers cannot place lands in UNKNOWN_ERROR. Dumb matching is what
// makes the classifier safe to call from panic paths.
package classify

import (
	"encoding/json"
	"time"
)

// FailureType is the failure taxonomy. Categories are checked in this
// priority order; the first match wins.
type FailureType string

const (
	FailureNetwork            FailureType = "NETWORK_ERROR"
	FailureInvalidCredentials FailureType = "INVALID_CREDENTIALS"
	FailureSessionExpired     FailureType = "SESSION_EXPIRED"
	FailureTokenRefresh       FailureType = "TOKEN_REFRESH_FAILED"
	FailureStorage            FailureType = "STORAGE_ERROR"
	FailureRateLimited        FailureType = "RATE_LIMITED"
	FailureServer             FailureType = "SERVER_ERROR"
	FailureUnknown            FailureType = "UNKNOWN_ERROR"
)

// Severity grades a failure's impact.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// categoryTraits fixes severity and recoverability per category.
// INVALID_CREDENTIALS is the only non-recoverable category: no strategy
// can conjure credentials, the user has to sign in again. STORAGE_ERROR is
// critical because a device that cannot persist anything loses every
// offline safety net at once.
var categoryTraits = map[FailureType]struct {
	severity    Severity
	recoverable bool
}{
	FailureNetwork:            {SeverityMedium, true},
	FailureInvalidCredentials: {SeverityHigh, false},
	FailureSessionExpired:     {SeverityMedium, true},
	FailureTokenRefresh:       {SeverityHigh, true},
	FailureStorage:            {SeverityCritical, true},
	FailureRateLimited:        {SeverityMedium, true},
	FailureServer:             {SeverityHigh, true},
	FailureUnknown:            {SeverityMedium, true},
}

// SeverityOf returns the fixed severity for a category.
func SeverityOf(t FailureType) Severity {
	if traits, ok := categoryTraits[t]; ok {
		return traits.severity
	}
	return SeverityMedium
}

// Recoverable returns the fixed recoverability for a category.
func Recoverable(t FailureType) bool {
	if traits, ok := categoryTraits[t]; ok {
		return traits.recoverable
	}
	return true
}

// AuthError is one classified failure.
type AuthError struct {
	// Type is the taxonomy category.
	Type FailureType `json:"type"`

	// Severity is fixed per category.
	Severity Severity `json:"severity"`

	// Message is the raw error text.
	Message string `json:"message"`

	// OriginalError is the error that was classified. Serialized as its
	// message string.
	OriginalError error `json:"-"`

	// Timestamp is when the failure was classified.
	Timestamp time.Time `json:"timestamp"`

	// Context names the operation that failed (session_recovery,
	// token_refresh, ...).
	Context string `json:"context,omitempty"`

	// Recoverable is fixed per category.
	Recoverable bool `json:"recoverable"`
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return string(e.Type) + ": " + e.Message
}

// Unwrap exposes the original error to errors.Is/As chains.
func (e *AuthError) Unwrap() error {
	return e.OriginalError
}

// MarshalJSON flattens OriginalError into a string so histories serialize
// cleanly into diagnostics reports.
func (e AuthError) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type          FailureType `json:"type"`
		Severity      Severity    `json:"severity"`
		Message       string      `json:"message"`
		OriginalError string      `json:"original_error,omitempty"`
		Timestamp     time.Time   `json:"timestamp"`
		Context       string      `json:"context,omitempty"`
		Recoverable   bool        `json:"recoverable"`
	}
	w := wire{
		Type:        e.Type,
		Severity:    e.Severity,
		Message:     e.Message,
		Timestamp:   e.Timestamp,
		Context:     e.Context,
		Recoverable: e.Recoverable,
	}
	if e.OriginalError != nil {
		w.OriginalError = e.OriginalError.Error()
	}
	return json.Marshal(w)
}

// Strategy names one recovery move. The root system registers an executor
// per strategy; the handler only knows the order.
type Strategy string

const (
	// StrategyTokenRefresh exchanges the refresh token for a new session.
	StrategyTokenRefresh Strategy = "token-refresh"

	// StrategySessionRecovery runs the full backup recovery chain.
	StrategySessionRecovery Strategy = "session-recovery"

	// StrategyOfflineAuth restores the persisted offline credential record.
	StrategyOfflineAuth Strategy = "offline-auth-recovery"

	// StrategyDelayedRetry waits out a rate limit window and retries.
	StrategyDelayedRetry Strategy = "delayed-retry"

	// StrategyGuestMode drops to a local guest session. Universal fallback,
	// last in every chain.
	StrategyGuestMode Strategy = "guest-mode"
)

// strategyChains is the fixed per-category recovery order. Every chain
// ends in guest mode so no failure strands the user on a spinner.
var strategyChains = map[FailureType][]Strategy{
	FailureSessionExpired:     {StrategyTokenRefresh, StrategySessionRecovery, StrategyGuestMode},
	FailureTokenRefresh:       {StrategySessionRecovery, StrategyGuestMode},
	FailureNetwork:            {StrategyOfflineAuth, StrategyGuestMode},
	FailureStorage:            {StrategySessionRecovery, StrategyGuestMode},
	FailureRateLimited:        {StrategyDelayedRetry, StrategyGuestMode},
	FailureServer:             {StrategySessionRecovery, StrategyOfflineAuth, StrategyGuestMode},
	FailureUnknown:            {StrategySessionRecovery, StrategyGuestMode},
	FailureInvalidCredentials: {StrategyGuestMode},
}

// StrategiesFor returns the ordered strategy chain for a category. The
// returned slice is a copy.
func StrategiesFor(t FailureType) []Strategy {
	chain, ok := strategyChains[t]
	if !ok {
		chain = strategyChains[FailureUnknown]
	}
	out := make([]Strategy, len(chain))
	copy(out, chain)
	return out
}

// Summary condenses the rolling failure history for diagnostics.
type Summary struct {
	// Total counts failures currently in the window.
	Total int `json:"total"`

	// ByCategory counts failures per taxonomy category.
	ByCategory map[FailureType]int `json:"by_category"`

	// LastError is the most recent failure, nil when the window is empty.
	LastError *AuthError `json:"last_error,omitempty"`

	// CriticalCount counts critical-severity failures in the window.
	CriticalCount int `json:"critical_count"`

	// Escalated is set when the window holds enough critical failures to
	// warrant emergency attention.
	Escalated bool `json:"escalated"`
}
