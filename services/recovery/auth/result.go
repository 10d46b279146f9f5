// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package auth

// Mode is the degradation tier an authentication outcome lands in.
type Mode string

const (
	// ModeFull means a trusted provider session is active.
	ModeFull Mode = "full"

	// ModeLimited means authenticated but with reduced capabilities,
	// typically because container integration failed.
	ModeLimited Mode = "limited"

	// ModeOffline means a valid offline credential snapshot is in use.
	ModeOffline Mode = "offline"

	// ModeGuest means an anonymous guest session is active.
	ModeGuest Mode = "guest"
)

// Result is the outcome of any recovery or failure-handling operation.
//
// Recovery entry points never return Go errors to their callers: a failed
// recovery is still a Result, usually one that degraded to guest mode. The
// Error field carries user-presentable copy, never stack detail; technical
// context lives in the log history and diagnostics.
type Result struct {
	// Success is true when the caller can proceed in the returned Mode.
	Success bool `json:"success"`

	// Mode is the tier the app should run in.
	Mode Mode `json:"mode"`

	// Session is set when Mode is full or limited.
	Session *Session `json:"session,omitempty"`

	// GuestSession is set when Mode is guest.
	GuestSession *GuestSession `json:"guest_session,omitempty"`

	// Error is a non-technical description of what went wrong, when
	// Success is false or the mode is degraded.
	Error string `json:"error,omitempty"`

	// RecoveryMethod names the strategy that produced this result
	// (provider-session, local-backup, guest-mode, ...).
	RecoveryMethod string `json:"recovery_method,omitempty"`
}

// Failure builds an unsuccessful result with user-presentable copy.
func Failure(message string) Result {
	return Result{Success: false, Error: message}
}

// GuestResult builds the standard successful guest-mode result.
func GuestResult(gs GuestSession) Result {
	return Result{
		Success:        true,
		Mode:           ModeGuest,
		GuestSession:   &gs,
		RecoveryMethod: "guest-mode",
	}
}
