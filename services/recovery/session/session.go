// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session restores an authentication session after an unclean
// start. It walks an ordered chain of sources, live provider first, then
// progressively colder local backups, validates whatever it finds, and
// falls back to guest mode when nothing can be trusted.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/fablewood/resilience/services/recovery/auth"
	"github.com/fablewood/resilience/services/recovery/store"
)

// Recovery method names, reported in auth.Result.RecoveryMethod and on
// spans and metrics.
const (
	// MethodProviderSession is a live session from the auth provider.
	MethodProviderSession = "provider-session"

	// MethodLocalBackup is the browser-local persistent backup tier.
	MethodLocalBackup = "local-backup"

	// MethodSessionBackup is the session-scoped in-memory backup tier.
	MethodSessionBackup = "session-backup"

	// MethodDatabaseBackup is the structured on-device database tier.
	MethodDatabaseBackup = "database-backup"

	// MethodTokenRefresh is a session obtained by exchanging a refresh
	// token.
	MethodTokenRefresh = "token-refresh"

	// MethodGuestMode is the universal fallback.
	MethodGuestMode = "guest-mode"
)

// SessionKey is the key every backup tier stores the session under.
const SessionKey = "auth-session"

// ErrNoRefreshToken is returned by RefreshSession when neither the current
// session nor the token cache holds a refresh token.
var ErrNoRefreshToken = errors.New("session: no refresh token available")

// Backup is one tier of the recovery chain: a named store holding a
// verbatim copy of the last known good session.
type Backup struct {
	// Name is the recovery method name this tier reports.
	Name string

	// Store holds the session under SessionKey.
	Store store.Store
}

// StandardBackups builds the canonical three-tier chain in trust order:
// browser-local file storage, session-scoped memory, structured database.
func StandardBackups(local, session, database store.Store) []Backup {
	return []Backup{
		{Name: MethodLocalBackup, Store: local},
		{Name: MethodSessionBackup, Store: session},
		{Name: MethodDatabaseBackup, Store: database},
	}
}

// GuestFallback enables an anonymous guest session when every recovery
// strategy has failed. Implemented by the offline manager.
type GuestFallback interface {
	EnableGuestMode(ctx context.Context) auth.Result
}

// Options tunes a single AttemptRecovery call.
//
// The zero value disables retries, guest fallback, and integrity
// validation; use DefaultOptions for the documented behavior.
type Options struct {
	// EnableRetry reruns the whole strategy chain after a failed pass.
	EnableRetry bool

	// MaxRetries is the total number of chain passes when EnableRetry is
	// set. Zero or negative means the default of 3.
	MaxRetries int

	// RetryDelay is the wait after the first failed pass; it doubles
	// after every further pass. Zero or negative means the default of 1s.
	RetryDelay time.Duration

	// FallbackToGuest enables guest mode once every pass has failed.
	FallbackToGuest bool

	// ValidateIntegrity vets recovered sessions before trusting them.
	// Disabling it accepts whatever a source returns, expired or not.
	ValidateIntegrity bool
}

// DefaultOptions returns the standard recovery behavior: three passes with
// doubling delay, integrity validation, and guest fallback.
func DefaultOptions() Options {
	return Options{
		EnableRetry:       true,
		MaxRetries:        3,
		RetryDelay:        time.Second,
		FallbackToGuest:   true,
		ValidateIntegrity: true,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	return o
}
