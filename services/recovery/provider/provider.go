// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package provider is the boundary to the hosted auth service.
//
// The recovery engine never talks HTTP itself; it sees AuthProvider.
// HTTPProvider implements it against the auth API with rate limiting and a
// circuit breaker, MockProvider scripts it for tests, and TokenCache keeps
// the live token pair in locked memory so it cannot be swapped to disk on
// shared family devices.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/fablewood/resilience/services/recovery/auth"
)

// AuthProvider is the auth service boundary.
//
// # Description
//
// GetSession returns (nil, nil) when the user is simply signed out; an
// error always means the lookup itself failed. This distinction drives the
// recovery chain: "no session" falls through to backups, "lookup failed"
// gets classified and may retry.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	// GetSession returns the provider's current session, (nil, nil) when
	// signed out, or an error when the provider could not answer.
	GetSession(ctx context.Context) (*auth.Session, error)

	// RefreshSession exchanges a refresh token for a new session.
	RefreshSession(ctx context.Context, refreshToken string) (*auth.Session, error)

	// SignOut invalidates the provider-side session.
	SignOut(ctx context.Context) error
}

// APIError is a non-2xx answer from the auth API. The failure classifier
// maps Status onto the failure taxonomy (401/403 to invalid credentials,
// 429 to rate limited, 5xx to server errors).
type APIError struct {
	// Status is the HTTP status code.
	Status int

	// Body is the response body, truncated for logging.
	Body string
}

// Error formats the status and body.
func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("auth api: HTTP %d", e.Status)
	}
	return fmt.Sprintf("auth api: HTTP %d: %s", e.Status, e.Body)
}

// AsAPIError unwraps err to an APIError when one is in the chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
