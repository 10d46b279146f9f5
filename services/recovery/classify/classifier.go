// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classify

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fablewood/resilience/pkg/logging"
	"github.com/fablewood/resilience/pkg/ring"
	"github.com/fablewood/resilience/services/recovery/connectivity"
	"github.com/fablewood/resilience/services/recovery/events"
	"github.com/fablewood/resilience/services/recovery/provider"
)

// HistorySize bounds the rolling failure window.
const HistorySize = 50

// EscalationThreshold is the critical-failure count in the window at which
// the classifier raises a startup-error-escalated event.
const EscalationThreshold = 3

// Match patterns per category, lowercased. The classifier sees two error
// dialects: Go transport errors from the daemon's own calls, and browser
// error copy arriving through the client error intake. Both are covered.
var (
	networkPatterns = []string{
		"failed to fetch",
		"networkerror",
		"network error",
		"network request failed",
		"connection refused",
		"connection reset",
		"no such host",
		"dial tcp",
		"i/o timeout",
		"tls handshake timeout",
		"offline",
	}

	// transportHints are weaker signals that count as network failures
	// only while the device is known to be offline.
	transportHints = []string{
		"fetch",
		"timeout",
		"timed out",
		"request failed",
		"connect",
		"unreachable",
		"eof",
	}

	credentialPatterns = []string{
		"invalid login credentials",
		"invalid credentials",
		"invalid api key",
		"email not confirmed",
		"unauthorized",
		"forbidden",
	}

	sessionExpiredPatterns = []string{
		"session expired",
		"session_not_found",
		"session not found",
		"session missing",
		"jwt expired",
		"token expired",
		"not authenticated",
	}

	refreshPatterns = []string{
		"refresh token",
		"refresh_token",
		"refresh failed",
		"invalid_grant",
		"invalid grant",
	}

	storagePatterns = []string{
		"storage",
		"quota",
		"quotaexceedederror",
		"badger",
		"no space left",
		"database locked",
		"read-only file system",
	}

	rateLimitPatterns = []string{
		"rate limit",
		"too many requests",
	}

	serverPatterns = []string{
		"internal server error",
		"server error",
		"bad gateway",
		"service unavailable",
		"gateway timeout",
	}
)

// Classifier places failures into the taxonomy and keeps the rolling
// history.
//
// # Description
//
// Classify never fails and never panics outward: the zero answer is an
// UNKNOWN_ERROR entry. The connectivity checker (optional) lets a known
// offline state pull transport-looking failures into NETWORK_ERROR even
// when their message alone would not match. Each classified failure is
// appended to a bounded history; when critical failures pile up past the
// escalation threshold the classifier publishes a startup-error-escalated
// event for the integrator to act on.
//
// # Thread Safety
//
// Safe for concurrent use.
type Classifier struct {
	checker   connectivity.Checker
	publisher events.Publisher
	history   *ring.Buffer[AuthError]
	logger    *logging.Logger
	now       func() time.Time
}

// NewClassifier creates a classifier. checker and publisher may be nil;
// classification then runs without connectivity hints and without
// escalation events.
func NewClassifier(checker connectivity.Checker, publisher events.Publisher, logger *logging.Logger) *Classifier {
	if logger == nil {
		logger = logging.Default()
	}
	return &Classifier{
		checker:   checker,
		publisher: publisher,
		history:   ring.New[AuthError](HistorySize),
		logger:    logger.For(logging.CategoryAuth),
		now:       time.Now,
	}
}

// Classify places err into the taxonomy. operation names what was being
// attempted (session_recovery, token_refresh, ...) and biases 401/403
// handling: inside a refresh operation they mean the refresh token is
// dead, not that the user's credentials are wrong.
func (c *Classifier) Classify(ctx context.Context, err error, operation string) *AuthError {
	msg := ""
	if err != nil {
		msg = strings.ToLower(err.Error())
	}
	status := 0
	if apiErr, ok := provider.AsAPIError(err); ok {
		status = apiErr.Status
	}

	category := c.categorize(ctx, err, msg, status, operation)

	authErr := &AuthError{
		Type:          category,
		Severity:      SeverityOf(category),
		Message:       errMessage(err),
		OriginalError: err,
		Timestamp:     c.now(),
		Context:       operation,
		Recoverable:   Recoverable(category),
	}

	c.record(authErr)
	return authErr
}

// categorize walks the taxonomy in priority order.
func (c *Classifier) categorize(ctx context.Context, err error, msg string, status int, operation string) FailureType {
	refreshing := isRefreshOperation(operation)

	switch {
	case c.isNetworkError(ctx, err, msg, status):
		return FailureNetwork

	case isCredentialsError(msg, status, refreshing):
		return FailureInvalidCredentials

	case matchesAny(msg, sessionExpiredPatterns):
		return FailureSessionExpired

	case isRefreshFailure(msg, status, refreshing):
		return FailureTokenRefresh

	case matchesAny(msg, storagePatterns):
		return FailureStorage

	case status == http.StatusTooManyRequests || matchesAny(msg, rateLimitPatterns):
		return FailureRateLimited

	case status >= http.StatusInternalServerError || matchesAny(msg, serverPatterns):
		return FailureServer

	default:
		return FailureUnknown
	}
}

// isNetworkError matches transport failures. Strong signals (net.Error,
// deadline, known messages) always count; weak transport hints count only
// when the device is known offline. An APIError never counts: receiving a
// status code proves the network worked.
func (c *Classifier) isNetworkError(ctx context.Context, err error, msg string, status int) bool {
	if status != 0 {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if matchesAny(msg, networkPatterns) {
		return true
	}
	if c.checker != nil && !c.checker.Online(ctx) && matchesAny(msg, transportHints) {
		return true
	}
	return false
}

func isCredentialsError(msg string, status int, refreshing bool) bool {
	if refreshing {
		return false
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return true
	}
	return matchesAny(msg, credentialPatterns)
}

// isRefreshFailure matches dead-refresh-token answers. Only 4xx auth
// statuses are pulled in by refresh context; a 429 or 5xx during a refresh
// still classifies by its own category so its own chain runs.
func isRefreshFailure(msg string, status int, refreshing bool) bool {
	if matchesAny(msg, refreshPatterns) {
		return true
	}
	if !refreshing {
		return false
	}
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return matchesAny(msg, credentialPatterns)
}

func isRefreshOperation(operation string) bool {
	return strings.Contains(strings.ToLower(operation), "refresh")
}

func matchesAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func errMessage(err error) string {
	if err == nil {
		return "unknown failure (nil error)"
	}
	return err.Error()
}

// record appends the failure to the history and raises the escalation
// event when critical failures pile up.
func (c *Classifier) record(authErr *AuthError) {
	c.history.Push(*authErr)

	c.logger.Warn("auth failure classified",
		"category", string(authErr.Type),
		"severity", string(authErr.Severity),
		"recoverable", authErr.Recoverable,
		"operation", authErr.Context,
		"error", authErr.Message,
	)

	if authErr.Severity != SeverityCritical || c.publisher == nil {
		return
	}
	if count := c.criticalCount(); count >= EscalationThreshold {
		c.logger.Error("critical failures escalating",
			"category", string(authErr.Type),
			"critical_in_window", count,
		)
		c.publisher.Publish(events.TypeStartupErrorEscalated, events.StartupErrorEscalation{
			FailureType: string(authErr.Type),
			Message:     authErr.Message,
			Occurrences: count,
		})
	}
}

func (c *Classifier) criticalCount() int {
	count := 0
	for _, e := range c.history.Snapshot() {
		if e.Severity == SeverityCritical {
			count++
		}
	}
	return count
}

// Recent returns the newest n failures, oldest first.
func (c *Classifier) Recent(n int) []AuthError {
	return c.history.Last(n)
}

// Summary condenses the current failure window.
func (c *Classifier) Summary() Summary {
	window := c.history.Snapshot()

	summary := Summary{
		Total:      len(window),
		ByCategory: make(map[FailureType]int),
	}
	for i := range window {
		summary.ByCategory[window[i].Type]++
		if window[i].Severity == SeverityCritical {
			summary.CriticalCount++
		}
	}
	if len(window) > 0 {
		last := window[len(window)-1]
		summary.LastError = &last
	}
	summary.Escalated = summary.CriticalCount >= EscalationThreshold
	return summary
}

// ClearHistory empties the failure window. Used by emergency recovery
// after a successful reset so stale failures do not re-escalate.
func (c *Classifier) ClearHistory() {
	c.history.Clear()
}
