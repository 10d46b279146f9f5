// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/fablewood/resilience/pkg/logging"
	"github.com/fablewood/resilience/services/recovery/auth"
	"github.com/fablewood/resilience/services/recovery/retry"
)

// maxResponseBody caps how much of an auth API response is read.
const maxResponseBody = 1 << 20 // 1 MB

// Doer is the subset of http.Client the provider needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPConfig configures HTTPProvider.
type HTTPConfig struct {
	// BaseURL is the auth API root, without a trailing slash.
	BaseURL string

	// APIKey is sent as the "apikey" header when non-empty.
	APIKey string

	// Timeout bounds each request.
	Timeout time.Duration

	// RateLimit and RateBurst bound outbound call rate. Recovery passes can
	// stack (watchdog, health trigger, manual retry), and the auth API
	// rate-limits aggressively; throttling locally is cheaper than eating
	// 429s.
	RateLimit rate.Limit
	RateBurst int

	// Breaker configures the circuit breaker. Zero fields take defaults.
	Breaker retry.BreakerConfig

	// Logger, nil falls back to the package default.
	Logger *logging.Logger
}

// DefaultHTTPConfig returns the production client settings.
func DefaultHTTPConfig(baseURL string) HTTPConfig {
	return HTTPConfig{
		BaseURL:   baseURL,
		Timeout:   10 * time.Second,
		RateLimit: rate.Limit(5),
		RateBurst: 10,
		Breaker:   retry.DefaultBreakerConfig(),
	}
}

// HTTPProvider talks to the hosted auth API.
//
// # Description
//
// Three endpoints back the AuthProvider surface:
//
//	GET  /auth/v1/session  current session; 204 means signed out
//	POST /auth/v1/refresh  exchange refresh token for a new session
//	POST /auth/v1/logout   invalidate the session
//
// Every call passes the rate limiter and the circuit breaker. Only
// transport failures and 5xx responses count against the breaker; a 401 is
// a healthy service giving an unwelcome answer.
//
// # Thread Safety
//
// Safe for concurrent use.
type HTTPProvider struct {
	config  HTTPConfig
	client  Doer
	limiter *rate.Limiter
	breaker *retry.CircuitBreaker
	logger  *logging.Logger
}

// NewHTTPProvider creates a provider with its own HTTP client.
func NewHTTPProvider(config HTTPConfig) *HTTPProvider {
	return newHTTPProvider(config, &http.Client{Timeout: config.Timeout})
}

// NewHTTPProviderWithDoer creates a provider with an injected HTTP client,
// primarily for tests.
func NewHTTPProviderWithDoer(config HTTPConfig, client Doer) *HTTPProvider {
	return newHTTPProvider(config, client)
}

func newHTTPProvider(config HTTPConfig, client Doer) *HTTPProvider {
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}
	if config.RateLimit <= 0 {
		config.RateLimit = rate.Inf
	}
	if config.RateBurst <= 0 {
		config.RateBurst = 1
	}
	return &HTTPProvider{
		config:  config,
		client:  client,
		limiter: rate.NewLimiter(config.RateLimit, config.RateBurst),
		breaker: retry.NewCircuitBreaker(config.Breaker),
		logger:  logger.For(logging.CategoryAuth),
	}
}

// sessionPayload is the wire shape of a session.
type sessionPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
	ExpiresAt    int64  `json:"expires_at"`
}

// GetSession fetches the provider's current session. A 204 means signed
// out and returns (nil, nil).
func (p *HTTPProvider) GetSession(ctx context.Context) (*auth.Session, error) {
	status, body, err := p.call(ctx, http.MethodGet, "/auth/v1/session", nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, &APIError{Status: status, Body: truncate(body)}
	}
	return decodeSession(body)
}

// RefreshSession exchanges refreshToken for a new session.
func (p *HTTPProvider) RefreshSession(ctx context.Context, refreshToken string) (*auth.Session, error) {
	payload, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, fmt.Errorf("provider: encode refresh request: %w", err)
	}

	status, body, err := p.call(ctx, http.MethodPost, "/auth/v1/refresh", payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &APIError{Status: status, Body: truncate(body)}
	}
	return decodeSession(body)
}

// SignOut invalidates the provider-side session.
func (p *HTTPProvider) SignOut(ctx context.Context) error {
	status, body, err := p.call(ctx, http.MethodPost, "/auth/v1/logout", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return &APIError{Status: status, Body: truncate(body)}
	}
	return nil
}

// BreakerState exposes the circuit breaker state for diagnostics.
func (p *HTTPProvider) BreakerState() retry.State {
	return p.breaker.State()
}

// call runs one rate-limited, breaker-guarded request and returns the
// status and body. Transport errors and 5xx responses trip the breaker.
func (p *HTTPProvider) call(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("provider: rate limiter: %w", err)
	}
	if !p.breaker.Allow() {
		return 0, nil, fmt.Errorf("provider: %s %s: %w", method, path, retry.ErrCircuitOpen)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.config.BaseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("provider: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.config.APIKey != "" {
		req.Header.Set("apikey", p.config.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Warn("auth api unreachable", "method", method, "path", path, "error", err.Error())
		return 0, nil, fmt.Errorf("provider: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		p.breaker.RecordFailure()
		return 0, nil, fmt.Errorf("provider: read %s response: %w", path, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		p.breaker.RecordFailure()
	} else {
		p.breaker.RecordSuccess()
	}

	return resp.StatusCode, respBody, nil
}

// decodeSession maps the wire payload to the domain session, keeping the
// raw fields for forward compatibility.
func decodeSession(body []byte) (*auth.Session, error) {
	var payload sessionPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("provider: decode session: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		raw = nil
	}

	return &auth.Session{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		UserID:       payload.UserID,
		ExpiresAt:    payload.ExpiresAt,
		Raw:          raw,
	}, nil
}

// truncate bounds an error body for APIError logging.
func truncate(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
