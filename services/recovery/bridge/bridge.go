// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package bridge talks to the native wrapper shell, when there is one.
//
// Inside the wrapped app the shell exposes a small loopback HTTP surface
// with platform information and the installed plugin list. In a plain
// browser or PWA install that surface simply does not exist; a missing
// bridge is a normal environment, never a failure. Environment detection
// treats a responding bridge as its strongest wrapped-container signal.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fablewood/resilience/pkg/logging"
)

// ErrUnavailable is returned when the bridge endpoint is not reachable.
// Callers treat it as "not running inside the wrapper", not as a fault.
var ErrUnavailable = errors.New("bridge: wrapper bridge not available")

// DefaultBaseURL is the wrapper shell's loopback bridge address.
const DefaultBaseURL = "http://127.0.0.1:18751"

// PlatformInfo describes the native host reported by the wrapper.
type PlatformInfo struct {
	// Platform is the host OS as the wrapper names it (android, ios, web).
	Platform string `json:"platform"`

	// Model is the device model, when the wrapper exposes it.
	Model string `json:"model,omitempty"`

	// OSVersion is the host OS version string.
	OSVersion string `json:"os_version,omitempty"`

	// AppVersion is the wrapper app's own version.
	AppVersion string `json:"app_version,omitempty"`

	// Native is true when the wrapper confirms a native shell (TWA or
	// hybrid container) rather than a plain webview.
	Native bool `json:"native"`
}

// Client is the wrapper bridge boundary.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Client interface {
	// Platform returns the wrapper's platform report, or ErrUnavailable
	// when no bridge is present.
	Platform(ctx context.Context) (*PlatformInfo, error)

	// Plugins returns the wrapper's installed plugin names, or
	// ErrUnavailable when no bridge is present.
	Plugins(ctx context.Context) ([]string, error)

	// Available reports whether the bridge responds at all.
	Available(ctx context.Context) bool
}

// Doer is the subset of http.Client the bridge client needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPClientConfig configures HTTPClient.
type HTTPClientConfig struct {
	// BaseURL is the bridge's loopback address.
	BaseURL string

	// Timeout bounds each bridge call. The bridge is on loopback, so this
	// stays short.
	Timeout time.Duration

	// Logger, nil falls back to the package default.
	Logger *logging.Logger
}

// DefaultHTTPClientConfig returns the production bridge settings.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		BaseURL: DefaultBaseURL,
		Timeout: 2 * time.Second,
	}
}

// HTTPClient probes the wrapper's loopback bridge endpoints.
type HTTPClient struct {
	config HTTPClientConfig
	doer   Doer
	logger *logging.Logger
}

// NewHTTPClient creates a bridge client with its own HTTP client.
func NewHTTPClient(config HTTPClientConfig) *HTTPClient {
	return newHTTPClient(config, &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	})
}

// NewHTTPClientWithDoer creates a bridge client with an injected HTTP
// client, primarily for tests.
func NewHTTPClientWithDoer(config HTTPClientConfig, doer Doer) *HTTPClient {
	return newHTTPClient(config, doer)
}

func newHTTPClient(config HTTPClientConfig, doer Doer) *HTTPClient {
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &HTTPClient{
		config: config,
		doer:   doer,
		logger: logger.For(logging.CategoryContainer),
	}
}

// Platform fetches /bridge/v1/platform.
func (c *HTTPClient) Platform(ctx context.Context) (*PlatformInfo, error) {
	body, err := c.get(ctx, "/bridge/v1/platform")
	if err != nil {
		return nil, err
	}

	var info PlatformInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("bridge: decode platform response: %w", err)
	}
	return &info, nil
}

// Plugins fetches /bridge/v1/plugins.
func (c *HTTPClient) Plugins(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, "/bridge/v1/plugins")
	if err != nil {
		return nil, err
	}

	var resp struct {
		Plugins []string `json:"plugins"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("bridge: decode plugins response: %w", err)
	}
	return resp.Plugins, nil
}

// Available reports whether the platform endpoint answers with a success
// status.
func (c *HTTPClient) Available(ctx context.Context) bool {
	_, err := c.get(ctx, "/bridge/v1/platform")
	return err == nil
}

// get performs one bridge call. Transport errors collapse to
// ErrUnavailable because an absent bridge is an expected environment.
func (c *HTTPClient) get(ctx context.Context, path string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.config.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: build request: %w", err)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge: %s returned HTTP %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("bridge: read %s response: %w", path, err)
	}
	return body, nil
}
