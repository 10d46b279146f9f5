// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package connectivity answers one question for the recovery system: can
// the device reach the network right now?
//
// The answer gates strategy ordering. Online failures retry against the
// auth endpoints; offline failures skip retries entirely and fall straight
// to offline credentials or guest mode, because hammering a network that
// is not there only delays the child getting to a working app.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/fablewood/resilience/pkg/logging"
)

// Checker reports network reachability.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Checker interface {
	// Online reports whether the network is currently reachable.
	Online(ctx context.Context) bool

	// Watch emits the new state whenever reachability changes. The channel
	// closes when ctx ends. Slow receivers miss intermediate transitions
	// rather than blocking the checker.
	Watch(ctx context.Context) <-chan bool
}

// HTTPClient is the subset of http.Client the checker needs. Injected in
// tests to script probe outcomes.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// CheckerConfig configures DefaultChecker.
type CheckerConfig struct {
	// ProbeURL is the endpoint probed with a HEAD request. Any HTTP
	// response at all counts as online; only transport errors mean offline.
	ProbeURL string

	// Timeout bounds a single probe.
	Timeout time.Duration

	// CacheTTL is how long a probe result is reused before re-probing.
	// Keeps recovery passes from stacking probes on every strategy.
	CacheTTL time.Duration

	// WatchInterval is how often Watch re-probes.
	WatchInterval time.Duration

	// Logger, nil falls back to the package default.
	Logger *logging.Logger
}

// DefaultCheckerConfig returns the production probe settings.
func DefaultCheckerConfig() CheckerConfig {
	return CheckerConfig{
		ProbeURL:      "https://api.fablewood.app/health",
		Timeout:       3 * time.Second,
		CacheTTL:      5 * time.Second,
		WatchInterval: 10 * time.Second,
	}
}

// DefaultChecker probes an HTTP endpoint to decide reachability.
//
// # Description
//
// A HEAD request that gets any response back, including an error status,
// proves the network path works; the endpoint's health is someone else's
// problem. Results are cached for CacheTTL so a burst of recovery
// strategies shares one probe.
//
// # Thread Safety
//
// Safe for concurrent use.
type DefaultChecker struct {
	config CheckerConfig
	client HTTPClient
	logger *logging.Logger

	mu        sync.Mutex
	lastState bool
	lastProbe time.Time
}

// NewDefaultChecker creates a checker with its own HTTP client.
func NewDefaultChecker(config CheckerConfig) *DefaultChecker {
	return newDefaultChecker(config, &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	})
}

// NewDefaultCheckerWithHTTPClient creates a checker with an injected HTTP
// client, primarily for tests.
func NewDefaultCheckerWithHTTPClient(config CheckerConfig, client HTTPClient) *DefaultChecker {
	return newDefaultChecker(config, client)
}

func newDefaultChecker(config CheckerConfig, client HTTPClient) *DefaultChecker {
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &DefaultChecker{
		config: config,
		client: client,
		logger: logger.For(logging.CategoryNetwork),
	}
}

// Online reports reachability, reusing a cached probe within CacheTTL.
func (c *DefaultChecker) Online(ctx context.Context) bool {
	c.mu.Lock()
	if !c.lastProbe.IsZero() && time.Since(c.lastProbe) < c.config.CacheTTL {
		state := c.lastState
		c.mu.Unlock()
		return state
	}
	c.mu.Unlock()

	state := c.probe(ctx)

	c.mu.Lock()
	c.lastState = state
	c.lastProbe = time.Now()
	c.mu.Unlock()

	return state
}

// Watch re-probes every WatchInterval and emits state changes.
func (c *DefaultChecker) Watch(ctx context.Context) <-chan bool {
	out := make(chan bool, 1)

	go func() {
		defer close(out)

		ticker := time.NewTicker(c.config.WatchInterval)
		defer ticker.Stop()

		last := c.Online(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				state := c.Online(ctx)
				if state == last {
					continue
				}
				last = state
				c.logger.Info("connectivity changed", "online", state)
				select {
				case out <- state:
				default:
					// Receiver is behind; it will see the next change.
				}
			}
		}
	}()

	return out
}

// probe issues one HEAD request. Transport errors mean offline.
func (c *DefaultChecker) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, c.config.ProbeURL, nil)
	if err != nil {
		c.logger.Warn("probe request build failed", "url", c.config.ProbeURL, "error", err.Error())
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
