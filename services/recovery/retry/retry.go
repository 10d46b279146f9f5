// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retry provides bounded exponential backoff and a circuit breaker.
//
// Every retrying code path in the recovery core (session recovery passes,
// token refresh, the auth provider's HTTP client) shares this package so
// backoff behaves identically everywhere: delays double from InitialBackoff
// up to MaxBackoff and the attempt count is strictly bounded.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidConfig is returned by Config.Validate for unusable settings.
var ErrInvalidConfig = errors.New("retry: invalid config")

// ErrCircuitOpen is returned when the circuit breaker rejects a call.
var ErrCircuitOpen = errors.New("retry: circuit breaker open")

// Config configures retry behavior with exponential backoff.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between retries.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the wait after each attempt.
	BackoffFactor float64

	// JitterFactor randomizes each wait within ±JitterFactor (0-1).
	// Zero keeps the schedule deterministic, which recovery relies on.
	JitterFactor float64

	// Retryable decides whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool
}

// DefaultConfig returns the recovery core's standard schedule:
// three attempts, waits of 1s then 2s, factor 2, capped at 10s, no jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0,
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return ErrInvalidConfig
	}
	if c.InitialBackoff <= 0 {
		return ErrInvalidConfig
	}
	if c.MaxBackoff < c.InitialBackoff {
		return ErrInvalidConfig
	}
	if c.BackoffFactor < 1.0 {
		return ErrInvalidConfig
	}
	return nil
}

// Backoff returns the deterministic wait before retrying after the given
// 1-based attempt: InitialBackoff * BackoffFactor^(attempt-1), capped at
// MaxBackoff. With defaults the sequence is 1s, 2s, 4s, 8s, 10s, 10s, ...
// Jitter is never applied here; callers that want it go through Retry.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	wait := c.InitialBackoff
	for i := 1; i < attempt; i++ {
		wait = nextBackoff(wait, c.BackoffFactor, c.MaxBackoff)
		if wait == c.MaxBackoff {
			break
		}
	}
	if wait > c.MaxBackoff {
		wait = c.MaxBackoff
	}
	return wait
}

// Result contains the outcome of a retry operation.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int

	// TotalDuration is the total time spent including waits.
	TotalDuration time.Duration

	// LastError is the error from the final attempt, nil on success.
	LastError error
}

// Func is an operation that can be retried. The attempt number is 1-based.
type Func func(ctx context.Context, attempt int) error

// Retry executes fn with exponential backoff until it succeeds, the attempt
// budget is spent, the error is not retryable, or the context ends.
//
// # Inputs
//
//   - ctx: Cancels waits between attempts and checks before each attempt.
//   - config: Backoff schedule and retryability decision.
//   - fn: The operation. Attempt numbers start at 1.
//
// # Outputs
//
//   - Result: Attempt statistics for logging and metrics.
//   - error: Nil on success, otherwise the last attempt's error (or the
//     context error if cancelled mid-wait).
func Retry(ctx context.Context, config Config, fn Func) (Result, error) {
	start := time.Now()
	result := Result{}

	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.LastError = err
			result.TotalDuration = time.Since(start)
			return result, err
		}

		err := fn(ctx, attempt)
		if err == nil {
			result.TotalDuration = time.Since(start)
			return result, nil
		}
		result.LastError = err

		if config.Retryable != nil && !config.Retryable(err) {
			result.TotalDuration = time.Since(start)
			return result, err
		}

		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result, ctx.Err()
		case <-time.After(withJitter(backoff, config.JitterFactor)):
		}

		backoff = nextBackoff(backoff, config.BackoffFactor, config.MaxBackoff)
	}

	result.TotalDuration = time.Since(start)
	return result, result.LastError
}

// RetryWithCircuitBreaker is Retry gated by a circuit breaker. An open
// circuit rejects immediately with ErrCircuitOpen; each attempt's outcome
// is recorded so sustained failures trip the breaker for later callers.
func RetryWithCircuitBreaker(
	ctx context.Context,
	cb *CircuitBreaker,
	config Config,
	fn Func,
) (Result, error) {
	start := time.Now()
	result := Result{}

	if !cb.Allow() {
		result.LastError = ErrCircuitOpen
		result.TotalDuration = time.Since(start)
		return result, ErrCircuitOpen
	}

	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.LastError = err
			result.TotalDuration = time.Since(start)
			return result, err
		}

		if attempt > 1 && !cb.Allow() {
			result.LastError = ErrCircuitOpen
			result.TotalDuration = time.Since(start)
			return result, ErrCircuitOpen
		}

		err := fn(ctx, attempt)
		if err == nil {
			cb.RecordSuccess()
			result.TotalDuration = time.Since(start)
			return result, nil
		}

		cb.RecordFailure()
		result.LastError = err

		if config.Retryable != nil && !config.Retryable(err) {
			result.TotalDuration = time.Since(start)
			return result, err
		}

		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result, ctx.Err()
		case <-time.After(withJitter(backoff, config.JitterFactor)):
		}

		backoff = nextBackoff(backoff, config.BackoffFactor, config.MaxBackoff)
	}

	result.TotalDuration = time.Since(start)
	return result, result.LastError
}

// withJitter spreads a wait within [base*(1-jitter), base*(1+jitter)].
func withJitter(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return base
	}
	jitter := (rand.Float64()*2 - 1) * jitterFactor
	return time.Duration(float64(base) * (1.0 + jitter))
}

// nextBackoff multiplies the current wait, capped at max.
func nextBackoff(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}
