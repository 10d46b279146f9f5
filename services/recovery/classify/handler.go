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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fablewood/resilience/pkg/logging"
	"github.com/fablewood/resilience/services/recovery/auth"
	"github.com/fablewood/resilience/services/recovery/retry"
)

// ErrRetryBudgetExhausted marks a per-key retry budget spent.
var ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

// guestFallbackMessage is the user-facing copy for total recovery failure.
// Non-technical on purpose; detail lives in the log history.
const guestFallbackMessage = "We couldn't restore your session right now. You can keep reading as a guest, or sign in again."

// StrategyFunc executes one recovery strategy.
type StrategyFunc func(ctx context.Context) auth.Result

// RetryPolicy bounds RetryAuthentication for one logical operation.
type RetryPolicy struct {
	// MaxAttempts is the shared per-key budget.
	MaxAttempts int

	// InitialBackoff, BackoffFactor, MaxBackoff shape the wait between
	// attempts, same formula as the retry package.
	InitialBackoff time.Duration
	BackoffFactor  float64
	MaxBackoff     time.Duration

	// RetryableCategories is the caller's allowlist. An empty list retries
	// nothing.
	RetryableCategories []FailureType
}

// DefaultRetryPolicy retries the transient trio with the standard backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		BackoffFactor:  2.0,
		MaxBackoff:     10 * time.Second,
		RetryableCategories: []FailureType{
			FailureNetwork,
			FailureRateLimited,
			FailureServer,
		},
	}
}

func (p RetryPolicy) allows(t FailureType) bool {
	for _, c := range p.RetryableCategories {
		if c == t {
			return true
		}
	}
	return false
}

// Handler turns classified failures into recovery outcomes.
//
// # Description
//
// The handler owns the strategy registry: the root system registers an
// executor per strategy name at wiring time, and HandleAuthFailure walks
// the failed category's chain until one executor succeeds. A single
// in-flight guard covers the whole handler; a concurrent call returns a
// failure result immediately instead of queuing, so duplicate provider
// calls cannot race each other.
//
// # Limitations
//
//   - Strategies without a registered executor are skipped with a log
//     line, not treated as failures.
//
// # Thread Safety
//
// Safe for concurrent use. RegisterStrategy is expected at wiring time,
// before failures flow.
type Handler struct {
	classifier *Classifier
	logger     *logging.Logger

	mu         sync.RWMutex
	strategies map[Strategy]StrategyFunc

	inFlight atomic.Bool

	retryMu     sync.Mutex
	retryCounts map[string]int
}

// NewHandler creates a handler around a classifier.
func NewHandler(classifier *Classifier, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		classifier:  classifier,
		logger:      logger.For(logging.CategoryRecovery),
		strategies:  make(map[Strategy]StrategyFunc),
		retryCounts: make(map[string]int),
	}
}

// RegisterStrategy binds an executor to a strategy name, replacing any
// previous binding.
func (h *Handler) RegisterStrategy(s Strategy, fn StrategyFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.strategies[s] = fn
}

// HandleAuthFailure classifies err and walks the category's strategy
// chain, returning the first success. On total failure the result degrades
// to guest mode with user-facing copy.
func (h *Handler) HandleAuthFailure(ctx context.Context, err error, operation string) auth.Result {
	if !h.inFlight.CompareAndSwap(false, true) {
		h.logger.Warn("failure handling already in progress, dropping", "operation", operation)
		return auth.Failure("failure handling already in progress")
	}
	defer h.inFlight.Store(false)

	authErr, classifyErr := h.classifySafely(ctx, err, operation)
	if classifyErr != nil {
		// The classifier itself blew up. Best-effort guest fallback.
		h.logger.Error("classifier panicked, falling back to guest mode", "error", classifyErr.Error())
		return h.guestFallback(ctx)
	}

	chain := StrategiesFor(authErr.Type)
	h.logger.Info("handling auth failure",
		"category", string(authErr.Type),
		"operation", operation,
		"chain_length", len(chain),
	)

	for _, strategy := range chain {
		fn := h.strategyFor(strategy)
		if fn == nil {
			h.logger.Warn("no executor registered for strategy, skipping", "strategy", string(strategy))
			continue
		}

		result := fn(ctx)
		if result.Success {
			if result.RecoveryMethod == "" {
				result.RecoveryMethod = string(strategy)
			}
			h.logger.Info("recovery strategy succeeded",
				"strategy", string(strategy),
				"mode", string(result.Mode),
			)
			return result
		}
		h.logger.Warn("recovery strategy failed",
			"strategy", string(strategy),
			"error", result.Error,
		)
	}

	return h.guestFallback(ctx)
}

func (h *Handler) strategyFor(s Strategy) StrategyFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.strategies[s]
}

// classifySafely contains classifier panics; the recovery path must never
// crash on a malformed error.
func (h *Handler) classifySafely(ctx context.Context, err error, operation string) (authErr *AuthError, panicErr error) {
	defer func() {
		if r := recover(); r != nil {
			panicErr = fmt.Errorf("classify panic: %v", r)
		}
	}()
	return h.classifier.Classify(ctx, err, operation), nil
}

// guestFallback runs the guest strategy directly when everything else is
// gone. Without a registered guest executor it returns an explicit failure
// in guest mode.
func (h *Handler) guestFallback(ctx context.Context) auth.Result {
	if fn := h.strategyFor(StrategyGuestMode); fn != nil {
		result := fn(ctx)
		if result.Success {
			if result.RecoveryMethod == "" {
				result.RecoveryMethod = string(StrategyGuestMode)
			}
			result.Error = guestFallbackMessage
			return result
		}
	}
	return auth.Result{
		Success: false,
		Mode:    auth.ModeGuest,
		Error:   guestFallbackMessage,
	}
}

// RetryAuthentication runs fn under the shared per-key attempt budget.
// Every call against the same key draws from one counter, so stacked
// callers cannot multiply attempts against a struggling provider. Retries
// happen only when the classified category is in the policy's allowlist;
// the budget resets on success or via ResetRetryBudget.
func (h *Handler) RetryAuthentication(ctx context.Context, key string, fn func(ctx context.Context) error, policy RetryPolicy) error {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}

	backoff := retry.Config{
		MaxAttempts:    policy.MaxAttempts,
		InitialBackoff: policy.InitialBackoff,
		MaxBackoff:     policy.MaxBackoff,
		BackoffFactor:  policy.BackoffFactor,
	}
	if backoff.InitialBackoff <= 0 {
		backoff.InitialBackoff = time.Second
	}
	if backoff.MaxBackoff <= 0 {
		backoff.MaxBackoff = 10 * time.Second
	}
	if backoff.BackoffFactor <= 0 {
		backoff.BackoffFactor = 2.0
	}

	var lastErr error
	for {
		attempt, ok := h.takeAttempt(key, policy.MaxAttempts)
		if !ok {
			if lastErr != nil {
				return fmt.Errorf("classify: %q: %w: %w", key, ErrRetryBudgetExhausted, lastErr)
			}
			return fmt.Errorf("classify: %q: %w", key, ErrRetryBudgetExhausted)
		}

		err := fn(ctx)
		if err == nil {
			h.ResetRetryBudget(key)
			return nil
		}
		lastErr = err

		authErr := h.classifier.Classify(ctx, err, key)
		if !authErr.Recoverable || !policy.allows(authErr.Type) {
			h.logger.Warn("not retrying",
				"key", key,
				"category", string(authErr.Type),
				"recoverable", authErr.Recoverable,
			)
			return err
		}

		wait := backoff.Backoff(attempt)
		h.logger.Debug("retrying after backoff",
			"key", key,
			"attempt", attempt,
			"wait_ms", wait.Milliseconds(),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("classify: retry %q: %w", key, ctx.Err())
		case <-time.After(wait):
		}
	}
}

// takeAttempt draws one attempt from the key's budget, reporting the
// attempt number (1-based) and whether budget remained.
func (h *Handler) takeAttempt(key string, maxAttempts int) (int, bool) {
	h.retryMu.Lock()
	defer h.retryMu.Unlock()

	used := h.retryCounts[key]
	if used >= maxAttempts {
		return used, false
	}
	h.retryCounts[key] = used + 1
	return used + 1, true
}

// ResetRetryBudget clears the attempt counter for a key.
func (h *Handler) ResetRetryBudget(key string) {
	h.retryMu.Lock()
	defer h.retryMu.Unlock()
	delete(h.retryCounts, key)
}

// RetryBudgetRemaining reports the attempts left for a key under the given
// maximum. Diagnostics surface this per stuck operation.
func (h *Handler) RetryBudgetRemaining(key string, maxAttempts int) int {
	h.retryMu.Lock()
	defer h.retryMu.Unlock()

	remaining := maxAttempts - h.retryCounts[key]
	if remaining < 0 {
		return 0
	}
	return remaining
}
