// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fablewood/resilience/pkg/logging"
	"github.com/fablewood/resilience/pkg/telemetry"
	"github.com/fablewood/resilience/services/recovery/auth"
	"github.com/fablewood/resilience/services/recovery/classify"
	"github.com/fablewood/resilience/services/recovery/connectivity"
	"github.com/fablewood/resilience/services/recovery/provider"
	"github.com/fablewood/resilience/services/recovery/retry"
	"github.com/fablewood/resilience/services/recovery/store"
)

// EngineConfig wires an Engine's collaborators. Provider is required;
// everything else has a usable default.
type EngineConfig struct {
	// Provider is the authoritative auth backend.
	Provider provider.AuthProvider

	// Backups are the local tiers of the recovery chain, in trust order.
	// StandardBackups builds the canonical three.
	Backups []Backup

	// Guest enables guest mode when every strategy fails. Nil disables
	// the fallback regardless of Options.FallbackToGuest.
	Guest GuestFallback

	// Checker reports connectivity. Nil gets a live HTTP prober.
	Checker connectivity.Checker

	// Classifier records every recovery failure into the error history.
	// Nil gets a classifier without an event publisher.
	Classifier *classify.Classifier

	// Tokens caches the active token pair in locked memory. Nil attempts
	// to build one; if secure memory is unavailable the engine runs
	// without a cache.
	Tokens *provider.TokenCache

	// RefreshRetry overrides the token refresh schedule. Zero MaxAttempts
	// means the default three attempts at 1s, 2s.
	RefreshRetry retry.Config

	// Logger for recovery lifecycle events.
	Logger *logging.Logger
}

// Engine restores, refreshes, persists, and clears the authentication
// session.
//
// # Description
//
// AttemptRecovery walks the strategy chain: the live provider first, then
// each backup tier in trust order. The first source yielding a session
// that survives integrity validation wins; the winning session is adopted
// as current, its tokens cached, and a verbatim copy fanned back out to
// every backup tier so colder strategies stay warm.
//
// An unexpired but incomplete session inside the refresh window is rescued
// by a token refresh rather than discarded. An expired session is never
// refreshed; the provider already considers it closed.
//
// # Examples
//
//	engine, err := session.NewEngine(session.EngineConfig{
//	    Provider: prov,
//	    Backups:  session.StandardBackups(local, mem, db),
//	    Guest:    offlineMgr,
//	})
//	if err != nil {
//	    return err
//	}
//	result := engine.AttemptRecovery(ctx, session.DefaultOptions())
//
// # Limitations
//
//   - Only one recovery runs at a time. A concurrent call returns an
//     unsuccessful result immediately instead of queuing.
//
// # Thread Safety
//
// Safe for concurrent use.
type Engine struct {
	provider     provider.AuthProvider
	backups      []Backup
	stores       *store.Replicated
	guest        GuestFallback
	checker      connectivity.Checker
	classifier   *classify.Classifier
	tokens       *provider.TokenCache
	refreshRetry retry.Config
	logger       *logging.Logger

	inFlight atomic.Bool

	mu      sync.RWMutex
	current *auth.Session

	now func() time.Time
}

// NewEngine builds a recovery engine from the config. Provider is the only
// required field.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Provider == nil {
		return nil, errors.New("session: provider is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	recoveryLog := logger.For(logging.CategoryRecovery)

	checker := cfg.Checker
	if checker == nil {
		checker = connectivity.NewDefaultChecker(connectivity.DefaultCheckerConfig())
	}

	classifier := cfg.Classifier
	if classifier == nil {
		classifier = classify.NewClassifier(checker, nil, logger)
	}

	tokens := cfg.Tokens
	if tokens == nil {
		cache, err := provider.NewTokenCache()
		if err != nil {
			// Token caching is an optimization; recovery works without it.
			recoveryLog.Warn("token cache unavailable, tokens stay uncached",
				"error", err.Error(),
			)
		} else {
			tokens = cache
		}
	}

	backends := make([]store.Store, 0, len(cfg.Backups))
	for _, b := range cfg.Backups {
		backends = append(backends, b.Store)
	}

	refreshRetry := cfg.RefreshRetry
	if refreshRetry.MaxAttempts == 0 {
		refreshRetry = retry.DefaultConfig()
	}
	if refreshRetry.Retryable == nil {
		refreshRetry.Retryable = refreshRetryable
	}

	return &Engine{
		provider:     cfg.Provider,
		backups:      cfg.Backups,
		stores:       store.NewReplicated(logger, backends...),
		guest:        cfg.Guest,
		checker:      checker,
		classifier:   classifier,
		tokens:       tokens,
		refreshRetry: refreshRetry,
		logger:       recoveryLog,
		now:          time.Now,
	}, nil
}

// refreshRetryable decides whether a failed refresh attempt is worth
// repeating. A 4xx answer means the token itself is dead; hammering the
// endpoint will not revive it. Rate limiting, 5xx, and transport failures
// are transient.
func refreshRetryable(err error) bool {
	if apiErr, ok := provider.AsAPIError(err); ok {
		return apiErr.Status == http.StatusTooManyRequests ||
			apiErr.Status >= http.StatusInternalServerError
	}
	return true
}

// AttemptRecovery restores a session by walking the strategy chain.
//
// # Description
//
// Runs the chain up to Options.MaxRetries times, waiting
// RetryDelay * 2^(pass-1) between passes. When the connectivity checker
// reports offline after a failed pass, the remaining retries are skipped;
// a dead network fails the same way every time, so the engine proceeds
// directly to the guest fallback.
//
// Recovery never returns a Go error. Total failure is still a Result,
// either a successful guest-mode one or an unsuccessful one with
// user-presentable copy.
//
// # Inputs
//
//   - ctx: Cancels waits between passes and all provider calls.
//   - opts: Per-call behavior. Use DefaultOptions for the standard run.
//
// # Outputs
//
//   - auth.Result: The outcome. Check Success and Mode, never just one.
//
// # Thread Safety
//
// Safe for concurrent use; only one call makes progress at a time.
func (e *Engine) AttemptRecovery(ctx context.Context, opts Options) auth.Result {
	if !e.inFlight.CompareAndSwap(false, true) {
		return auth.Failure("recovery already in progress")
	}
	defer e.inFlight.Store(false)

	opts = opts.withDefaults()

	ctx, span := startRecoverySpan(ctx, opts.EnableRetry)
	defer span.End()
	start := e.now()

	e.logger.Info("session recovery started",
		"retry", opts.EnableRetry,
		"max_retries", opts.MaxRetries,
		"backups", len(e.backups),
	)

	passes := 1
	if opts.EnableRetry && opts.MaxRetries > 1 {
		passes = opts.MaxRetries
	}

	for pass := 1; pass <= passes; pass++ {
		if res, ok := e.runChain(ctx, opts); ok {
			e.logger.Info("session recovered",
				"method", res.RecoveryMethod,
				"pass", pass,
				"user_id", res.Session.UserID,
			)
			setRecoverySpanResult(span, res.RecoveryMethod, true, pass)
			recordRecoveryMetrics(ctx, e.now().Sub(start), res.RecoveryMethod, true)
			return res
		}

		if pass == passes {
			break
		}
		if !e.checker.Online(ctx) {
			// Retrying against a dead network wastes the user's time.
			e.logger.Info("device offline, skipping remaining recovery retries",
				"pass", pass,
			)
			break
		}

		wait := opts.RetryDelay << (pass - 1)
		e.logger.Debug("recovery pass failed, backing off",
			"pass", pass,
			"wait", wait.String(),
		)
		select {
		case <-ctx.Done():
			telemetry.RecordError(span, ctx.Err())
			recordRecoveryMetrics(ctx, e.now().Sub(start), "none", false)
			return auth.Failure("session recovery cancelled")
		case <-time.After(wait):
		}
	}

	if opts.FallbackToGuest && e.guest != nil {
		res := e.guest.EnableGuestMode(ctx)
		if res.RecoveryMethod == "" {
			res.RecoveryMethod = MethodGuestMode
		}
		e.logger.Info("recovery exhausted, fell back to guest mode",
			"success", res.Success,
		)
		setRecoverySpanResult(span, res.RecoveryMethod, res.Success, passes)
		recordRecoveryMetrics(ctx, e.now().Sub(start), res.RecoveryMethod, res.Success)
		return res
	}

	e.logger.Warn("session recovery failed with guest fallback disabled")
	setRecoverySpanResult(span, "none", false, passes)
	recordRecoveryMetrics(ctx, e.now().Sub(start), "none", false)
	return auth.Failure("We couldn't restore your session. Please sign in again.")
}

// strategy is one source in the recovery chain. run returns (nil, nil)
// when the source simply has no session.
type strategy struct {
	name string
	run  func(ctx context.Context) (*auth.Session, error)
}

func (e *Engine) strategies() []strategy {
	chain := make([]strategy, 0, len(e.backups)+1)
	chain = append(chain, strategy{
		name: MethodProviderSession,
		run:  e.provider.GetSession,
	})
	for _, b := range e.backups {
		chain = append(chain, strategy{
			name: b.Name,
			run: func(ctx context.Context) (*auth.Session, error) {
				var s auth.Session
				err := store.GetJSON(ctx, b.Store, SessionKey, &s)
				if store.IsNotFound(err) {
					return nil, nil
				}
				if err != nil {
					return nil, err
				}
				return &s, nil
			},
		})
	}
	return chain
}

// runChain executes one pass over the strategy chain. First success wins;
// each strategy's failure is classified and logged, never propagated, so a
// broken tier cannot block a healthy colder one.
func (e *Engine) runChain(ctx context.Context, opts Options) (auth.Result, bool) {
	for _, st := range e.strategies() {
		s, err := st.run(ctx)
		if err != nil {
			authErr := e.classifier.Classify(ctx, err, "session_recovery")
			e.logger.Warn("recovery strategy failed",
				"strategy", st.name,
				"category", string(authErr.Type),
			)
			continue
		}
		if s == nil {
			e.logger.Debug("recovery strategy had no session", "strategy", st.name)
			continue
		}
		if res, ok := e.vet(ctx, s, st.name, opts); ok {
			return res, true
		}
	}
	return auth.Result{}, false
}

// vet decides whether a recovered session can be trusted.
//
// A complete, unexpired session is adopted as-is. An incomplete session
// that is unexpired and inside the refresh window is rescued by a token
// refresh when possible. An expired session always fails its strategy;
// refreshing it would resurrect a session the provider already closed.
func (e *Engine) vet(ctx context.Context, s *auth.Session, method string, opts Options) (auth.Result, bool) {
	if !opts.ValidateIntegrity {
		return e.adopt(ctx, s, method), true
	}

	v := auth.Validate(s, e.now())
	switch {
	case v.IsValid:
		if v.NeedsRefresh {
			e.logger.Info("recovered session close to expiry",
				"strategy", method,
				"expires_in", v.ExpiresIn.String(),
			)
		}
		return e.adopt(ctx, s, method), true

	case v.NeedsRefresh:
		refreshed, err := e.refreshWithRetry(ctx, s.RefreshToken)
		if err != nil {
			e.logger.Warn("in-window refresh failed",
				"strategy", method,
				"error", err.Error(),
			)
			return auth.Result{}, false
		}
		e.logger.Info("incomplete session rescued by refresh", "strategy", method)
		return e.adopt(ctx, refreshed, method), true

	case v.IsExpired:
		e.logger.Info("recovered session expired",
			"strategy", method,
			"expired_for", (-v.ExpiresIn).String(),
		)
		return auth.Result{}, false

	default:
		e.logger.Warn("recovered session failed integrity",
			"strategy", method,
			"missing", strings.Join(v.MissingFields, ","),
		)
		return auth.Result{}, false
	}
}

// adopt makes s the current session, caches its tokens, and fans a copy
// out to every backup tier.
func (e *Engine) adopt(ctx context.Context, s *auth.Session, method string) auth.Result {
	e.mu.Lock()
	e.current = s
	e.mu.Unlock()

	if e.tokens != nil {
		if err := e.tokens.Store(s.AccessToken, s.RefreshToken); err != nil {
			e.logger.Warn("token cache rejected session tokens", "error", err.Error())
		}
	}

	if err := e.persist(ctx, s); err != nil {
		// The session still works from memory; the next successful write
		// repairs the backups.
		e.logger.Warn("session not persisted to any backend", "error", err.Error())
	}

	return auth.Result{
		Success:        true,
		Mode:           auth.ModeFull,
		Session:        s,
		RecoveryMethod: method,
	}
}

func (e *Engine) persist(ctx context.Context, s *auth.Session) error {
	if len(e.backups) == 0 {
		return nil
	}
	return store.SetJSON(ctx, e.stores, SessionKey, s)
}

// RefreshSession exchanges the current refresh token for a new session,
// adopts it, and fans it out to the backup tiers.
func (e *Engine) RefreshSession(ctx context.Context) (*auth.Session, error) {
	ctx, span := tracer.Start(ctx, "Engine.RefreshSession")
	defer span.End()

	token := e.refreshToken()
	if token == "" {
		telemetry.RecordError(span, ErrNoRefreshToken)
		return nil, ErrNoRefreshToken
	}

	refreshed, err := e.refreshWithRetry(ctx, token)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	e.adopt(ctx, refreshed, MethodTokenRefresh)
	e.logger.Info("session refreshed", "user_id", refreshed.UserID)
	return refreshed, nil
}

// refreshToken returns the best available refresh token: the current
// session's, or the cached one.
func (e *Engine) refreshToken() string {
	e.mu.RLock()
	cur := e.current
	e.mu.RUnlock()

	if cur != nil && cur.RefreshToken != "" {
		return cur.RefreshToken
	}
	if e.tokens != nil {
		if t, ok := e.tokens.RefreshToken(); ok {
			return t
		}
	}
	return ""
}

// refreshWithRetry calls the provider refresh endpoint under the engine's
// retry schedule. It does not adopt the result; callers decide that.
func (e *Engine) refreshWithRetry(ctx context.Context, refreshToken string) (*auth.Session, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	var refreshed *auth.Session
	res, err := retry.Retry(ctx, e.refreshRetry, func(ctx context.Context, attempt int) error {
		s, err := e.provider.RefreshSession(ctx, refreshToken)
		if err != nil {
			return err
		}
		if s == nil {
			return errors.New("session: provider refresh returned no session")
		}
		refreshed = s
		return nil
	})
	recordRefreshMetrics(ctx, res.Attempts, err == nil)
	if err != nil {
		e.classifier.Classify(ctx, err, "token_refresh")
		return nil, err
	}
	return refreshed, nil
}

// PersistSession adopts s as current and fans it out to every backup
// tier. Called on login and after an external refresh.
func (e *Engine) PersistSession(ctx context.Context, s *auth.Session) error {
	if s == nil {
		return errors.New("session: cannot persist nil session")
	}

	e.mu.Lock()
	e.current = s
	e.mu.Unlock()

	if e.tokens != nil {
		if err := e.tokens.Store(s.AccessToken, s.RefreshToken); err != nil {
			e.logger.Warn("token cache rejected session tokens", "error", err.Error())
		}
	}

	return e.persist(ctx, s)
}

// CurrentSession returns the adopted session, or nil when none is active.
// Callers must treat the returned session as read-only.
func (e *Engine) CurrentSession() *auth.Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// ClearSession signs out: provider sign-out (best effort), session removed
// from every backup tier, token cache wiped.
func (e *Engine) ClearSession(ctx context.Context) error {
	if err := e.provider.SignOut(ctx); err != nil {
		e.logger.Warn("provider sign-out failed", "error", err.Error())
	}

	e.mu.Lock()
	e.current = nil
	e.mu.Unlock()

	if e.tokens != nil {
		e.tokens.Clear()
	}

	if len(e.backups) > 0 {
		if err := e.stores.Delete(ctx, SessionKey); err != nil && !store.IsNotFound(err) {
			return err
		}
	}
	e.logger.Info("session cleared")
	return nil
}
