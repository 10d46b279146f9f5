// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package offline keeps the app usable without a network: guest mode as
// the universal floor, a bounded offline identity snapshot for known
// users, and a persisted queue of deferred operations drained when
// connectivity returns.
package offline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fablewood/resilience/pkg/logging"
	"github.com/fablewood/resilience/services/recovery/auth"
	"github.com/fablewood/resilience/services/recovery/connectivity"
	"github.com/fablewood/resilience/services/recovery/events"
	"github.com/fablewood/resilience/services/recovery/store"
)

// Storage keys for the replicated store.
const (
	// GuestKey holds the active guest session.
	GuestKey = "guest-session"

	// OfflineKey holds the offline identity snapshot.
	OfflineKey = "offline-auth"
)

// Sentinel errors for the offline package.
var (
	// ErrOffline is returned when synchronization is requested while the
	// device has no connectivity.
	ErrOffline = errors.New("offline: device is offline")

	// ErrNoExecutor is returned when no SyncExecutor was configured.
	ErrNoExecutor = errors.New("offline: no sync executor configured")

	// ErrNoQueue is returned when queue operations run without a queue
	// store.
	ErrNoQueue = errors.New("offline: no queue store configured")

	// ErrSyncInProgress is returned when a drain is already running.
	ErrSyncInProgress = errors.New("offline: synchronization already in progress")

	// ErrWorkerRunning is returned by StartSyncWorker when the worker is
	// already up.
	ErrWorkerRunning = errors.New("offline: sync worker already running")
)

// KeyLister is a store that can enumerate keys by prefix. The sync queue
// needs it; BadgerStore provides it.
type KeyLister interface {
	store.Store
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// ManagerConfig wires a Manager's collaborators. Stores is required.
type ManagerConfig struct {
	// Stores is the replicated store holding guest sessions and offline
	// snapshots.
	Stores *store.Replicated

	// Queue persists deferred operations across restarts. Nil disables
	// queueing; QueueForSync then fails explicitly.
	Queue KeyLister

	// Checker reports connectivity. Nil gets a live HTTP prober.
	Checker connectivity.Checker

	// Executor replays queued operations against the real backend once
	// online. Nil makes SynchronizeWhenOnline fail explicitly.
	Executor SyncExecutor

	// Bus receives sync_worker lifecycle transitions. Optional.
	Bus events.Publisher

	// Logger for offline lifecycle events.
	Logger *logging.Logger
}

// Manager owns guest mode, offline identity, and deferred synchronization.
//
// # Description
//
// Guest mode is the floor the app degrades to when nothing else works, so
// EnableGuestMode never fails: persistence problems are logged and the
// session is served from memory. The offline snapshot has a hard 7-day
// window that offline use never extends. Queued operations survive
// restarts and are drained at-least-once; the receiving side must be
// idempotent.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	stores   *store.Replicated
	queue    KeyLister
	checker  connectivity.Checker
	executor SyncExecutor
	bus      events.Publisher
	logger   *logging.Logger

	syncing  atomic.Bool
	workerUp atomic.Bool

	workerMu sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}

	now func() time.Time
}

// NewManager builds an offline manager from the config.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Stores == nil {
		return nil, errors.New("offline: stores are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	checker := cfg.Checker
	if checker == nil {
		checker = connectivity.NewDefaultChecker(connectivity.DefaultCheckerConfig())
	}

	return &Manager{
		stores:   cfg.Stores,
		queue:    cfg.Queue,
		checker:  checker,
		executor: cfg.Executor,
		bus:      cfg.Bus,
		logger:   logger.For(logging.CategorySync),
		now:      time.Now,
	}, nil
}

// EnableGuestMode activates a fresh guest session.
//
// # Description
//
// Always succeeds. Each activation mints a new session ID with the same
// fixed capability policy; re-enabling replaces any previous guest session
// rather than erroring. The session is persisted best-effort so a reload
// stays in guest mode, but persistence failure does not block activation.
//
// # Outputs
//
//   - auth.Result: Success true, Mode guest, RecoveryMethod "guest-mode".
func (m *Manager) EnableGuestMode(ctx context.Context) auth.Result {
	gs := auth.NewGuestSession(m.now())

	if err := store.SetJSON(ctx, m.stores, GuestKey, gs); err != nil {
		m.logger.Warn("guest session not persisted, serving from memory",
			"error", err.Error(),
		)
	}

	m.logger.Info("guest mode enabled", "session_id", gs.SessionID)
	return auth.GuestResult(gs)
}

// SetupOfflineAuth snapshots the signed-in identity for offline use.
//
// Returns true when at least one backend stored the snapshot. Call on
// every successful login so the 7-day window restarts.
func (m *Manager) SetupOfflineAuth(ctx context.Context, userID, email, name string) bool {
	if userID == "" || email == "" {
		m.logger.Warn("offline auth setup skipped, identity incomplete")
		return false
	}

	data := auth.NewOfflineData(userID, email, name, m.now())
	if err := store.SetJSON(ctx, m.stores, OfflineKey, data); err != nil {
		m.logger.Warn("offline auth snapshot not stored",
			"user_id", userID,
			"error", err.Error(),
		)
		return false
	}

	m.logger.Info("offline auth snapshot stored",
		"user_id", userID,
		"expires_at", data.ExpiresAt.Format(time.RFC3339),
	)
	return true
}

// RecoverOfflineAuth restores offline mode from the stored snapshot.
//
// An expired snapshot is purged from every backend and reported as
// failure; the window is never extended by use.
func (m *Manager) RecoverOfflineAuth(ctx context.Context) auth.Result {
	var data auth.OfflineData
	err := store.GetJSON(ctx, m.stores, OfflineKey, &data)
	if store.IsNotFound(err) {
		return auth.Failure("No offline account data on this device.")
	}
	if err != nil {
		m.logger.Warn("offline auth snapshot unreadable", "error", err.Error())
		return auth.Failure("Offline account data could not be read.")
	}

	if data.Expired(m.now()) {
		if derr := m.stores.Delete(ctx, OfflineKey); derr != nil {
			m.logger.Warn("expired offline snapshot not purged", "error", derr.Error())
		}
		m.logger.Info("offline auth snapshot expired, purged", "user_id", data.UserID)
		return auth.Failure("Offline access has expired. Please sign in when you're back online.")
	}

	m.logger.Info("offline auth recovered", "user_id", data.UserID)
	return auth.Result{
		Success:        true,
		Mode:           auth.ModeOffline,
		RecoveryMethod: "offline-auth-recovery",
	}
}

// OfflineSnapshot returns the stored offline identity, or nil when none
// exists. Expiry is not checked here; RecoverOfflineAuth owns that.
func (m *Manager) OfflineSnapshot(ctx context.Context) (*auth.OfflineData, error) {
	var data auth.OfflineData
	err := store.GetJSON(ctx, m.stores, OfflineKey, &data)
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &data, nil
}
