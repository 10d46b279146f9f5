// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/fablewood/resilience/cmd/resilience/config"
	"github.com/fablewood/resilience/pkg/logging"
	"github.com/fablewood/resilience/services/recovery"
	"github.com/fablewood/resilience/services/recovery/bridge"
	"github.com/fablewood/resilience/services/recovery/classify"
	"github.com/fablewood/resilience/services/recovery/connectivity"
	"github.com/fablewood/resilience/services/recovery/events"
	"github.com/fablewood/resilience/services/recovery/offline"
	"github.com/fablewood/resilience/services/recovery/provider"
	"github.com/fablewood/resilience/services/recovery/retry"
	"github.com/fablewood/resilience/services/recovery/session"
	"github.com/fablewood/resilience/services/recovery/store"
)

// loadDaemonConfig resolves the config source: an explicit --config path,
// or the singleton file under ~/.fablewood.
func loadDaemonConfig(override string) (*config.Config, string, error) {
	if override != "" {
		cfg, err := config.LoadFrom(override)
		return cfg, override, err
	}
	if err := config.Load(); err != nil {
		return nil, "", err
	}
	path, err := config.Path()
	if err != nil {
		return nil, "", err
	}
	return &config.Global, path, nil
}

// buildLogger constructs the process logger from the logging section. The
// logger's history doubles as the diagnostics log export.
func buildLogger(cfg *config.Config) *logging.Logger {
	return logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: cfg.Service.Name,
		JSON:    cfg.Logging.JSON,
		History: logging.NewHistory(cfg.Logging.HistorySize),
	})
}

// buildSystem assembles the recovery core from config. The returned cleanup
// closes every store backend; call it after System.Shutdown.
func buildSystem(cfg *config.Config, logger *logging.Logger) (*recovery.System, func(), error) {
	stores, queue, backups, cleanup, err := buildStores(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	checkerCfg := connectivity.DefaultCheckerConfig()
	if cfg.Health.ProbeURL != "" {
		checkerCfg.ProbeURL = cfg.Health.ProbeURL
	}
	if cfg.Health.ProbeTimeout > 0 {
		checkerCfg.Timeout = cfg.Health.ProbeTimeout.Std()
	}
	checkerCfg.Logger = logger
	checker := connectivity.NewDefaultChecker(checkerCfg)

	bridgeCfg := bridge.DefaultHTTPClientConfig()
	if cfg.Service.BridgeURL != "" {
		bridgeCfg.BaseURL = cfg.Service.BridgeURL
	}
	bridgeCfg.Logger = logger
	bridgeClient := bridge.NewHTTPClient(bridgeCfg)

	// One bus and one classifier shared by the engine, the offline
	// manager, and the system, so every failure lands in the same
	// history and every transition on the same feed.
	bus := events.NewBus(events.WithLogger(logger.Slog()))
	classifier := classify.NewClassifier(checker, bus, logger)

	providerCfg := provider.DefaultHTTPConfig(cfg.Provider.BaseURL)
	providerCfg.APIKey = cfg.Provider.APIKey
	if cfg.Provider.Timeout > 0 {
		providerCfg.Timeout = cfg.Provider.Timeout.Std()
	}
	if cfg.Provider.RateLimit > 0 {
		providerCfg.RateLimit = rate.Limit(cfg.Provider.RateLimit)
	}
	if cfg.Provider.RateBurst > 0 {
		providerCfg.RateBurst = cfg.Provider.RateBurst
	}
	providerCfg.Logger = logger
	authProvider := provider.NewHTTPProvider(providerCfg)

	manager, err := offline.NewManager(offline.ManagerConfig{
		Stores:   stores,
		Queue:    queue,
		Checker:  checker,
		Executor: newSyncExecutor(cfg),
		Bus:      bus,
		Logger:   logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("build offline manager: %w", err)
	}

	refreshRetry := retry.DefaultConfig()
	if cfg.Recovery.MaxRefreshAttempts > 0 {
		refreshRetry.MaxAttempts = cfg.Recovery.MaxRefreshAttempts
	}

	engineCfg := session.EngineConfig{
		Provider:     authProvider,
		Backups:      backups,
		Checker:      checker,
		Classifier:   classifier,
		RefreshRetry: refreshRetry,
		Logger:       logger,
	}
	if cfg.Recovery.GuestFallback() {
		engineCfg.Guest = manager
	}
	engine, err := session.NewEngine(engineCfg)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("build session engine: %w", err)
	}

	sysCfg := recovery.SystemConfig{
		Bridge:            bridgeClient,
		Engine:            engine,
		Classifier:        classifier,
		Checker:           checker,
		Stores:            stores,
		Bus:               bus,
		History:           logger.History(),
		DiagnosticsDir:    cfg.Recovery.DiagnosticsDir,
		WatchdogTimeout:   cfg.Recovery.WatchdogTimeout.Std(),
		RateLimitCooldown: cfg.Recovery.RateLimitCooldown.Std(),
		HealthInterval:    cfg.Health.Interval.Std(),
		Logger:            logger,
	}
	if cfg.Offline.IsEnabled() {
		sysCfg.Offline = manager
	}

	return recovery.NewSystem(sysCfg), cleanup, nil
}

// buildStores opens the three storage tiers (file, memory, badger) plus
// the replicated view over them. The returned cleanup closes every
// backend.
func buildStores(cfg *config.Config, logger *logging.Logger) (*store.Replicated, offline.KeyLister, []session.Backup, func(), error) {
	memory := store.NewMemoryStore()

	var badgerCfg store.BadgerConfig
	if cfg.Stores.InMemory {
		badgerCfg = store.InMemoryBadgerConfig()
	} else {
		badgerCfg = store.DefaultBadgerConfig()
		badgerCfg.Path = cfg.Stores.BadgerDir
		badgerCfg.SyncWrites = cfg.Stores.SyncWritesEnabled()
		badgerCfg.GCInterval = cfg.Stores.GCInterval.Std()
	}
	badgerCfg.Logger = logger

	db, err := store.OpenBadger(badgerCfg)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open badger store: %w", err)
	}

	var local store.Store
	if cfg.Stores.InMemory {
		local = store.NewMemoryStore()
	} else {
		fs, err := store.NewFileStore(cfg.Stores.FileDir)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, nil, fmt.Errorf("open file store: %w", err)
		}
		local = fs
	}

	replicated := store.NewReplicated(logger, local, memory, db)
	backups := session.StandardBackups(local, memory, db)
	cleanup := func() {
		if err := replicated.Close(); err != nil {
			logger.Warn("store close failed", "error", err.Error())
		}
	}
	return replicated, db, backups, cleanup, nil
}

// newSyncExecutor replays queued offline operations against the sync
// endpoint. The receiving side treats operation IDs as idempotency keys.
func newSyncExecutor(cfg *config.Config) offline.SyncExecutor {
	client := &http.Client{Timeout: cfg.Provider.Timeout.Std()}
	endpoint := cfg.Offline.SyncEndpoint
	apiKey := cfg.Provider.APIKey

	return offline.SyncExecutorFunc(func(ctx context.Context, op offline.Operation) error {
		body, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("encode operation %s: %w", op.ID, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if apiKey != "" {
			req.Header.Set("apikey", apiKey)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("sync endpoint returned %s for operation %s", resp.Status, op.ID)
		}
		return nil
	})
}
