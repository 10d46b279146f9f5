// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package recovery integrates the resilience subsystem: environment
// detection, container bridge, session recovery, offline mode, failure
// classification, health monitoring, and emergency diagnostics, wired
// together behind one System with a single initialization entry point.
//
// The System never owns application startup; it supervises it through a
// startup.Delegate and steps in when the delegate, the container, or the
// session layer degrades.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fablewood/resilience/pkg/logging"
	"github.com/fablewood/resilience/services/recovery/bridge"
	"github.com/fablewood/resilience/services/recovery/classify"
	"github.com/fablewood/resilience/services/recovery/connectivity"
	"github.com/fablewood/resilience/services/recovery/diagnostics"
	"github.com/fablewood/resilience/services/recovery/envdetect"
	"github.com/fablewood/resilience/services/recovery/events"
	"github.com/fablewood/resilience/services/recovery/health"
	"github.com/fablewood/resilience/services/recovery/offline"
	"github.com/fablewood/resilience/services/recovery/session"
	"github.com/fablewood/resilience/services/recovery/startup"
	"github.com/fablewood/resilience/services/recovery/store"
)

// Operating modes the system can land in after initialization. The first
// four mirror the startup delegate's vocabulary; emergency is owned here.
const (
	ModeFull      = startup.ModeFull
	ModeLimited   = startup.ModeLimited
	ModeOffline   = startup.ModeOffline
	ModeRecovery  = startup.ModeRecovery
	ModeEmergency = "emergency"
)

// DefaultWatchdogTimeout is how long initialization may run before the
// watchdog forces emergency recovery.
const DefaultWatchdogTimeout = 5 * time.Second

// defaultRateLimitCooldown is the wait the delayed-retry strategy sits
// out before re-attempting a rate-limited operation.
const defaultRateLimitCooldown = 2 * time.Second

// Persisted degradation flags. Each holds a JSON Flag record; the web
// app reads them on next launch to decide which UI tier to boot into.
const (
	FlagEmergencyMode = "flag:emergency_mode"
	FlagSafeMode      = "flag:safe_mode"
	FlagGuestMode     = "flag:guest_mode"
)

// Flag is the persisted record behind a degradation flag key.
type Flag struct {
	// Active reports whether the flag is currently set.
	Active bool `json:"active"`

	// Reason explains what set the flag.
	Reason string `json:"reason,omitempty"`

	// SetAt is when the flag was last written.
	SetAt time.Time `json:"set_at"`
}

// SystemIntegrationResult is the outcome of InitializeSystem.
type SystemIntegrationResult struct {
	// Success is true when the app can run in the returned mode without
	// emergency intervention.
	Success bool `json:"success"`

	// Mode is the operating tier: full, limited, offline, recovery, or
	// emergency.
	Mode string `json:"mode"`

	// Errors collects what went wrong across all phases.
	Errors []string `json:"errors,omitempty"`

	// Timing is how long initialization took.
	Timing time.Duration `json:"timing"`

	// CompletedPhases lists the phases that finished, in order.
	CompletedPhases []string `json:"completed_phases,omitempty"`

	// FailedPhases lists the phases that did not.
	FailedPhases []string `json:"failed_phases,omitempty"`
}

// SystemConfig wires a System. Every dependency is optional; missing
// ones get working defaults or disable the feature they serve, so a
// partially wired System still initializes and reports honestly.
type SystemConfig struct {
	// Detector supplies environment detection. Nil builds one from the
	// default probe config and the configured bridge.
	Detector *envdetect.Detector

	// Bridge talks to the native wrapper shell. Nil means container
	// integration is skipped even in a wrapped environment.
	Bridge bridge.Client

	// Delegate performs the application's own startup. Nil gets
	// startup.NoopDelegate.
	Delegate startup.Delegate

	// Engine recovers authentication sessions. Nil disables the
	// authentication component and its recovery strategies.
	Engine *session.Engine

	// Offline manages guest mode and the sync queue. Nil disables the
	// sync_worker component and the offline strategies.
	Offline *offline.Manager

	// Classifier records and categorizes failures. Nil builds one from
	// the checker and bus.
	Classifier *classify.Classifier

	// Failures walks per-category strategy chains. Nil builds one from
	// the classifier.
	Failures *classify.Handler

	// Checker reports connectivity. Nil gets a live HTTP prober.
	Checker connectivity.Checker

	// Stores persists degradation flags. Nil skips flag persistence.
	Stores *store.Replicated

	// Bus is the event bus the system owns. Nil builds one.
	Bus *events.Bus

	// History is the log ring exported through the diagnostics surface.
	History *logging.History

	// DiagnosticsDir is where emergency report snapshots are kept. Empty
	// disables snapshot persistence.
	DiagnosticsDir string

	// WatchdogTimeout bounds initialization. Zero means
	// DefaultWatchdogTimeout.
	WatchdogTimeout time.Duration

	// RateLimitCooldown is the delayed-retry strategy's wait. Zero means
	// the default two seconds.
	RateLimitCooldown time.Duration

	// HealthInterval is the periodic monitor cadence. Zero means
	// health.DefaultInterval.
	HealthInterval time.Duration

	// Logger for system lifecycle events.
	Logger *logging.Logger
}

// System is the resilience integrator.
//
// # Description
//
// One System is constructed at process start with all collaborators and
// initialized once via InitializeSystem. After initialization it keeps
// the health monitor ticking, arms the failure handler's strategy chains,
// listens for recovery requests on the bus, and exposes the debug HTTP
// surface through Handlers.
//
// # Thread Safety
//
// Safe for concurrent use. Initialization, component recovery, and
// emergency recovery are each single-flight; concurrent duplicates are
// dropped with a logged warning.
type System struct {
	detector   *envdetect.Detector
	bridge     bridge.Client
	delegate   startup.Delegate
	engine     *session.Engine
	offline    *offline.Manager
	classifier *classify.Classifier
	failures   *classify.Handler
	checker    connectivity.Checker
	stores     *store.Replicated
	bus        *events.Bus
	monitor    *health.Monitor
	collector  *diagnostics.Collector
	diagStore  *diagnostics.Storage
	panics     *diagnostics.PanicHandler
	history    *logging.History
	logger     *logging.Logger

	watchdogTimeout   time.Duration
	rateLimitCooldown time.Duration

	// runCtx outlives any caller context; background goroutines (monitor
	// loop, sync worker, bus-triggered recovery) hang off it and die on
	// Shutdown.
	runCtx    context.Context
	runCancel context.CancelFunc

	mu       sync.RWMutex
	env      envdetect.Info
	envKnown bool
	mode     string
	lastInit *SystemIntegrationResult

	initializing atomic.Bool
	recovering   atomic.Bool
	inEmergency  atomic.Bool
	syncWanted   atomic.Bool
	armed        atomic.Bool

	// startupFailed latches a failed initialization or an emergency
	// transition. While set, the startup health check reports failed no
	// matter what the delegate's live health endpoint says; only a
	// successful re-initialization clears it.
	startupFailed atomic.Bool

	recoverySub string

	now func() time.Time
}

// NewSystem wires a System from the config. It never fails: missing
// dependencies degrade to defaults or disabled features.
func NewSystem(cfg SystemConfig) *System {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	sysLog := logger.For(logging.CategoryLifecycle)

	checker := cfg.Checker
	if checker == nil {
		checker = connectivity.NewDefaultChecker(connectivity.DefaultCheckerConfig())
	}

	bus := cfg.Bus
	if bus == nil {
		bus = events.NewBus(events.WithLogger(logger.Slog()))
	}

	detector := cfg.Detector
	if detector == nil {
		var metadata store.Store
		if cfg.Stores != nil {
			metadata = cfg.Stores
		}
		detector = envdetect.NewDetector(envdetect.DefaultConfig(), cfg.Bridge, metadata, logger)
	}

	classifier := cfg.Classifier
	if classifier == nil {
		classifier = classify.NewClassifier(checker, bus, logger)
	}

	failures := cfg.Failures
	if failures == nil {
		failures = classify.NewHandler(classifier, logger)
	}

	delegate := cfg.Delegate
	if delegate == nil {
		delegate = startup.NoopDelegate{}
	}

	watchdog := cfg.WatchdogTimeout
	if watchdog <= 0 {
		watchdog = DefaultWatchdogTimeout
	}

	cooldown := cfg.RateLimitCooldown
	if cooldown <= 0 {
		cooldown = defaultRateLimitCooldown
	}

	runCtx, runCancel := context.WithCancel(context.Background())

	s := &System{
		detector:          detector,
		bridge:            cfg.Bridge,
		delegate:          delegate,
		engine:            cfg.Engine,
		offline:           cfg.Offline,
		classifier:        classifier,
		failures:          failures,
		checker:           checker,
		stores:            cfg.Stores,
		bus:               bus,
		history:           cfg.History,
		logger:            sysLog,
		watchdogTimeout:   watchdog,
		rateLimitCooldown: cooldown,
		runCtx:            runCtx,
		runCancel:         runCancel,
		mode:              ModeFull,
		now:               time.Now,
	}

	s.monitor = health.NewMonitor(health.MonitorConfig{
		Checks:   s.componentChecks(),
		Interval: cfg.HealthInterval,
		Bus:      bus,
		Logger:   logger,
	})

	if cfg.DiagnosticsDir != "" {
		diagStore, err := diagnostics.NewStorage(cfg.DiagnosticsDir, diagnostics.DefaultKeep, logger)
		if err != nil {
			sysLog.Warn("diagnostics snapshots disabled", "error", err.Error())
		} else {
			s.diagStore = diagStore
		}
	}

	s.collector = diagnostics.NewCollector(diagnostics.CollectorConfig{
		Detector:     detector,
		Health:       func(ctx context.Context) health.Status { return s.monitor.Status() },
		Errors:       classifier.Summary,
		History:      cfg.History,
		Stores:       cfg.Stores,
		Checker:      checker,
		Bridge:       cfg.Bridge,
		SessionStart: time.Now(),
		Logger:       logger,
	})

	s.panics = diagnostics.NewPanicHandler(s.collector, s.diagStore, logger)
	s.panics.OnPanic = func(component string, value any) {
		s.TriggerEmergencyRecovery(s.runCtx, "panic in "+component)
	}

	return s
}

// InitializeSystem runs the full startup sequence: environment detection,
// conditional container integration, delegated core startup, health
// assessment, monitoring start, and recovery arming.
//
// # Description
//
// The sequence never aborts early; every phase runs and failures
// accumulate into the result so the caller always learns which tier the
// app can operate in. A watchdog forces emergency recovery if the
// sequence has not completed within the configured timeout.
//
// A concurrent call while initialization is in flight returns an
// unsuccessful result immediately instead of queuing.
func (s *System) InitializeSystem(ctx context.Context) SystemIntegrationResult {
	if !s.initializing.CompareAndSwap(false, true) {
		s.logger.Warn("initialization already in progress, dropping duplicate call")
		return SystemIntegrationResult{
			Success: false,
			Mode:    s.CurrentMode(),
			Errors:  []string{"initialization already in progress"},
		}
	}
	defer s.initializing.Store(false)

	ctx, span := startInitSpan(ctx)
	defer span.End()
	start := time.Now()

	watchdog := time.AfterFunc(s.watchdogTimeout, func() {
		s.logger.Critical("startup watchdog fired", "timeout", s.watchdogTimeout.String())
		s.TriggerEmergencyRecovery(s.runCtx, "startup watchdog timeout")
	})
	defer watchdog.Stop()

	res := SystemIntegrationResult{}

	// Phase 1: environment detection.
	env := s.detector.DetectAsync(ctx)
	s.mu.Lock()
	s.env = env
	s.envKnown = true
	s.mu.Unlock()
	res.CompletedPhases = append(res.CompletedPhases, "environment-detection")
	s.logger.Info("environment detected",
		"wrapped", env.IsWrappedContainer,
		"confidence", string(env.Confidence),
	)

	// Phase 2: container integration, only inside a wrapper.
	containerLimited := false
	if env.IsWrappedContainer {
		if err := s.initContainer(ctx); err != nil {
			containerLimited = true
			res.Errors = append(res.Errors, fmt.Sprintf("container: %v", err))
			res.FailedPhases = append(res.FailedPhases, "container-integration")
			s.monitor.SetComponentState(events.ComponentContainer, health.StateDegraded, err.Error())
			s.logger.Warn("container integration failed, continuing in limited mode", "error", err.Error())
		} else {
			res.CompletedPhases = append(res.CompletedPhases, "container-integration")
		}
	}

	// Phase 3: delegated core startup.
	startupFailed := false
	var delegateMode string
	delegateRes, err := s.delegate.Initialize(ctx)
	switch {
	case err != nil:
		startupFailed = true
		res.Errors = append(res.Errors, fmt.Sprintf("startup: %v", err))
		res.FailedPhases = append(res.FailedPhases, "core-startup")
		s.monitor.SetComponentState(events.ComponentStartup, health.StateFailed, err.Error())
	case delegateRes == nil:
		startupFailed = true
		res.Errors = append(res.Errors, "startup: delegate returned no result")
		res.FailedPhases = append(res.FailedPhases, "core-startup")
		s.monitor.SetComponentState(events.ComponentStartup, health.StateFailed, "delegate returned no result")
	default:
		delegateMode = delegateRes.Mode
		res.Errors = append(res.Errors, delegateRes.Errors...)
		res.CompletedPhases = append(res.CompletedPhases, delegateRes.CompletedPhases...)
		res.FailedPhases = append(res.FailedPhases, delegateRes.FailedPhases...)
		if !delegateRes.Success {
			startupFailed = true
			res.FailedPhases = append(res.FailedPhases, "core-startup")
			s.monitor.SetComponentState(events.ComponentStartup, health.StateFailed, "delegate reported failed startup")
		} else {
			res.CompletedPhases = append(res.CompletedPhases, "core-startup")
			s.monitor.SetComponentState(events.ComponentStartup, health.StateHealthy, "startup completed")
		}
	}
	s.startupFailed.Store(startupFailed)

	// Phase 4: sync worker, when the offline manager is fully wired.
	if s.offline != nil {
		switch err := s.offline.StartSyncWorker(s.runCtx); {
		case err == nil:
			s.syncWanted.Store(true)
			res.CompletedPhases = append(res.CompletedPhases, "sync-worker")
		case errors.Is(err, offline.ErrNoQueue), errors.Is(err, offline.ErrNoExecutor):
			s.logger.Debug("sync worker not started", "reason", err.Error())
		case errors.Is(err, offline.ErrWorkerRunning):
			s.syncWanted.Store(true)
		default:
			res.Errors = append(res.Errors, fmt.Sprintf("sync worker: %v", err))
			res.FailedPhases = append(res.FailedPhases, "sync-worker")
		}
	}

	// Phase 5: health assessment and monitoring start.
	if env.IsWrappedContainer {
		s.monitor.SetInterval(health.WrappedInterval)
	}
	status := s.monitor.CheckNow(ctx)
	if err := s.monitor.Start(s.runCtx); err != nil && !errors.Is(err, health.ErrAlreadyRunning) {
		res.Errors = append(res.Errors, fmt.Sprintf("health monitor: %v", err))
		res.FailedPhases = append(res.FailedPhases, "health-monitoring")
	} else {
		res.CompletedPhases = append(res.CompletedPhases, "health-monitoring")
	}

	// Phase 6: recovery arming.
	s.armRecovery()
	res.CompletedPhases = append(res.CompletedPhases, "recovery-arming")

	res.Mode = s.deriveMode(res.Errors, startupFailed, delegateMode, containerLimited, ctx)
	res.Success = res.Mode != ModeEmergency
	res.Timing = time.Since(start)

	watchdog.Stop()

	s.mu.Lock()
	s.mode = res.Mode
	snapshot := res
	s.lastInit = &snapshot
	s.mu.Unlock()

	setInitSpanResult(span, res.Mode, res.Success, len(res.Errors))
	recordInitMetrics(ctx, res.Mode, res.Timing)

	s.logger.Info("system initialization complete",
		"mode", res.Mode,
		"success", res.Success,
		"errors", len(res.Errors),
		"overall_health", string(status.Overall),
		"timing", res.Timing.String(),
	)

	if res.Mode == ModeEmergency {
		s.TriggerEmergencyRecovery(ctx, "startup failure")
	} else if res.Mode == ModeFull {
		s.clearFlag(ctx, FlagEmergencyMode)
		s.clearFlag(ctx, FlagSafeMode)
	}

	return res
}

// deriveMode ranks the accumulated evidence into one operating tier.
func (s *System) deriveMode(errs []string, startupFailed bool, delegateMode string, containerLimited bool, ctx context.Context) string {
	switch {
	case startupFailed || len(errs) > 2:
		return ModeEmergency
	case delegateMode == startup.ModeRecovery:
		return ModeRecovery
	case delegateMode == startup.ModeOffline, !s.checker.Online(ctx):
		return ModeOffline
	case delegateMode == startup.ModeLimited || containerLimited:
		return ModeLimited
	default:
		return ModeFull
	}
}

/// initContainer verifies the wrapper bridge end to end: reachable, and
// able to answer the platform call.
func (s *System) initContainer(ctx context.Context) error {
	if s.bridge == nil {
		return errors.New("no bridge client configured")
	}
	if !s.bridge.Available(ctx) {
		return errors.New("wrapper bridge not reachable")
	}
	platform, err := s.bridge.Platform(ctx)
	if err != nil {
		return fmt.Errorf("bridge platform call failed: %w", err)
	}
	s.monitor.SetComponentState(events.ComponentContainer, health.StateHealthy, "bridge verified")
	s.logger.Info("container bridge verified",
		"platform", platform.Platform,
		"app_version", platform.AppVersion,
	)
	return nil
}

// componentChecks builds the monitor's check table. Components whose
// collaborator is absent are left out entirely rather than registered as
// permanently not_applicable.
func (s *System) componentChecks() map[string]health.CheckFunc {
	checks := map[string]health.CheckFunc{
		events.ComponentStartup: s.checkStartup,
	}
	if s.bridge != nil {
		checks[events.ComponentContainer] = s.checkContainer
	}
	if s.offline != nil {
		checks[events.ComponentSyncWorker] = s.checkSyncWorker
	}
	if s.engine != nil {
		checks[events.ComponentAuthentication] = s.checkAuthentication
	}
	return checks
}

func (s *System) checkStartup(ctx context.Context) health.State {
	// A latched startup failure outranks the delegate's live answer: a
	// health endpoint that happens to respond does not un-fail an
	// initialization that never completed.
	if s.startupFailed.Load() {
		return health.StateFailed
	}
	status, err := s.delegate.HealthStatus(ctx)
	if err != nil {
		return health.StateFailed
	}
	switch status {
	case "healthy":
		return health.StateHealthy
	case "degraded":
		return health.StateDegraded
	case "failed":
		return health.StateFailed
	default:
		return health.StateDegraded
	}
}

func (s *System) checkContainer(ctx context.Context) health.State {
	if !s.Environment().IsWrappedContainer {
		return health.StateNotApplicable
	}
	if s.bridge.Available(ctx) {
		return health.StateHealthy
	}
	return health.StateFailed
}

func (s *System) checkSyncWorker(ctx context.Context) health.State {
	if !s.syncWanted.Load() {
		return health.StateNotApplicable
	}
	if s.offline.SyncWorkerRunning() {
		return health.StateHealthy
	}
	return health.StateFailed
}

func (s *System) checkAuthentication(ctx context.Context) health.State {
	sess := s.engine.CurrentSession()
	if sess == nil {
		// Signed out or guest; not a failure.
		return health.StateNotApplicable
	}
	if sess.ExpiresIn(s.now()) <= 0 {
		return health.StateDegraded
	}
	return health.StateHealthy
}

// Environment returns the detected environment, zero until the detection
// phase has run.
func (s *System) Environment() envdetect.Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.env
}

// CurrentMode returns the operating tier derived by the last
// initialization or emergency transition.
func (s *System) CurrentMode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// LastInitResult returns a copy of the most recent initialization
// outcome, nil before the first InitializeSystem.
func (s *System) LastInitResult() *SystemIntegrationResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastInit == nil {
		return nil
	}
	snapshot := *s.lastInit
	return &snapshot
}

// HealthStatus returns the current health snapshot without re-running
// checks.
func (s *System) HealthStatus() health.Status {
	return s.monitor.Status()
}

// Bus exposes the event bus for subscribers such as the websocket feed.
func (s *System) Bus() *events.Bus {
	return s.bus
}

// Diagnostics exposes the report collector for the debug surface and CLI.
func (s *System) Diagnostics() *diagnostics.Collector {
	return s.collector
}

// PanicHandler exposes the black-box recorder so application goroutines
// can guard themselves:
//
//	defer sys.PanicHandler().Wrap("content-prefetch")()
func (s *System) PanicHandler() *diagnostics.PanicHandler {
	return s.panics
}

// ErrorSummary returns the classified failure history summary.
func (s *System) ErrorSummary() classify.Summary {
	return s.classifier.Summary()
}

// ExportLogs serializes the log history for the debug surface.
func (s *System) ExportLogs() ([]byte, error) {
	if s.history == nil {
		return nil, errors.New("recovery: no log history wired")
	}
	return s.history.ExportJSON()
}

// setFlag persists a degradation flag. Failures are logged, never
// propagated; flag writes happen on paths that must not gain new ways to
// fail.
func (s *System) setFlag(ctx context.Context, key, reason string) {
	if s.stores == nil {
		return
	}
	flag := Flag{Active: true, Reason: reason, SetAt: s.now()}
	if err := store.SetJSON(ctx, s.stores, key, flag); err != nil {
		s.logger.Warn("degradation flag not persisted", "flag", key, "error", err.Error())
	}
}

// clearFlag removes a degradation flag, tolerating its absence.
func (s *System) clearFlag(ctx context.Context, key string) {
	if s.stores == nil {
		return
	}
	if err := s.stores.Delete(ctx, key); err != nil && !store.IsNotFound(err) {
		s.logger.Warn("degradation flag not cleared", "flag", key, "error", err.Error())
	}
}

// ReadFlag reports a persisted degradation flag. A missing flag reads as
// inactive.
func (s *System) ReadFlag(ctx context.Context, key string) (Flag, error) {
	if s.stores == nil {
		return Flag{}, nil
	}
	var flag Flag
	if err := store.GetJSON(ctx, s.stores, key, &flag); err != nil {
		if store.IsNotFound(err) {
			return Flag{}, nil
		}
		return Flag{}, err
	}
	return flag, nil
}

// Shutdown stops everything the system started: the health monitor, the
// sync worker, the bus subscription, and all background goroutines. Safe
// to call more than once.
func (s *System) Shutdown(ctx context.Context) error {
	s.logger.Info("system shutting down")

	if s.recoverySub != "" {
		s.bus.Unsubscribe(s.recoverySub)
	}
	s.monitor.Stop()
	if s.offline != nil {
		s.syncWanted.Store(false)
		s.offline.StopSyncWorker()
	}
	s.runCancel()
	s.bus.Close()

	return ctx.Err()
}
