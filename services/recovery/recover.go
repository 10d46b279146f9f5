// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fablewood/resilience/services/recovery/auth"
	"github.com/fablewood/resilience/services/recovery/classify"
	"github.com/fablewood/resilience/services/recovery/events"
	"github.com/fablewood/resilience/services/recovery/health"
	"github.com/fablewood/resilience/services/recovery/offline"
	"github.com/fablewood/resilience/services/recovery/retry"
	"github.com/fablewood/resilience/services/recovery/session"
)

// ErrRecoveryInFlight is returned when a recovery request arrives while
// another one is still running. The caller should not queue or retry;
// the running recovery re-assesses all components when it finishes.
var ErrRecoveryInFlight = errors.New("recovery: component recovery already in progress")

// ErrUnknownComponent is returned for component keys the coordinator has
// no dispatch for.
var ErrUnknownComponent = errors.New("recovery: unknown component")

// criticalPatterns are error texts that mean the page or its network
// layer is broken badly enough that classification severity alone
// understates the damage. Matching errors escalate straight to
// emergency recovery.
var criticalPatterns = []string{
	"ChunkLoadError",
	"Script error",
	"Failed to fetch",
	"connection refused",
	"no such host",
}

// syncWorkerRestart is the progressive restart ladder for the sync
// worker: 1s, 2s, 4s, 8s, then 10s between attempts.
var syncWorkerRestart = retry.Config{
	MaxAttempts:    5,
	InitialBackoff: time.Second,
	MaxBackoff:     10 * time.Second,
	BackoffFactor:  2,
	Retryable: func(err error) bool {
		// Missing wiring never heals by waiting.
		return !errors.Is(err, offline.ErrNoQueue) && !errors.Is(err, offline.ErrNoExecutor)
	},
}

// armRecovery registers the failure handler's strategy executors and
// subscribes the coordinator to bus recovery requests. Idempotent.
func (s *System) armRecovery() {
	if !s.armed.CompareAndSwap(false, true) {
		return
	}

	if s.engine != nil {
		s.failures.RegisterStrategy(classify.StrategyTokenRefresh, s.runTokenRefresh)
		s.failures.RegisterStrategy(classify.StrategySessionRecovery, s.runSessionRecovery)
	}
	if s.offline != nil {
		s.failures.RegisterStrategy(classify.StrategyOfflineAuth, s.runOfflineAuth)
		s.failures.RegisterStrategy(classify.StrategyGuestMode, s.runGuestMode)
	}
	s.failures.RegisterStrategy(classify.StrategyDelayedRetry, s.runDelayedRetry)

	s.recoverySub = s.bus.Subscribe(s.onRecoveryRequest, events.TypeSystemRecoveryRequested)
	s.logger.Info("recovery armed",
		"strategies", s.registeredStrategies(),
	)
}

func (s *System) registeredStrategies() int {
	n := 1 // delayed-retry is always registered
	if s.engine != nil {
		n += 2
	}
	if s.offline != nil {
		n += 2
	}
	return n
}

// runTokenRefresh backs the token-refresh strategy.
func (s *System) runTokenRefresh(ctx context.Context) auth.Result {
	sess, err := s.engine.RefreshSession(ctx)
	if err != nil {
		return auth.Failure("Your session could not be refreshed.")
	}
	return auth.Result{
		Success:        true,
		Mode:           auth.ModeFull,
		Session:        sess,
		RecoveryMethod: string(classify.StrategyTokenRefresh),
	}
}

// runSessionRecovery backs the session-recovery strategy. Guest fallback
// stays off here so the chain's own guest-mode step remains the last
// resort rather than firing mid-chain.
func (s *System) runSessionRecovery(ctx context.Context) auth.Result {
	opts := session.DefaultOptions()
	opts.FallbackToGuest = false
	return s.engine.AttemptRecovery(ctx, opts)
}

// runOfflineAuth backs the offline-auth-recovery strategy.
func (s *System) runOfflineAuth(ctx context.Context) auth.Result {
	return s.offline.RecoverOfflineAuth(ctx)
}

// runGuestMode backs the guest-mode strategy and records the persistent
// guest flag so the next launch knows a real session may still exist
// server-side.
func (s *System) runGuestMode(ctx context.Context) auth.Result {
	result := s.offline.EnableGuestMode(ctx)
	if result.Success {
		s.setFlag(ctx, FlagGuestMode, "guest fallback after recovery failure")
	}
	return result
}

// runDelayedRetry backs the delayed-retry strategy used for rate
// limiting: sit out the cooldown, then try one plain recovery pass.
func (s *System) runDelayedRetry(ctx context.Context) auth.Result {
	select {
	case <-ctx.Done():
		return auth.Failure("Sign-in was interrupted. Please try again.")
	case <-time.After(s.rateLimitCooldown):
	}
	if s.engine == nil {
		return auth.Failure("The sign-in service is busy. Please try again in a moment.")
	}
	opts := session.DefaultOptions()
	opts.EnableRetry = false
	opts.FallbackToGuest = false
	return s.engine.AttemptRecovery(ctx, opts)
}

// onRecoveryRequest reacts to request-system-recovery events. Bus
// delivery is synchronous, so the actual work moves to a goroutine tied
// to the system's run context.
func (s *System) onRecoveryRequest(event *events.Event) {
	req, ok := event.Data.(events.SystemRecoveryRequest)
	if !ok {
		s.logger.Warn("recovery request with unexpected payload",
			"event_id", event.ID,
			"payload", fmt.Sprintf("%T", event.Data),
		)
		return
	}
	components := req.Components
	if len(components) == 0 {
		components = s.failedComponents()
	}
	go func() {
		for _, component := range components {
			if err := s.CoordinateComponentRecovery(s.runCtx, component, req.Reason); err != nil {
				s.logger.Warn("requested recovery not run",
					"component", component,
					"error", err.Error(),
				)
			}
		}
	}()
}

// failedComponents lists components currently in the failed state.
func (s *System) failedComponents() []string {
	status := s.monitor.Status()
	var failed []string
	for component, state := range status.Components {
		if state == health.StateFailed {
			failed = append(failed, component)
		}
	}
	return failed
}

// CoordinateComponentRecovery recovers one component.
//
// # Description
//
// One recovery runs at a time across all components; a request arriving
// while another is in flight returns ErrRecoveryInFlight and is
// otherwise dropped. After the attempt, successful or not, the full
// health map is re-evaluated and a health-recovery-triggered event is
// published so observers see the post-recovery picture.
func (s *System) CoordinateComponentRecovery(ctx context.Context, component, reason string) error {
	if !s.recovering.CompareAndSwap(false, true) {
		s.logger.Warn("recovery already in progress, dropping request",
			"component", component,
			"reason", reason,
		)
		return ErrRecoveryInFlight
	}
	defer s.recovering.Store(false)

	ctx, span := startRecoverySpan(ctx, component)
	defer span.End()

	s.logger.Info("component recovery starting",
		"component", component,
		"reason", reason,
	)

	var err error
	switch component {
	case events.ComponentStartup:
		err = s.recoverStartup(ctx)
	case events.ComponentSyncWorker:
		err = s.recoverSyncWorker(ctx)
	case events.ComponentAuthentication:
		err = s.recoverAuthentication(ctx)
	case events.ComponentContainer:
		err = s.recoverContainer(ctx)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownComponent, component)
	}

	status := s.monitor.CheckNow(ctx)
	s.bus.Publish(events.TypeHealthRecoveryTriggered, events.HealthRecoveryTrigger{
		Overall: string(status.Overall),
		Failed:  s.failedComponents(),
		Reason:  reason,
	})

	setRecoverySpanResult(span, err == nil)
	recordRecoveryMetrics(ctx, component, err == nil)

	if err != nil {
		s.logger.Error("component recovery failed",
			"component", component,
			"reason", reason,
			"error", err.Error(),
		)
		return err
	}
	s.logger.Info("component recovery complete",
		"component", component,
		"overall_health", string(status.Overall),
	)
	return nil
}

// recoverStartup re-runs the delegate's initialization. Only a
// successful run releases the startup-failed latch.
func (s *System) recoverStartup(ctx context.Context) error {
	result, err := s.delegate.Initialize(ctx)
	if err != nil {
		s.startupFailed.Store(true)
		s.monitor.SetComponentState(events.ComponentStartup, health.StateFailed, err.Error())
		return fmt.Errorf("delegate re-initialization: %w", err)
	}
	if result == nil || !result.Success {
		s.startupFailed.Store(true)
		s.monitor.SetComponentState(events.ComponentStartup, health.StateFailed, "delegate reported failed startup")
		return errors.New("delegate re-initialization unsuccessful")
	}
	s.startupFailed.Store(false)
	s.monitor.SetComponentState(events.ComponentStartup, health.StateHealthy, "recovered by re-initialization")
	return nil
}

// recoverSyncWorker restarts the sync worker with progressive backoff.
func (s *System) recoverSyncWorker(ctx context.Context) error {
	if s.offline == nil {
		return fmt.Errorf("%w: no offline manager wired", ErrUnknownComponent)
	}
	s.offline.StopSyncWorker()

	result, err := retry.Retry(ctx, syncWorkerRestart, func(ctx context.Context, attempt int) error {
		startErr := s.offline.StartSyncWorker(s.runCtx)
		if errors.Is(startErr, offline.ErrWorkerRunning) {
			return nil
		}
		return startErr
	})
	if err != nil {
		s.syncWanted.Store(false)
		return fmt.Errorf("sync worker restart after %d attempts: %w", result.Attempts, err)
	}
	s.syncWanted.Store(true)
	return nil
}

// recoverAuthentication runs a full session recovery pass.
func (s *System) recoverAuthentication(ctx context.Context) error {
	if s.engine == nil {
		return fmt.Errorf("%w: no session engine wired", ErrUnknownComponent)
	}
	result := s.engine.AttemptRecovery(ctx, session.DefaultOptions())
	if !result.Success {
		return fmt.Errorf("session recovery unsuccessful: %s", result.Error)
	}
	return nil
}

// recoverContainer re-probes the wrapper bridge end to end.
func (s *System) recoverContainer(ctx context.Context) error {
	if s.bridge == nil {
		return fmt.Errorf("%w: no bridge client wired", ErrUnknownComponent)
	}
	if err := s.initContainer(ctx); err != nil {
		s.monitor.SetComponentState(events.ComponentContainer, health.StateFailed, err.Error())
		return err
	}
	return nil
}

// TriggerEmergencyRecovery drops the app into emergency mode.
//
// # Description
//
/// The procedure is a fixed, idempotent action list: force overall health
// to emergency, capture a diagnostic report, broadcast the emergency
// events, persist the emergency and safe-mode flags, stop the sync
// worker when it is the component that failed, and persist the report
// snapshot. A trigger arriving while the procedure is running is logged
// and dropped; running it twice in sequence is harmless.
func (s *System) TriggerEmergencyRecovery(ctx context.Context, trigger string) {
	if !s.inEmergency.CompareAndSwap(false, true) {
		s.logger.Warn("emergency recovery already in progress, dropping trigger",
			"trigger", trigger,
		)
		return
	}
	defer s.inEmergency.Store(false)

	ctx, span := startEmergencySpan(ctx, trigger)
	defer span.End()

	s.logger.Critical("emergency recovery triggered", "trigger", trigger)

	// Snapshot taken before the startup override below so it reflects
	// which component actually brought the system down.
	preEmergency := s.monitor.Status()

	// Failed startup forces overall emergency in the health rollup. The
	// latch keeps the periodic check from reverting it on the next tick.
	s.startupFailed.Store(true)
	s.monitor.SetComponentState(events.ComponentStartup, health.StateFailed, "emergency: "+trigger)

	report := s.collector.EmergencyReport(ctx)
	reportID := ""
	if report != nil {
		reportID = report.Metadata.ID
	}

	s.bus.Publish(events.TypeEmergencyRecovery, events.EmergencyRecovery{
		Reason:   trigger,
		ReportID: reportID,
	})
	s.bus.Publish(events.TypeEmergencyMode, events.EmergencyMode{Reason: trigger})

	s.setFlag(ctx, FlagEmergencyMode, trigger)

	// The worker is only stopped when it is the component that failed; a
	// startup or container emergency leaves a healthy worker draining the
	// queue.
	if s.offline != nil && s.syncWanted.Load() &&
		preEmergency.Components[events.ComponentSyncWorker] == health.StateFailed {
		s.offline.StopSyncWorker()
		s.syncWanted.Store(false)
	}

	s.setFlag(ctx, FlagSafeMode, trigger)

	if s.diagStore != nil && report != nil {
		if _, err := s.diagStore.Save(report); err != nil {
			s.logger.Warn("emergency report not persisted", "error", err.Error())
		}
	}

	s.mu.Lock()
	s.mode = ModeEmergency
	s.mu.Unlock()

	recordEmergencyMetrics(ctx, trigger)
	s.logger.Critical("emergency mode active",
		"trigger", trigger,
		"report_id", reportID,
	)
}

// ReportError is the global error intake.
//
// # Description
//
// Every reported error is classified and recorded in the failure
// history. Errors matching a known-critical pattern escalate
// immediately: a startup-error-escalated event is published and
// emergency recovery is triggered without waiting for the classifier's
// repeat-failure threshold.
func (s *System) ReportError(ctx context.Context, source string, err error) *classify.AuthError {
	if err == nil {
		return nil
	}
	authErr := s.classifier.Classify(ctx, err, source)
	recordErrorReportMetrics(ctx, string(authErr.Type))

	pattern, critical := matchCriticalPattern(err.Error())
	if !critical {
		return authErr
	}

	occurrences := s.classifier.Summary().ByCategory[authErr.Type]
	s.bus.Publish(events.TypeStartupErrorEscalated, events.StartupErrorEscalation{
		FailureType: string(authErr.Type),
		Message:     authErr.Message,
		Occurrences: occurrences,
	})
	s.logger.Error("critical error pattern reported",
		"source", source,
		"pattern", pattern,
		"category", string(authErr.Type),
	)
	s.TriggerEmergencyRecovery(ctx, "critical error: "+pattern)
	return authErr
}

func matchCriticalPattern(msg string) (string, bool) {
	for _, pattern := range criticalPatterns {
		if strings.Contains(msg, pattern) {
			return pattern, true
		}
	}
	return "", false
}
