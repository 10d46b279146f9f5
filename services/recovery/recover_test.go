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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablewood/resilience/services/recovery/auth"
	"github.com/fablewood/resilience/services/recovery/classify"
	"github.com/fablewood/resilience/services/recovery/connectivity"
	"github.com/fablewood/resilience/services/recovery/envdetect"
	"github.com/fablewood/resilience/services/recovery/events"
	"github.com/fablewood/resilience/services/recovery/health"
	"github.com/fablewood/resilience/services/recovery/provider"
	"github.com/fablewood/resilience/services/recovery/session"
	"github.com/fablewood/resilience/services/recovery/startup"
)

func TestArmRecovery_Idempotent(t *testing.T) {
	s := NewSystem(baseConfig())
	shutdownLater(t, s)

	s.armRecovery()
	first := s.bus.SubscriptionCount()
	s.armRecovery()

	assert.Equal(t, first, s.bus.SubscriptionCount(), "re-arming must not stack subscriptions")
}

func TestCoordinateComponentRecovery_StartupReinitializes(t *testing.T) {
	delegate := &startup.MockDelegate{}
	cfg := baseConfig()
	cfg.Delegate = delegate
	s := NewSystem(cfg)
	shutdownLater(t, s)
	require.True(t, s.InitializeSystem(context.Background()).Success)

	err := s.CoordinateComponentRecovery(context.Background(), events.ComponentStartup, "flaky boot")

	require.NoError(t, err)
	assert.Equal(t, 2, delegate.InitializeCalls, "init once at startup, once for recovery")
	assert.Equal(t, health.StateHealthy, s.HealthStatus().Components[events.ComponentStartup])

	triggered := s.bus.ReplayByType(events.TypeHealthRecoveryTriggered)
	require.NotEmpty(t, triggered)
	payload, ok := triggered[len(triggered)-1].Data.(events.HealthRecoveryTrigger)
	require.True(t, ok)
	assert.Equal(t, "flaky boot", payload.Reason)
	assert.Equal(t, string(health.OverallHealthy), payload.Overall)
}

func TestCoordinateComponentRecovery_StartupFailureReported(t *testing.T) {
	calls := 0
	delegate := &startup.MockDelegate{
		InitializeFunc: func(ctx context.Context) (*startup.Result, error) {
			calls++
			if calls == 1 {
				return &startup.Result{Success: true, Mode: startup.ModeFull}, nil
			}
			return nil, errors.New("config store unreachable")
		},
	}
	cfg := baseConfig()
	cfg.Delegate = delegate
	s := NewSystem(cfg)
	shutdownLater(t, s)
	require.True(t, s.InitializeSystem(context.Background()).Success)

	err := s.CoordinateComponentRecovery(context.Background(), events.ComponentStartup, "probe")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "config store unreachable")
	assert.Equal(t, health.StateFailed, s.HealthStatus().Components[events.ComponentStartup])
}

func TestCoordinateComponentRecovery_SyncWorkerRestarts(t *testing.T) {
	cfg := baseConfig()
	bus := events.NewBus(events.WithLogger(quietLogger().Slog()))
	cfg.Bus = bus
	cfg.Offline = testOffline(t, bus)
	s := NewSystem(cfg)
	shutdownLater(t, s)
	require.True(t, s.InitializeSystem(context.Background()).Success)
	require.True(t, cfg.Offline.SyncWorkerRunning())

	err := s.CoordinateComponentRecovery(context.Background(), events.ComponentSyncWorker, "stalled drain")

	require.NoError(t, err)
	assert.True(t, cfg.Offline.SyncWorkerRunning(), "worker restarted")
	assert.Equal(t, health.StateHealthy, s.HealthStatus().Components[events.ComponentSyncWorker])
}

func TestCoordinateComponentRecovery_SyncWorkerFromStopped(t *testing.T) {
	cfg := baseConfig()
	cfg.Offline = testOffline(t, nil)
	s := NewSystem(cfg)
	shutdownLater(t, s)
	require.True(t, s.InitializeSystem(context.Background()).Success)

	cfg.Offline.StopSyncWorker()
	require.False(t, cfg.Offline.SyncWorkerRunning())

	err := s.CoordinateComponentRecovery(context.Background(), events.ComponentSyncWorker, "worker died")

	require.NoError(t, err)
	assert.True(t, cfg.Offline.SyncWorkerRunning())
	assert.True(t, s.syncWanted.Load())
}

func TestCoordinateComponentRecovery_AuthenticationRecovers(t *testing.T) {
	cfg := baseConfig()
	cfg.Engine = testEngine(t)
	s := NewSystem(cfg)
	shutdownLater(t, s)
	require.True(t, s.InitializeSystem(context.Background()).Success)

	err := s.CoordinateComponentRecovery(context.Background(), events.ComponentAuthentication, "token expired")

	require.NoError(t, err)
	require.NotNil(t, cfg.Engine.CurrentSession())
	assert.Equal(t, health.StateHealthy, s.HealthStatus().Components[events.ComponentAuthentication])
}

func TestCoordinateComponentRecovery_AuthenticationFailureReported(t *testing.T) {
	eng, err := session.NewEngine(session.EngineConfig{
		Provider: &provider.MockProvider{
			GetSessionFunc: func(ctx context.Context) (*auth.Session, error) {
				return nil, nil
			},
		},
		Checker: connectivity.NewStaticChecker(true),
		Logger:  quietLogger(),
	})
	require.NoError(t, err)

	cfg := baseConfig()
	cfg.Engine = eng
	s := NewSystem(cfg)
	shutdownLater(t, s)
	require.True(t, s.InitializeSystem(context.Background()).Success)

	err = s.CoordinateComponentRecovery(context.Background(), events.ComponentAuthentication, "probe")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "session recovery unsuccessful")
}

func TestCoordinateComponentRecovery_ContainerReprobes(t *testing.T) {
	br := liveBridge()
	cfg := baseConfig()
	cfg.Detector = wrappedDetector(t, br)
	cfg.Bridge = br
	s := NewSystem(cfg)
	shutdownLater(t, s)
	require.True(t, s.InitializeSystem(context.Background()).Success)

	// Bridge drops, then comes back.
	br.AvailableFunc = func(ctx context.Context) bool { return false }
	err := s.CoordinateComponentRecovery(context.Background(), events.ComponentContainer, "bridge lost")
	require.Error(t, err)
	assert.Equal(t, health.StateFailed, s.HealthStatus().Components[events.ComponentContainer])

	br.AvailableFunc = func(ctx context.Context) bool { return true }
	err = s.CoordinateComponentRecovery(context.Background(), events.ComponentContainer, "bridge back")
	require.NoError(t, err)
	assert.Equal(t, health.StateHealthy, s.HealthStatus().Components[events.ComponentContainer])
}

func TestCoordinateComponentRecovery_UnknownComponent(t *testing.T) {
	s := NewSystem(baseConfig())
	shutdownLater(t, s)

	err := s.CoordinateComponentRecovery(context.Background(), "weather", "curiosity")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownComponent)
}

func TestCoordinateComponentRecovery_SecondRequestDropped(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	calls := 0
	delegate := &startup.MockDelegate{
		InitializeFunc: func(ctx context.Context) (*startup.Result, error) {
			calls++
			if calls > 1 {
				close(entered)
				<-release
			}
			return &startup.Result{Success: true, Mode: startup.ModeFull}, nil
		},
	}
	cfg := baseConfig()
	cfg.Delegate = delegate
	s := NewSystem(cfg)
	shutdownLater(t, s)
	require.True(t, s.InitializeSystem(context.Background()).Success)

	done := make(chan error, 1)
	go func() {
		done <- s.CoordinateComponentRecovery(context.Background(), events.ComponentStartup, "slow")
	}()
	<-entered

	err := s.CoordinateComponentRecovery(context.Background(), events.ComponentSyncWorker, "concurrent")
	assert.ErrorIs(t, err, ErrRecoveryInFlight)

	close(release)
	require.NoError(t, <-done)
}

func TestOnRecoveryRequest_RunsNamedComponents(t *testing.T) {
	var initCalls atomic.Int32
	delegate := &startup.MockDelegate{
		InitializeFunc: func(ctx context.Context) (*startup.Result, error) {
			initCalls.Add(1)
			return &startup.Result{Success: true, Mode: startup.ModeFull}, nil
		},
	}
	cfg := baseConfig()
	cfg.Delegate = delegate
	s := NewSystem(cfg)
	shutdownLater(t, s)
	require.True(t, s.InitializeSystem(context.Background()).Success)

	s.bus.Publish(events.TypeSystemRecoveryRequested, events.SystemRecoveryRequest{
		Components: []string{events.ComponentStartup},
		Reason:     "ops request",
	})

	require.Eventually(t, func() bool {
		return initCalls.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOnRecoveryRequest_EmptyMeansFailedComponents(t *testing.T) {
	var initCalls atomic.Int32
	delegate := &startup.MockDelegate{
		InitializeFunc: func(ctx context.Context) (*startup.Result, error) {
			initCalls.Add(1)
			return &startup.Result{Success: true, Mode: startup.ModeFull}, nil
		},
	}
	cfg := baseConfig()
	cfg.Delegate = delegate
	s := NewSystem(cfg)
	shutdownLater(t, s)
	require.True(t, s.InitializeSystem(context.Background()).Success)

	s.monitor.SetComponentState(events.ComponentStartup, health.StateFailed, "simulated crash")
	s.bus.Publish(events.TypeSystemRecoveryRequested, events.SystemRecoveryRequest{Reason: "auto"})

	require.Eventually(t, func() bool {
		return initCalls.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return s.HealthStatus().Components[events.ComponentStartup] == health.StateHealthy
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTriggerEmergencyRecovery_FullProcedure(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(events.WithLogger(quietLogger().Slog()))
	cfg := baseConfig()
	cfg.Bus = bus
	cfg.Offline = testOffline(t, bus)
	cfg.DiagnosticsDir = dir
	s := NewSystem(cfg)
	shutdownLater(t, s)
	require.True(t, s.InitializeSystem(context.Background()).Success)
	require.True(t, cfg.Offline.SyncWorkerRunning())

	s.TriggerEmergencyRecovery(context.Background(), "corrupted state")

	assert.Equal(t, ModeEmergency, s.CurrentMode())
	assert.Equal(t, health.OverallEmergency, s.HealthStatus().Overall)
	assert.True(t, cfg.Offline.SyncWorkerRunning(),
		"a healthy worker keeps draining the queue through an unrelated emergency")

	recoveries := bus.ReplayByType(events.TypeEmergencyRecovery)
	require.Len(t, recoveries, 1)
	payload, ok := recoveries[0].Data.(events.EmergencyRecovery)
	require.True(t, ok)
	assert.Equal(t, "corrupted state", payload.Reason)
	assert.NotEmpty(t, payload.ReportID)

	modes := bus.ReplayByType(events.TypeEmergencyMode)
	require.Len(t, modes, 1)

	ctx := context.Background()
	emergency, err := s.ReadFlag(ctx, FlagEmergencyMode)
	require.NoError(t, err)
	assert.True(t, emergency.Active)
	assert.Equal(t, "corrupted state", emergency.Reason)
	safe, err := s.ReadFlag(ctx, FlagSafeMode)
	require.NoError(t, err)
	assert.True(t, safe.Active)

	paths, err := s.diagStore.List()
	require.NoError(t, err)
	require.Len(t, paths, 1, "emergency snapshot persisted")
	report, err := s.diagStore.Load(paths[0])
	require.NoError(t, err)
	assert.Equal(t, payload.ReportID, report.Metadata.ID)
}

func TestTriggerEmergencyRecovery_StopsFailedSyncWorker(t *testing.T) {
	bus := events.NewBus(events.WithLogger(quietLogger().Slog()))
	cfg := baseConfig()
	cfg.Bus = bus
	cfg.Offline = testOffline(t, bus)
	s := NewSystem(cfg)
	shutdownLater(t, s)
	require.True(t, s.InitializeSystem(context.Background()).Success)
	require.True(t, cfg.Offline.SyncWorkerRunning())

	s.monitor.SetComponentState(events.ComponentSyncWorker, health.StateFailed, "drain wedged")

	s.TriggerEmergencyRecovery(context.Background(), "sync worker wedged")

	assert.False(t, cfg.Offline.SyncWorkerRunning(),
		"the worker that caused the emergency is abandoned")
	assert.False(t, s.syncWanted.Load())
}

func TestTriggerEmergencyRecovery_BusyTriggerDropped(t *testing.T) {
	s := NewSystem(baseConfig())
	shutdownLater(t, s)

	s.inEmergency.Store(true)
	s.TriggerEmergencyRecovery(context.Background(), "second trigger")
	s.inEmergency.Store(false)

	assert.Empty(t, s.bus.ReplayByType(events.TypeEmergencyRecovery),
		"a trigger during a running procedure is dropped")
	assert.NotEqual(t, ModeEmergency, s.CurrentMode())
}

func TestReportError_RecordsWithoutEscalation(t *testing.T) {
	s := NewSystem(baseConfig())
	shutdownLater(t, s)

	authErr := s.ReportError(context.Background(), "window.onerror", errors.New("undefined is not a function"))

	require.NotNil(t, authErr)
	assert.Equal(t, classify.FailureUnknown, authErr.Type)
	assert.Equal(t, 1, s.ErrorSummary().Total)
	assert.Empty(t, s.bus.ReplayByType(events.TypeEmergencyMode))
	assert.Empty(t, s.bus.ReplayByType(events.TypeStartupErrorEscalated))
}

func TestReportError_NilErrorIgnored(t *testing.T) {
	s := NewSystem(baseConfig())
	shutdownLater(t, s)

	assert.Nil(t, s.ReportError(context.Background(), "window.onerror", nil))
	assert.Zero(t, s.ErrorSummary().Total)
}

func TestReportError_CriticalPatternEscalates(t *testing.T) {
	s := NewSystem(baseConfig())
	shutdownLater(t, s)

	authErr := s.ReportError(context.Background(), "window.onerror",
		errors.New("Failed to fetch dynamically imported module"))

	require.NotNil(t, authErr)
	assert.Equal(t, classify.FailureNetwork, authErr.Type)

	escalations := s.bus.ReplayByType(events.TypeStartupErrorEscalated)
	require.Len(t, escalations, 1)
	payload, ok := escalations[0].Data.(events.StartupErrorEscalation)
	require.True(t, ok)
	assert.Equal(t, string(classify.FailureNetwork), payload.FailureType)
	assert.Equal(t, 1, payload.Occurrences)

	assert.Equal(t, ModeEmergency, s.CurrentMode())
	require.NotEmpty(t, s.bus.ReplayByType(events.TypeEmergencyRecovery))
}

func TestReportError_ChunkLoadErrorEscalates(t *testing.T) {
	s := NewSystem(baseConfig())
	shutdownLater(t, s)

	s.ReportError(context.Background(), "unhandledrejection",
		errors.New("ChunkLoadError: Loading chunk 42 failed"))

	assert.Equal(t, ModeEmergency, s.CurrentMode())
}

func TestStrategies_GuestModeSetsFlag(t *testing.T) {
	cfg := baseConfig()
	cfg.Offline = testOffline(t, nil)
	s := NewSystem(cfg)
	shutdownLater(t, s)
	s.armRecovery()

	result := s.runGuestMode(context.Background())

	require.True(t, result.Success)
	require.NotNil(t, result.GuestSession)

	flag, err := s.ReadFlag(context.Background(), FlagGuestMode)
	require.NoError(t, err)
	assert.True(t, flag.Active)
}

func TestStrategies_TokenRefresh(t *testing.T) {
	refreshed := validSession()
	refreshed.AccessToken = "access-rotated"
	eng, err := session.NewEngine(session.EngineConfig{
		Provider: &provider.MockProvider{
			RefreshSessionFunc: func(ctx context.Context, refreshToken string) (*auth.Session, error) {
				return refreshed, nil
			},
		},
		Checker: connectivity.NewStaticChecker(true),
		Logger:  quietLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, eng.PersistSession(context.Background(), validSession()))

	cfg := baseConfig()
	cfg.Engine = eng
	s := NewSystem(cfg)
	shutdownLater(t, s)

	result := s.runTokenRefresh(context.Background())

	require.True(t, result.Success)
	assert.Equal(t, string(classify.StrategyTokenRefresh), result.RecoveryMethod)
	assert.Equal(t, "access-rotated", result.Session.AccessToken)
}

func TestStrategies_DelayedRetryHonorsCancel(t *testing.T) {
	cfg := baseConfig()
	cfg.RateLimitCooldown = 10 * time.Second
	s := NewSystem(cfg)
	shutdownLater(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	result := s.runDelayedRetry(ctx)

	assert.False(t, result.Success)
	assert.Less(t, time.Since(start), time.Second, "cancel must cut the cooldown short")
}

func TestStrategies_DelayedRetryWithoutEngine(t *testing.T) {
	cfg := baseConfig()
	cfg.RateLimitCooldown = 5 * time.Millisecond
	s := NewSystem(cfg)
	shutdownLater(t, s)

	result := s.runDelayedRetry(context.Background())

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestFailureHandling_EndToEnd_GuestFallback(t *testing.T) {
	// A storage failure while everything auth-side is broken should land
	// on the guest-mode floor through the armed strategy chain.
	cfg := baseConfig()
	cfg.Offline = testOffline(t, nil)
	s := NewSystem(cfg)
	shutdownLater(t, s)
	require.True(t, s.InitializeSystem(context.Background()).Success)

	result := s.failures.HandleAuthFailure(context.Background(),
		errors.New("IndexedDB storage quota exceeded"), "session_persist")

	require.True(t, result.Success)
	assert.Equal(t, auth.ModeGuest, result.Mode)
	require.NotNil(t, result.GuestSession)
}

func TestEnvironmentDetection_WrappedInfoExposed(t *testing.T) {
	br := liveBridge()
	cfg := baseConfig()
	cfg.Detector = wrappedDetector(t, br)
	cfg.Bridge = br
	s := NewSystem(cfg)
	shutdownLater(t, s)
	require.True(t, s.InitializeSystem(context.Background()).Success)

	env := s.Environment()
	assert.True(t, env.IsWrappedContainer)
	assert.NotEmpty(t, env.Methods)
	assert.Equal(t, envdetect.ConfidenceMedium, env.Confidence)
}
