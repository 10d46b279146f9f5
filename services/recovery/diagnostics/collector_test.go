// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package diagnostics

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablewood/resilience/pkg/logging"
	"github.com/fablewood/resilience/services/recovery/bridge"
	"github.com/fablewood/resilience/services/recovery/classify"
	"github.com/fablewood/resilience/services/recovery/connectivity"
	"github.com/fablewood/resilience/services/recovery/envdetect"
	"github.com/fablewood/resilience/services/recovery/health"
	"github.com/fablewood/resilience/services/recovery/store"
	"github.com/fablewood/resilience/services/recovery/sysinfo"
)

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Quiet: true})
}

// unavailableStore fails every operation, simulating a dead backend.
type unavailableStore struct{}

func (unavailableStore) Name() string { return "indexeddb" }

func (unavailableStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("backend down")
}

func (unavailableStore) Set(ctx context.Context, key string, value []byte) error {
	return errors.New("backend down")
}

func (unavailableStore) Delete(ctx context.Context, key string) error {
	return errors.New("backend down")
}

func (unavailableStore) Close() error { return nil }

func criticalHealth() health.Status {
	return health.Status{
		Overall: health.OverallCritical,
		Components: map[string]health.State{
			"container": health.StateFailed,
			"startup":   health.StateHealthy,
		},
		LastCheck: time.Now(),
	}
}

func TestGenerateReport_NoDependencies(t *testing.T) {
	c := NewCollector(CollectorConfig{Logger: quietLogger()})

	report := c.GenerateReport(context.Background())

	require.NotNil(t, report)
	assert.NotEmpty(t, report.Metadata.ID)
	assert.False(t, report.Metadata.GeneratedAt.IsZero())
	assert.Nil(t, report.Panic)

	// The host snapshot needs no wiring.
	assert.Equal(t, runtime.GOOS, report.System.OS)
	assert.Positive(t, report.System.Goroutines)

	// Unwired sections stay zero instead of failing the report.
	assert.False(t, report.Environment.IsWrappedContainer)
	assert.Empty(t, report.Health.Components)
	assert.Zero(t, report.Errors.Total)

	assert.Equal(t, []string{"No issues detected; no action needed."}, report.Recommendations)
}

func TestGenerateReport_SessionDuration(t *testing.T) {
	c := NewCollector(CollectorConfig{
		SessionStart: time.Now().Add(-2 * time.Hour),
		Logger:       quietLogger(),
	})

	report := c.GenerateReport(context.Background())

	assert.GreaterOrEqual(t, report.Metadata.SessionDuration, 2*time.Hour)
}

func TestGenerateReport_OfflineFinding(t *testing.T) {
	c := NewCollector(CollectorConfig{
		Checker: connectivity.NewStaticChecker(false),
		Logger:  quietLogger(),
	})

	report := c.GenerateReport(context.Background())

	assert.Contains(t, report.Troubleshooting.LikelyIssues,
		"Device is offline; authentication and sync are running from local data.")
	assert.Contains(t, report.Recommendations,
		"Reconnect to the network; queued changes sync automatically once online.")
}

func TestGenerateReport_StorageFinding(t *testing.T) {
	stores := store.NewReplicated(quietLogger(), store.NewMemoryStore(), unavailableStore{})

	c := NewCollector(CollectorConfig{
		Stores: stores,
		Logger: quietLogger(),
	})

	report := c.GenerateReport(context.Background())

	assert.Contains(t, report.Troubleshooting.LikelyIssues,
		`Storage backend "indexeddb" is unavailable; session persistence is degraded.`)
	assert.Contains(t, report.Recommendations,
		"Restart the app to reinitialize local storage; progress re-syncs after sign-in.")
}

func TestGenerateReport_HealthFinding(t *testing.T) {
	c := NewCollector(CollectorConfig{
		Health: func(ctx context.Context) health.Status { return criticalHealth() },
		Logger: quietLogger(),
	})

	report := c.GenerateReport(context.Background())

	assert.Equal(t, health.OverallCritical, report.Health.Overall)
	assert.Contains(t, report.Troubleshooting.CriticalFindings,
		"Overall health is critical: container=failed.")
	assert.Contains(t, report.Recommendations,
		"Trigger component recovery for the failing components, or restart the app.")
}

func TestGenerateReport_EscalationFinding(t *testing.T) {
	c := NewCollector(CollectorConfig{
		Errors: func() classify.Summary {
			return classify.Summary{Total: 5, CriticalCount: 3, Escalated: true}
		},
		Logger: quietLogger(),
	})

	report := c.GenerateReport(context.Background())

	assert.Contains(t, report.Troubleshooting.CriticalFindings,
		"Error history escalated: 3 critical failures in the current window.")
	assert.Contains(t, report.Recommendations,
		"Export the logs together with this report before restarting; repeated critical failures suggest a systemic cause.")
}

func TestGenerateReport_BridgeFinding(t *testing.T) {
	mock := &bridge.MockClient{
		AvailableFunc: func(ctx context.Context) bool { return true },
		PlatformFunc: func(ctx context.Context) (*bridge.PlatformInfo, error) {
			return nil, errors.New("status 500")
		},
	}

	c := NewCollector(CollectorConfig{
		Bridge: mock,
		Logger: quietLogger(),
	})

	report := c.GenerateReport(context.Background())

	assert.Contains(t, report.Troubleshooting.CriticalFindings,
		"Wrapper bridge responds but its platform endpoint fails: status 500.")
	assert.Contains(t, report.Recommendations,
		"Update or reinstall the wrapper app; the native shell is responding but broken.")
}

func TestGenerateReport_AbsentBridgeIsNoFinding(t *testing.T) {
	c := NewCollector(CollectorConfig{
		Bridge: &bridge.MockClient{},
		Logger: quietLogger(),
	})

	report := c.GenerateReport(context.Background())

	assert.Empty(t, report.Troubleshooting.CriticalFindings)
}

func TestTroubleshoot_WrappedEnvironmentWarnings(t *testing.T) {
	c := NewCollector(CollectorConfig{Logger: quietLogger()})

	report := &Report{
		Environment: envdetect.Info{
			IsWrappedContainer: true,
			Methods: []envdetect.MethodResult{
				{Method: envdetect.MethodInstallReferrer, Detected: false},
			},
		},
		System: sysinfo.Snapshot{OS: "linux", Arch: "amd64"},
	}

	found := c.troubleshoot(context.Background(), report)

	assert.True(t, found.unverifiedInstall)
	assert.True(t, found.desktopHost)
	assert.Contains(t, report.Troubleshooting.EnvironmentWarnings,
		"Wrapped container without a verified install origin; install metadata is missing or carries no android-app referrer.")
	assert.Contains(t, report.Troubleshooting.EnvironmentWarnings,
		"Wrapped container signals on a desktop-class host (linux/amd64).")

	recs := generateRecommendations(found)
	require.Len(t, recs, 2)
	assert.Equal(t, "Reinstall from the store listing to restore a verified install origin.", recs[0])
	assert.Equal(t, "Container features are best-effort on desktop hosts; prefer the plain PWA install there.", recs[1])
}

func TestTroubleshoot_VerifiedMobileWrapperIsClean(t *testing.T) {
	c := NewCollector(CollectorConfig{Logger: quietLogger()})

	report := &Report{
		Environment: envdetect.Info{
			IsWrappedContainer: true,
			Methods: []envdetect.MethodResult{
				{Method: envdetect.MethodInstallReferrer, Detected: true, Confidence: 0.9},
			},
		},
		System: sysinfo.Snapshot{OS: "android", Arch: "arm64"},
	}

	found := c.troubleshoot(context.Background(), report)

	assert.False(t, found.unverifiedInstall)
	assert.False(t, found.desktopHost)
	assert.Empty(t, report.Troubleshooting.EnvironmentWarnings)
}

func TestGenerateReport_SectionPanicIsolated(t *testing.T) {
	c := NewCollector(CollectorConfig{
		Health: func(ctx context.Context) health.Status { panic("health probe exploded") },
		Errors: func() classify.Summary { panic("summary exploded") },
		Logger: quietLogger(),
	})

	report := c.GenerateReport(context.Background())

	require.NotNil(t, report)
	assert.Empty(t, report.Health.Overall)
	assert.Zero(t, report.Errors.Total)
	// The working sections still made it in.
	assert.Equal(t, runtime.GOOS, report.System.OS)
}

func TestEmergencyReport_SameShape(t *testing.T) {
	c := NewCollector(CollectorConfig{Logger: quietLogger()})

	report := c.EmergencyReport(context.Background())

	require.NotNil(t, report)
	assert.NotEmpty(t, report.Metadata.ID)
}

func TestExportLogs(t *testing.T) {
	history := logging.NewHistory(16)
	history.Append(logging.Entry{
		Time:     time.Now(),
		Level:    logging.LevelWarn,
		Category: logging.CategorySync,
		Message:  "sync retry scheduled",
	})

	c := NewCollector(CollectorConfig{
		History: history,
		Logger:  quietLogger(),
	})

	data, err := c.ExportLogs()
	require.NoError(t, err)
	assert.Contains(t, string(data), "sync retry scheduled")
}

func TestExportLogs_NoHistory(t *testing.T) {
	c := NewCollector(CollectorConfig{Logger: quietLogger()})

	_, err := c.ExportLogs()
	require.Error(t, err)
}
