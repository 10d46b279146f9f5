// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package diagnostics

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablewood/resilience/services/recovery/classify"
	"github.com/fablewood/resilience/services/recovery/envdetect"
	"github.com/fablewood/resilience/services/recovery/health"
	"github.com/fablewood/resilience/services/recovery/sysinfo"
)

func sampleReport() *Report {
	return &Report{
		Metadata: Metadata{
			ID:              "58f2a9c1-0000-4000-8000-000000000000",
			GeneratedAt:     time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
			SessionDuration: 42 * time.Minute,
		},
		Environment: envdetect.Info{
			IsWrappedContainer: true,
			Confidence:         envdetect.ConfidenceHigh,
			Methods: []envdetect.MethodResult{
				{Method: envdetect.MethodBridgeProbe, Detected: true, Confidence: 0.85, Evidence: "bridge responded on 127.0.0.1:18751"},
				{Method: envdetect.MethodInstallReferrer, Detected: false},
			},
		},
		System: sysinfo.Snapshot{
			Hostname:   "kiddo-tablet",
			PID:        4242,
			Uptime:     90 * time.Second,
			GoVersion:  "go1.25.3",
			OS:         "android",
			Arch:       "arm64",
			CPUs:       8,
			Goroutines: 12,
			Memory:     sysinfo.MemoryStats{AllocMB: 24, SysMB: 96, GCRuns: 3},
			DataDir:    "/data/fablewood",
			Disk:       &sysinfo.DiskStats{FreeMB: 512, TotalMB: 2048},
			Env:        []string{"FABLEWOOD_ENV=production"},
		},
		Health: health.Status{
			Overall: health.OverallDegraded,
			Components: map[string]health.State{
				"sync_worker": health.StateDegraded,
				"container":   health.StateHealthy,
			},
			LastCheck: time.Date(2026, 3, 14, 9, 26, 30, 0, time.UTC),
			Uptime:    41 * time.Minute,
		},
		Errors: classify.Summary{
			Total:         4,
			CriticalCount: 1,
			Escalated:     false,
			ByCategory: map[classify.FailureType]int{
				classify.FailureNetwork: 3,
				classify.FailureStorage: 1,
			},
			LastError: &classify.AuthError{
				Type:      classify.FailureNetwork,
				Severity:  classify.SeverityMedium,
				Message:   "fetch timed out",
				Timestamp: time.Date(2026, 3, 14, 9, 25, 0, 0, time.UTC),
				Context:   "token-refresh",
			},
		},
		Troubleshooting: Troubleshooting{
			LikelyIssues: []string{"Device is offline; authentication and sync are running from local data."},
		},
		Recommendations: []string{
			"Reconnect to the network; queued changes sync automatically once online.",
		},
	}
}

func TestFormatText_Sections(t *testing.T) {
	text := FormatText(sampleReport())

	for _, header := range []string{
		"=== Diagnostic Report ===",
		"=== Environment ===",
		"=== System ===",
		"=== Health ===",
		"=== Errors ===",
		"=== Troubleshooting ===",
		"=== Recommendations ===",
	} {
		assert.Contains(t, text, header)
	}
	assert.NotContains(t, text, "=== Panic ===")

	assert.Contains(t, text, "ID:               58f2a9c1-0000-4000-8000-000000000000")
	assert.Contains(t, text, "Wrapped container: true (confidence high)")
	assert.Contains(t, text, "detected (0.85)")
	assert.Contains(t, text, "[bridge responded on 127.0.0.1:18751]")
	assert.Contains(t, text, "not detected")
	assert.Contains(t, text, "kiddo-tablet (pid 4242")
	assert.Contains(t, text, "512 MB free of 2048 MB")
	assert.Contains(t, text, "Env:     FABLEWOOD_ENV=production")
	assert.Contains(t, text, "Overall: degraded")
	assert.Contains(t, text, "Total: 4 (critical 1, escalated no)")
	assert.Contains(t, text, "Last: [NETWORK_ERROR/medium] fetch timed out (token-refresh, 2026-03-14T09:25:00Z)")
	assert.Contains(t, text, "- Device is offline; authentication and sync are running from local data.")
	assert.Contains(t, text, "Critical findings: none")
	assert.Contains(t, text, " 1. Reconnect to the network; queued changes sync automatically once online.")
}

func TestFormatText_ComponentsSorted(t *testing.T) {
	text := FormatText(sampleReport())

	container := strings.Index(text, "container:")
	worker := strings.Index(text, "sync_worker:")
	require.Positive(t, container)
	require.Positive(t, worker)
	assert.Less(t, container, worker)
}

func TestFormatText_PanicSection(t *testing.T) {
	report := sampleReport()
	report.Panic = &PanicInfo{
		Component: "story-cache",
		Value:     "nil map write",
		Stack:     "goroutine 7 [running]:\nmain.fill(...)",
	}

	text := FormatText(report)

	assert.Contains(t, text, "=== Panic ===")
	assert.Contains(t, text, "Component: story-cache")
	assert.Contains(t, text, "Value:     nil map write")
	assert.Contains(t, text, "goroutine 7 [running]")
}

func TestFormatText_ZeroReport(t *testing.T) {
	text := FormatText(&Report{})

	assert.Contains(t, text, "Host:    unknown")
	assert.Contains(t, text, "last check never")
	assert.Contains(t, text, "Likely issues: none")
	assert.Contains(t, text, "Environment warnings: none")
}

func TestFormatJSON_RoundTrip(t *testing.T) {
	report := sampleReport()

	data, err := FormatJSON(report)
	require.NoError(t, err)

	var decoded Report
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, report.Metadata.ID, decoded.Metadata.ID)
	assert.Equal(t, report.Metadata.SessionDuration, decoded.Metadata.SessionDuration)
	assert.True(t, decoded.Environment.IsWrappedContainer)
	assert.Equal(t, report.Health.Components, decoded.Health.Components)
	assert.Equal(t, report.Errors.ByCategory, decoded.Errors.ByCategory)
	require.NotNil(t, decoded.Errors.LastError)
	assert.Equal(t, "fetch timed out", decoded.Errors.LastError.Message)
	assert.Equal(t, report.Recommendations, decoded.Recommendations)
}
