// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package envdetect

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablewood/resilience/pkg/logging"
	"github.com/fablewood/resilience/services/recovery/bridge"
	"github.com/fablewood/resilience/services/recovery/store"
)

// fakeSystemReader scripts env vars and files for probe tests.
type fakeSystemReader struct {
	env       map[string]string
	files     map[string][]byte
	getenvFn  func(key string) string
	readErrFn func(path string) error
}

func (f *fakeSystemReader) Getenv(key string) string {
	if f.getenvFn != nil {
		return f.getenvFn(key)
	}
	return f.env[key]
}

func (f *fakeSystemReader) FileExists(path string) bool {
	_, ok := f.files[path]
	return ok
}

func (f *fakeSystemReader) ReadFile(path string) ([]byte, error) {
	if f.readErrFn != nil {
		if err := f.readErrFn(path); err != nil {
			return nil, err
		}
	}
	data, ok := f.files[path]
	if !ok {
		return nil, errors.New("file not found")
	}
	return data, nil
}

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Quiet: true})
}

func newTestDetector(sys *fakeSystemReader, bridgeClient bridge.Client, metadata store.Store) *Detector {
	cfg := DefaultConfig()
	return NewDetectorWithSystemReader(cfg, bridgeClient, metadata, quietLogger(), sys)
}

func methodByName(t *testing.T, info Info, name string) MethodResult {
	t.Helper()
	for _, m := range info.Methods {
		if m.Method == name {
			return m
		}
	}
	t.Fatalf("method %q not in results", name)
	return MethodResult{}
}

// TestDetector_DetectPlainWebInstall verifies a browser-only environment
// yields no detection.
func TestDetector_DetectPlainWebInstall(t *testing.T) {
	sys := &fakeSystemReader{env: map[string]string{}, files: map[string][]byte{}}
	d := newTestDetector(sys, nil, nil)

	info := d.Detect()

	assert.False(t, info.IsWrappedContainer)
	assert.Equal(t, ConfidenceLow, info.Confidence)
	assert.Len(t, info.Methods, 4, "sync detect runs four probes")
	for _, m := range info.Methods {
		assert.False(t, m.Detected, "probe %s should not detect", m.Method)
		assert.Zero(t, m.Confidence)
	}
}

// TestDetector_DetectAllSyncSignals verifies all four sync probes firing
// flips the wrapped decision.
func TestDetector_DetectAllSyncSignals(t *testing.T) {
	sys := &fakeSystemReader{
		env: map[string]string{
			"TWA_PACKAGE":           "app.fablewood.twa",
			"FABLEWOOD_LAUNCH_MODE": "standalone",
		},
		files: map[string][]byte{
			"/.dockerenv": {},
		},
	}
	cfg := DefaultConfig()
	cfg.Origin = "android-app://app.fablewood.twa"
	d := NewDetectorWithSystemReader(cfg, nil, nil, quietLogger(), sys)

	info := d.Detect()

	require.True(t, info.IsWrappedContainer)
	assert.Equal(t, "TWA_PACKAGE=app.fablewood.twa", methodByName(t, info, MethodWrapperEnv).Evidence)
	assert.True(t, methodByName(t, info, MethodContainerRuntime).Detected)
	assert.True(t, methodByName(t, info, MethodLaunchMode).Detected)
	assert.True(t, methodByName(t, info, MethodOriginScheme).Detected)
}

// TestDetector_SingleWeakSignalStaysUnwrapped verifies one probe alone
// cannot flip the decision.
func TestDetector_SingleWeakSignalStaysUnwrapped(t *testing.T) {
	sys := &fakeSystemReader{
		env:   map[string]string{"FABLEWOOD_WRAPPER": "1"},
		files: map[string][]byte{},
	}
	d := newTestDetector(sys, nil, nil)

	info := d.Detect()

	assert.False(t, info.IsWrappedContainer, "0.85/4 is below the threshold")
	assert.True(t, methodByName(t, info, MethodWrapperEnv).Detected)
	assert.Equal(t, ConfidenceHigh, info.Confidence, "the one signal that fired is a strong one")
}

// TestDetector_CgroupMarkers verifies containerd and docker markers in the
// init cgroup are both recognized.
func TestDetector_CgroupMarkers(t *testing.T) {
	for _, marker := range []string{"docker", "containerd"} {
		sys := &fakeSystemReader{
			env: map[string]string{},
			files: map[string][]byte{
				"/proc/1/cgroup": []byte("0::/system.slice/" + marker + "-abc123.scope"),
			},
		}
		d := newTestDetector(sys, nil, nil)

		result := methodByName(t, d.Detect(), MethodContainerRuntime)
		assert.True(t, result.Detected, "marker %s", marker)
		assert.Contains(t, result.Evidence, marker)
	}
}

// TestDetector_BrowserLaunchModeRecordsEvidence verifies an explicit
// browser launch mode is a zero vote but keeps its evidence.
func TestDetector_BrowserLaunchModeRecordsEvidence(t *testing.T) {
	sys := &fakeSystemReader{
		env:   map[string]string{"FABLEWOOD_LAUNCH_MODE": "browser"},
		files: map[string][]byte{},
	}
	d := newTestDetector(sys, nil, nil)

	result := methodByName(t, d.Detect(), MethodLaunchMode)
	assert.False(t, result.Detected)
	assert.Contains(t, result.Evidence, "browser")
}

// TestDetector_DetectAsync verifies the bridge and install-referrer probes
// join the vote.
func TestDetector_DetectAsync(t *testing.T) {
	sys := &fakeSystemReader{
		env: map[string]string{
			"TWA_PACKAGE":           "app.fablewood.twa",
			"FABLEWOOD_LAUNCH_MODE": "standalone",
		},
		files: map[string][]byte{},
	}

	mockBridge := &bridge.MockClient{
		PlatformFunc: func(ctx context.Context) (*bridge.PlatformInfo, error) {
			return &bridge.PlatformInfo{Platform: "android", Native: true}, nil
		},
	}

	metadata := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.SetJSON(ctx, metadata, InstallMetadataKey, InstallMetadata{
		Referrer: "android-app://com.android.vending",
	}))

	d := newTestDetector(sys, mockBridge, metadata)
	info := d.DetectAsync(ctx)

	require.Len(t, info.Methods, 6)
	require.True(t, info.IsWrappedContainer, "0.85+0.6+0.9+0.8 over six probes clears the threshold")
	assert.Equal(t, ConfidenceMedium, info.Confidence)

	bridgeResult := methodByName(t, info, MethodBridgeProbe)
	assert.True(t, bridgeResult.Detected)
	assert.Contains(t, bridgeResult.Evidence, "android")

	referrer := methodByName(t, info, MethodInstallReferrer)
	assert.True(t, referrer.Detected)
	assert.Contains(t, referrer.Evidence, "android-app://com.android.vending")
}

// TestDetector_AsyncProbesTolerateAbsence verifies nil bridge/store and an
// unreachable bridge all vote zero without failing detection.
func TestDetector_AsyncProbesTolerateAbsence(t *testing.T) {
	sys := &fakeSystemReader{env: map[string]string{}, files: map[string][]byte{}}

	d := newTestDetector(sys, nil, nil)
	info := d.DetectAsync(context.Background())

	require.Len(t, info.Methods, 6)
	assert.False(t, methodByName(t, info, MethodBridgeProbe).Detected)
	assert.False(t, methodByName(t, info, MethodInstallReferrer).Detected)

	// Unreachable bridge (MockClient default) and empty store.
	d = newTestDetector(sys, &bridge.MockClient{}, store.NewMemoryStore())
	info = d.DetectAsync(context.Background())

	assert.False(t, methodByName(t, info, MethodBridgeProbe).Detected)
	assert.False(t, methodByName(t, info, MethodInstallReferrer).Detected)
}

// TestDetector_HTTPSReferrerVotesZero verifies a plain web install
// referrer does not count.
func TestDetector_HTTPSReferrerVotesZero(t *testing.T) {
	sys := &fakeSystemReader{env: map[string]string{}, files: map[string][]byte{}}

	metadata := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.SetJSON(ctx, metadata, InstallMetadataKey, InstallMetadata{
		Referrer: "https://stories.fablewood.app",
	}))

	d := newTestDetector(sys, nil, metadata)
	info := d.DetectAsync(ctx)

	assert.False(t, methodByName(t, info, MethodInstallReferrer).Detected)
}

// TestDetector_PanickingProbeVotesZero verifies a probe panic is contained
// as a zero vote.
func TestDetector_PanickingProbeVotesZero(t *testing.T) {
	sys := &fakeSystemReader{
		env:   map[string]string{},
		files: map[string][]byte{},
		getenvFn: func(key string) string {
			panic("broken system reader")
		},
	}
	d := newTestDetector(sys, nil, nil)

	var info Info
	require.NotPanics(t, func() { info = d.Detect() })

	wrapper := methodByName(t, info, MethodWrapperEnv)
	assert.False(t, wrapper.Detected)
	assert.Zero(t, wrapper.Confidence)
	assert.Contains(t, wrapper.Evidence, "probe panicked")
}

// TestSummarize_Buckets verifies the confidence bucket thresholds.
func TestSummarize_Buckets(t *testing.T) {
	tests := []struct {
		name    string
		methods []MethodResult
		wrapped bool
		bucket  Confidence
	}{
		{
			name:    "no probes",
			methods: nil,
			wrapped: false,
			bucket:  ConfidenceLow,
		},
		{
			name: "strong agreement",
			methods: []MethodResult{
				{Method: "a", Detected: true, Confidence: 0.9},
				{Method: "b", Detected: true, Confidence: 0.85},
			},
			wrapped: true,
			bucket:  ConfidenceHigh,
		},
		{
			name: "medium agreement",
			methods: []MethodResult{
				{Method: "a", Detected: true, Confidence: 0.7},
				{Method: "b", Detected: true, Confidence: 0.7},
			},
			wrapped: true,
			bucket:  ConfidenceMedium,
		},
		{
			name: "weak signals detected but below threshold",
			methods: []MethodResult{
				{Method: "a", Detected: true, Confidence: 0.5},
				{Method: "b", Detected: false},
				{Method: "c", Detected: false},
			},
			wrapped: false,
			bucket:  ConfidenceLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := summarize(tt.methods)
			assert.Equal(t, tt.wrapped, info.IsWrappedContainer)
			assert.Equal(t, tt.bucket, info.Confidence)
		})
	}
}
