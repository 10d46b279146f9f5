// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package envdetect answers whether the app is running inside the wrapped
// native container or as a plain web install.
//
// No single signal is trustworthy: env vars can leak into dev shells, the
// loopback bridge can be down during startup, cgroups lie inside nested
// containers. The detector runs six independent probes, each voting with
// its own confidence, and aggregates. Results are computed fresh on every
// call; detection is cheap and staleness here misroutes recovery.
package envdetect

import (
	"fmt"
	"os"
	"strings"
)

// Detection method names, stable identifiers in diagnostics reports.
const (
	MethodWrapperEnv       = "wrapper-env"
	MethodContainerRuntime = "container-runtime"
	MethodLaunchMode       = "launch-mode"
	MethodOriginScheme     = "origin-scheme"
	MethodBridgeProbe      = "bridge-probe"
	MethodInstallReferrer  = "install-referrer"
)

// Per-method confidence weights. The bridge answering is near-proof; an
// origin scheme is barely better than a coin flip.
const (
	confidenceWrapperEnv       = 0.85
	confidenceContainerRuntime = 0.7
	confidenceLaunchMode       = 0.6
	confidenceOriginScheme     = 0.5
	confidenceBridgeProbe      = 0.9
	confidenceInstallReferrer  = 0.8
)

// wrappedThreshold is the mean confidence over all probes above which the
// environment counts as wrapped.
const wrappedThreshold = 0.5

// Container runtime markers.
const (
	dockerEnvPath = "/.dockerenv"
	cgroupPath    = "/proc/1/cgroup"
)

// AndroidAppScheme marks origins and referrers coming from the native
// Android shell.
const AndroidAppScheme = "android-app://"

// InstallMetadataKey is the store key holding the install metadata record.
const InstallMetadataKey = "install-metadata"

// Confidence buckets the detector's certainty for human consumers.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// MethodResult is one probe's vote.
type MethodResult struct {
	// Method names the probe.
	Method string `json:"method"`

	// Detected reports whether the probe saw its signal.
	Detected bool `json:"detected"`

	// Confidence is the probe's weight when detected, 0 otherwise.
	Confidence float64 `json:"confidence"`

	// Evidence is a human-readable note on what the probe saw.
	Evidence string `json:"evidence,omitempty"`
}

// Info is the aggregated detection result.
type Info struct {
	// IsWrappedContainer is true when the mean confidence over all probes
	// exceeds the wrapped threshold.
	IsWrappedContainer bool `json:"is_wrapped_container"`

	// Confidence buckets how strongly the detected probes agree.
	Confidence Confidence `json:"confidence"`

	// Methods lists every probe's vote, in probe order.
	Methods []MethodResult `json:"methods"`
}

// InstallMetadata is the persisted record of how the app was installed.
// Written at first launch, read by the install-referrer probe.
type InstallMetadata struct {
	// Referrer is the install referrer URL, if the platform reported one.
	Referrer string `json:"referrer"`

	// InstalledAt is the first-launch time in Unix epoch seconds.
	InstalledAt int64 `json:"installed_at,omitempty"`
}

// SystemReader abstracts the process environment and local filesystem so
// tests can script probe inputs.
type SystemReader interface {
	// Getenv returns the named environment variable, empty when unset.
	Getenv(key string) string

	// FileExists reports whether path exists.
	FileExists(path string) bool

	// ReadFile returns the contents of path.
	ReadFile(path string) ([]byte, error)
}

// osSystemReader reads the real process environment.
type osSystemReader struct{}

func (osSystemReader) Getenv(key string) string { return os.Getenv(key) }

func (osSystemReader) FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (osSystemReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// summarize aggregates probe votes into an Info.
//
// The wrapped decision averages confidence over ALL probes, counting
// undetected probes as zero, so one strong signal alone cannot flip it.
// The confidence bucket averages only the DETECTED probes: it reports how
// much the signals that did fire agree, not how many fired.
func summarize(methods []MethodResult) Info {
	var total, detectedTotal float64
	detected := 0
	for _, m := range methods {
		if m.Detected {
			total += m.Confidence
			detectedTotal += m.Confidence
			detected++
		}
	}

	info := Info{
		Confidence: ConfidenceLow,
		Methods:    methods,
	}
	if len(methods) == 0 {
		return info
	}

	info.IsWrappedContainer = total/float64(len(methods)) > wrappedThreshold

	if detected > 0 {
		switch mean := detectedTotal / float64(detected); {
		case mean > 0.8:
			info.Confidence = ConfidenceHigh
		case mean > 0.65:
			info.Confidence = ConfidenceMedium
		}
	}
	return info
}

// notDetected builds a zero-vote for a probe, with an optional note.
func notDetected(method, evidence string) MethodResult {
	return MethodResult{Method: method, Evidence: evidence}
}

// readCgroupMarker scans the init cgroup file for container runtime names.
func readCgroupMarker(sys SystemReader) (string, bool) {
	data, err := sys.ReadFile(cgroupPath)
	if err != nil {
		return "", false
	}
	content := string(data)
	for _, marker := range []string{"docker", "containerd"} {
		if strings.Contains(content, marker) {
			return marker, true
		}
	}
	return "", false
}

// runProbe invokes one probe, converting a panic into a zero vote. A
// broken probe must never take detection down with it.
func runProbe(method string, fn func() MethodResult) (result MethodResult) {
	defer func() {
		if r := recover(); r != nil {
			result = notDetected(method, fmt.Sprintf("probe panicked: %v", r))
		}
	}()
	return fn()
}
