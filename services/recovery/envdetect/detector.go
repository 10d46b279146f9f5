// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package envdetect

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/fablewood/resilience/pkg/logging"
	"github.com/fablewood/resilience/services/recovery/bridge"
	"github.com/fablewood/resilience/services/recovery/store"
)

// Config configures the detector's probe inputs.
type Config struct {
	// WrapperEnvVars are checked in order; any non-empty value counts as
	// the wrapper announcing itself.
	WrapperEnvVars []string

	// LaunchModeVar names the env var carrying the launch mode. The value
	// "standalone" counts as wrapped.
	LaunchModeVar string

	// Origin is the app's configured origin URL. An android-app:// scheme
	// counts as wrapped.
	Origin string
}

// DefaultConfig returns the production probe inputs.
func DefaultConfig() Config {
	return Config{
		WrapperEnvVars: []string{"FABLEWOOD_WRAPPER", "TWA_PACKAGE"},
		LaunchModeVar:  "FABLEWOOD_LAUNCH_MODE",
	}
}

// Detector runs the six environment probes.
//
// # Description
//
// Detect runs the four synchronous probes (env vars, container runtime
// markers, launch mode, origin scheme). DetectAsync adds the two I/O
// probes: asking the loopback bridge for its platform, and reading the
// persisted install metadata. Callers on the startup path use Detect and
// upgrade to DetectAsync once blocking I/O is acceptable.
//
// A nil bridge client or metadata store simply makes the corresponding
// probe vote not-detected.
//
// # Examples
//
//	d := envdetect.NewDetector(envdetect.DefaultConfig(), bridgeClient, metaStore, logger)
//	info := d.Detect()
//	if info.IsWrappedContainer {
//	    // arm the container health component
//	}
//
// # Limitations
//
//   - Results are not cached; callers wanting stability across a session
//     should hold on to the Info they acted on.
//
// # Thread Safety
//
// Safe for concurrent use.
type Detector struct {
	config   Config
	bridge   bridge.Client
	metadata store.Store
	sys      SystemReader
	logger   *logging.Logger
}

// NewDetector creates a detector reading the real process environment.
func NewDetector(config Config, bridgeClient bridge.Client, metadata store.Store, logger *logging.Logger) *Detector {
	return NewDetectorWithSystemReader(config, bridgeClient, metadata, logger, osSystemReader{})
}

// NewDetectorWithSystemReader creates a detector with an injected system
// reader, primarily for tests.
func NewDetectorWithSystemReader(config Config, bridgeClient bridge.Client, metadata store.Store, logger *logging.Logger, sys SystemReader) *Detector {
	if logger == nil {
		logger = logging.Default()
	}
	return &Detector{
		config:   config,
		bridge:   bridgeClient,
		metadata: metadata,
		sys:      sys,
		logger:   logger.For(logging.CategoryContainer),
	}
}

// Detect runs the synchronous probes and aggregates their votes.
func (d *Detector) Detect() Info {
	info := summarize(d.syncProbes())
	d.logResult("environment detected", info)
	return info
}

// DetectAsync runs all six probes, the two I/O probes concurrently, and
// aggregates their votes.
func (d *Detector) DetectAsync(ctx context.Context) Info {
	methods := d.syncProbes()

	async := make([]MethodResult, 2)
	var g errgroup.Group
	g.Go(func() error {
		async[0] = runProbe(MethodBridgeProbe, func() MethodResult { return d.probeBridge(ctx) })
		return nil
	})
	g.Go(func() error {
		async[1] = runProbe(MethodInstallReferrer, func() MethodResult { return d.probeInstallReferrer(ctx) })
		return nil
	})
	_ = g.Wait()

	info := summarize(append(methods, async...))
	d.logResult("environment detected (async probes included)", info)
	return info
}

func (d *Detector) syncProbes() []MethodResult {
	return []MethodResult{
		runProbe(MethodWrapperEnv, d.probeWrapperEnv),
		runProbe(MethodContainerRuntime, d.probeContainerRuntime),
		runProbe(MethodLaunchMode, d.probeLaunchMode),
		runProbe(MethodOriginScheme, d.probeOriginScheme),
	}
}

// probeWrapperEnv looks for the wrapper shell's announcement variables.
func (d *Detector) probeWrapperEnv() MethodResult {
	for _, name := range d.config.WrapperEnvVars {
		if value := d.sys.Getenv(name); value != "" {
			return MethodResult{
				Method:     MethodWrapperEnv,
				Detected:   true,
				Confidence: confidenceWrapperEnv,
				Evidence:   fmt.Sprintf("%s=%s", name, value),
			}
		}
	}
	return notDetected(MethodWrapperEnv, "")
}

// probeContainerRuntime looks for docker/containerd markers on the host.
func (d *Detector) probeContainerRuntime() MethodResult {
	if d.sys.FileExists(dockerEnvPath) {
		return MethodResult{
			Method:     MethodContainerRuntime,
			Detected:   true,
			Confidence: confidenceContainerRuntime,
			Evidence:   dockerEnvPath + " present",
		}
	}
	if marker, ok := readCgroupMarker(d.sys); ok {
		return MethodResult{
			Method:     MethodContainerRuntime,
			Detected:   true,
			Confidence: confidenceContainerRuntime,
			Evidence:   cgroupPath + ": " + marker,
		}
	}
	return notDetected(MethodContainerRuntime, "")
}

// probeLaunchMode checks whether the app was launched standalone.
func (d *Detector) probeLaunchMode() MethodResult {
	mode := d.sys.Getenv(d.config.LaunchModeVar)
	if mode == "standalone" {
		return MethodResult{
			Method:     MethodLaunchMode,
			Detected:   true,
			Confidence: confidenceLaunchMode,
			Evidence:   fmt.Sprintf("%s=standalone", d.config.LaunchModeVar),
		}
	}
	if mode == "" {
		return notDetected(MethodLaunchMode, "")
	}
	return notDetected(MethodLaunchMode, fmt.Sprintf("%s=%s", d.config.LaunchModeVar, mode))
}

// probeOriginScheme checks the configured origin's scheme.
func (d *Detector) probeOriginScheme() MethodResult {
	if strings.HasPrefix(d.config.Origin, AndroidAppScheme) {
		return MethodResult{
			Method:     MethodOriginScheme,
			Detected:   true,
			Confidence: confidenceOriginScheme,
			Evidence:   "origin " + d.config.Origin,
		}
	}
	return notDetected(MethodOriginScheme, "")
}

// probeBridge asks the loopback bridge who it is. Any successful platform
// answer counts; an unreachable bridge is a normal zero vote.
func (d *Detector) probeBridge(ctx context.Context) MethodResult {
	if d.bridge == nil {
		return notDetected(MethodBridgeProbe, "no bridge client configured")
	}
	platform, err := d.bridge.Platform(ctx)
	if err != nil {
		return notDetected(MethodBridgeProbe, "")
	}
	return MethodResult{
		Method:     MethodBridgeProbe,
		Detected:   true,
		Confidence: confidenceBridgeProbe,
		Evidence:   "bridge platform: " + platform.Platform,
	}
}

// probeInstallReferrer reads the persisted install metadata and checks the
// referrer scheme.
func (d *Detector) probeInstallReferrer(ctx context.Context) MethodResult {
	if d.metadata == nil {
		return notDetected(MethodInstallReferrer, "no metadata store configured")
	}

	var meta InstallMetadata
	if err := store.GetJSON(ctx, d.metadata, InstallMetadataKey, &meta); err != nil {
		if store.IsNotFound(err) {
			return notDetected(MethodInstallReferrer, "")
		}
		return notDetected(MethodInstallReferrer, "metadata read failed: "+err.Error())
	}

	if !strings.HasPrefix(meta.Referrer, AndroidAppScheme) {
		return notDetected(MethodInstallReferrer, "")
	}
	return MethodResult{
		Method:     MethodInstallReferrer,
		Detected:   true,
		Confidence: confidenceInstallReferrer,
		Evidence:   "install referrer " + meta.Referrer,
	}
}

func (d *Detector) logResult(msg string, info Info) {
	detected := make([]string, 0, len(info.Methods))
	for _, m := range info.Methods {
		if m.Detected {
			detected = append(detected, m.Method)
		}
	}
	d.logger.Debug(msg,
		"wrapped", info.IsWrappedContainer,
		"confidence", string(info.Confidence),
		"detected_methods", strings.Join(detected, ","),
		"probes", len(info.Methods),
	)
}
