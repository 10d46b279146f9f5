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
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fablewood/resilience/pkg/logging"
	"github.com/fablewood/resilience/services/recovery/bridge"
	"github.com/fablewood/resilience/services/recovery/classify"
	"github.com/fablewood/resilience/services/recovery/connectivity"
	"github.com/fablewood/resilience/services/recovery/envdetect"
	"github.com/fablewood/resilience/services/recovery/health"
	"github.com/fablewood/resilience/services/recovery/store"
	"github.com/fablewood/resilience/services/recovery/sysinfo"
)

// CollectorConfig wires a Collector. Every dependency is optional; a
// missing one zeroes its report section instead of failing.
type CollectorConfig struct {
	// Detector supplies the environment section via DetectAsync.
	Detector *envdetect.Detector

	// System supplies the host/process snapshot. Nil gets a default
	// collector without a data directory.
	System *sysinfo.Collector

	// Health returns the current health snapshot.
	Health func(ctx context.Context) health.Status

	// Errors returns the classified failure summary.
	Errors func() classify.Summary

	// History is the log ring exported by ExportLogs.
	History *logging.History

	// Stores is probed for the backend-availability rule.
	Stores *store.Replicated

	// Checker feeds the offline rule.
	Checker connectivity.Checker

	// Bridge feeds the bridge-health rule.
	Bridge bridge.Client

	// SessionStart anchors SessionDuration. Zero means collector
	// construction time.
	SessionStart time.Time

	// Logger for collection problems.
	Logger *logging.Logger
}

// Collector assembles diagnostic reports.
//
// # Thread Safety
//
// Safe for concurrent use.
type Collector struct {
	detector     *envdetect.Detector
	system       *sysinfo.Collector
	health       func(ctx context.Context) health.Status
	errors       func() classify.Summary
	history      *logging.History
	stores       *store.Replicated
	checker      connectivity.Checker
	bridge       bridge.Client
	sessionStart time.Time
	logger       *logging.Logger

	now func() time.Time
}

// NewCollector builds a collector from the config.
func NewCollector(cfg CollectorConfig) *Collector {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	system := cfg.System
	if system == nil {
		system = sysinfo.NewCollector("")
	}

	sessionStart := cfg.SessionStart
	if sessionStart.IsZero() {
		sessionStart = time.Now()
	}

	return &Collector{
		detector:     cfg.Detector,
		system:       system,
		health:       cfg.Health,
		errors:       cfg.Errors,
		history:      cfg.History,
		stores:       cfg.Stores,
		checker:      cfg.Checker,
		bridge:       cfg.Bridge,
		sessionStart: sessionStart,
		logger:       logger.For(logging.CategoryDiagnostics),
		now:          time.Now,
	}
}

// GenerateReport assembles a full diagnostic report. Sections whose
// sources are broken or absent come back zero-valued; the report itself
// always succeeds.
func (c *Collector) GenerateReport(ctx context.Context) *Report {
	return c.generate(ctx, "manual")
}

// EmergencyReport is GenerateReport for the emergency recovery path; it
// differs only in how the report is attributed in telemetry.
func (c *Collector) EmergencyReport(ctx context.Context) *Report {
	return c.generate(ctx, "emergency")
}

func (c *Collector) generate(ctx context.Context, trigger string) *Report {
	ctx, span := startReportSpan(ctx, trigger)
	defer span.End()
	start := time.Now()

	report := &Report{
		Metadata: Metadata{
			ID:              uuid.NewString(),
			GeneratedAt:     c.now(),
			SessionDuration: c.now().Sub(c.sessionStart),
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer c.recoverGather("environment")
		if c.detector != nil {
			report.Environment = c.detector.DetectAsync(gctx)
		}
		return nil
	})
	g.Go(func() error {
		defer c.recoverGather("system")
		report.System = c.system.Collect()
		return nil
	})
	g.Go(func() error {
		defer c.recoverGather("health")
		if c.health != nil {
			report.Health = c.health(gctx)
		}
		return nil
	})
	g.Go(func() error {
		defer c.recoverGather("errors")
		if c.errors != nil {
			report.Errors = c.errors()
		}
		return nil
	})
	_ = g.Wait()

	found := c.troubleshoot(ctx, report)
	report.Recommendations = generateRecommendations(found)

	findings := len(report.Troubleshooting.LikelyIssues) +
		len(report.Troubleshooting.CriticalFindings) +
		len(report.Troubleshooting.EnvironmentWarnings)

	setReportSpanResult(span, report.Metadata.ID, findings)
	recordReportMetrics(ctx, trigger, time.Since(start))

	c.logger.Info("diagnostic report generated",
		"report_id", report.Metadata.ID,
		"trigger", trigger,
		"findings", findings,
	)
	return report
}

// ExportLogs serializes the full log history, oldest first.
func (c *Collector) ExportLogs() ([]byte, error) {
	if c.history == nil {
		return nil, errors.New("diagnostics: no log history wired")
	}
	return c.history.ExportJSON()
}

// recoverGather keeps one broken section from sinking the whole report.
func (c *Collector) recoverGather(section string) {
	if r := recover(); r != nil {
		c.logger.Error("report section gather panicked",
			"section", section,
			"panic", fmt.Sprint(r),
		)
	}
}

// findings tracks which troubleshooting rules fired, for the
// recommendation mapping.
type findings struct {
	offline           bool
	storage           bool
	healthCritical    bool
	escalated         bool
	unverifiedInstall bool
	bridgeUnhealthy   bool
	desktopHost       bool
}

// troubleshoot runs the rule pass over the gathered report and fills in
// Troubleshooting.
func (c *Collector) troubleshoot(ctx context.Context, r *Report) findings {
	var f findings
	t := &r.Troubleshooting

	if r.Environment.IsWrappedContainer && !methodDetected(r.Environment, envdetect.MethodInstallReferrer) {
		f.unverifiedInstall = true
		t.EnvironmentWarnings = append(t.EnvironmentWarnings,
			"Wrapped container without a verified install origin; install metadata is missing or carries no android-app referrer.")
	}

	if c.bridge != nil && c.bridge.Available(ctx) {
		if _, err := c.bridge.Platform(ctx); err != nil {
			f.bridgeUnhealthy = true
			t.CriticalFindings = append(t.CriticalFindings,
				fmt.Sprintf("Wrapper bridge responds but its platform endpoint fails: %v.", err))
		}
	}

	if c.checker != nil && !c.checker.Online(ctx) {
		f.offline = true
		t.LikelyIssues = append(t.LikelyIssues,
			"Device is offline; authentication and sync are running from local data.")
	}

	if c.stores != nil {
		available := c.stores.Available(ctx)
		backends := make([]string, 0, len(available))
		for name, ok := range available {
			if !ok {
				backends = append(backends, name)
			}
		}
		if len(backends) > 0 {
			sort.Strings(backends)
			f.storage = true
			for _, name := range backends {
				t.LikelyIssues = append(t.LikelyIssues,
					fmt.Sprintf("Storage backend %q is unavailable; session persistence is degraded.", name))
			}
		}
	}

	if r.Health.Overall == health.OverallCritical || r.Health.Overall == health.OverallEmergency {
		f.healthCritical = true
		t.CriticalFindings = append(t.CriticalFindings,
			fmt.Sprintf("Overall health is %s: %s.", r.Health.Overall, unhealthyComponents(r.Health)))
	}

	if r.Errors.Escalated {
		f.escalated = true
		t.CriticalFindings = append(t.CriticalFindings,
			fmt.Sprintf("Error history escalated: %d critical failures in the current window.", r.Errors.CriticalCount))
	}

	if r.Environment.IsWrappedContainer && r.System.OS != "android" && r.System.OS != "ios" {
		f.desktopHost = true
		t.EnvironmentWarnings = append(t.EnvironmentWarnings,
			fmt.Sprintf("Wrapped container signals on a desktop-class host (%s/%s).", r.System.OS, r.System.Arch))
	}

	return f
}

// generateRecommendations maps fired rules to fixed remediation steps.
func generateRecommendations(f findings) []string {
	var recs []string
	if f.offline {
		recs = append(recs, "Reconnect to the network; queued changes sync automatically once online.")
	}
	if f.storage {
		recs = append(recs, "Restart the app to reinitialize local storage; progress re-syncs after sign-in.")
	}
	if f.healthCritical {
		recs = append(recs, "Trigger component recovery for the failing components, or restart the app.")
	}
	if f.escalated {
		recs = append(recs, "Export the logs together with this report before restarting; repeated critical failures suggest a systemic cause.")
	}
	if f.bridgeUnhealthy {
		recs = append(recs, "Update or reinstall the wrapper app; the native shell is responding but broken.")
	}
	if f.unverifiedInstall {
		recs = append(recs, "Reinstall from the store listing to restore a verified install origin.")
	}
	if f.desktopHost {
		recs = append(recs, "Container features are best-effort on desktop hosts; prefer the plain PWA install there.")
	}
	if len(recs) == 0 {
		recs = append(recs, "No issues detected; no action needed.")
	}
	return recs
}

func methodDetected(info envdetect.Info, method string) bool {
	for _, m := range info.Methods {
		if m.Method == method {
			return m.Detected
		}
	}
	return false
}

func unhealthyComponents(status health.Status) string {
	var parts []string
	for component, state := range status.Components {
		if state == health.StateFailed || state == health.StateDegraded {
			parts = append(parts, fmt.Sprintf("%s=%s", component, state))
		}
	}
	if len(parts) == 0 {
		return "no single component at fault"
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
