// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package recovery

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("fablewood.recovery.system")
	meter  = otel.Meter("fablewood.recovery.system")
)

// Metrics for system integration and recovery coordination.
var (
	initDuration   metric.Float64Histogram
	initTotal      metric.Int64Counter
	recoveryTotal  metric.Int64Counter
	emergencyTotal metric.Int64Counter
	errorReports   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		initDuration, err = meter.Float64Histogram(
			"system_initialization_duration_seconds",
			metric.WithDescription("Time spent in the full initialization sequence"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		initTotal, err = meter.Int64Counter(
			"system_initialization_total",
			metric.WithDescription("Initialization runs by resulting mode"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		recoveryTotal, err = meter.Int64Counter(
			"component_recovery_total",
			metric.WithDescription("Component recovery attempts by component and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		emergencyTotal, err = meter.Int64Counter(
			"emergency_recovery_total",
			metric.WithDescription("Emergency recovery activations by trigger"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		errorReports, err = meter.Int64Counter(
			"error_reports_total",
			metric.WithDescription("Errors received through the global intake by category"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startInitSpan creates a span for the initialization sequence.
func startInitSpan(ctx context.Context) (context.Context, trace.Span) {
	return tracer.Start(ctx, "System.InitializeSystem")
}

// setInitSpanResult sets the outcome attributes on an initialization span.
func setInitSpanResult(span trace.Span, mode string, success bool, errs int) {
	span.SetAttributes(
		attribute.String("system.mode", mode),
		attribute.Bool("system.success", success),
		attribute.Int("system.errors", errs),
	)
}

// startRecoverySpan creates a span for one component recovery.
func startRecoverySpan(ctx context.Context, component string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "System.CoordinateComponentRecovery",
		trace.WithAttributes(
			attribute.String("recovery.component", component),
		),
	)
}

// setRecoverySpanResult sets the outcome attribute on a recovery span.
func setRecoverySpanResult(span trace.Span, success bool) {
	span.SetAttributes(attribute.Bool("recovery.success", success))
}

// startEmergencySpan creates a span for the emergency procedure.
func startEmergencySpan(ctx context.Context, trigger string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "System.TriggerEmergencyRecovery",
		trace.WithAttributes(
			attribute.String("emergency.trigger", trigger),
		),
	)
}

// recordInitMetrics records one initialization run.
func recordInitMetrics(ctx context.Context, mode string, timing time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	initDuration.Record(ctx, timing.Seconds())
	initTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// recordRecoveryMetrics records one component recovery attempt.
func recordRecoveryMetrics(ctx context.Context, component string, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	recoveryTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.Bool("success", success),
	))
}

// recordEmergencyMetrics records one emergency activation.
func recordEmergencyMetrics(ctx context.Context, trigger string) {
	if err := initMetrics(); err != nil {
		return
	}
	emergencyTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// recordErrorReportMetrics records one error intake.
func recordErrorReportMetrics(ctx context.Context, category string) {
	if err := initMetrics(); err != nil {
		return
	}
	errorReports.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}
