// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for session recovery operations.
var (
	tracer = otel.Tracer("fablewood.recovery.session")
	meter  = otel.Meter("fablewood.recovery.session")
)

// Metrics for session recovery operations.
var (
	recoveryLatency metric.Float64Histogram
	recoveryTotal   metric.Int64Counter
	refreshTotal    metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		recoveryLatency, err = meter.Float64Histogram(
			"session_recovery_duration_seconds",
			metric.WithDescription("Duration of session recovery attempts"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		recoveryTotal, err = meter.Int64Counter(
			"session_recovery_total",
			metric.WithDescription("Total session recovery attempts by method and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		refreshTotal, err = meter.Int64Counter(
			"session_token_refresh_total",
			metric.WithDescription("Total token refresh operations by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startRecoverySpan creates a span for a recovery attempt.
func startRecoverySpan(ctx context.Context, retryEnabled bool) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Engine.AttemptRecovery",
		trace.WithAttributes(
			attribute.Bool("recovery.retry_enabled", retryEnabled),
		),
	)
}

// setRecoverySpanResult sets the result attributes on a recovery span.
func setRecoverySpanResult(span trace.Span, method string, success bool, passes int) {
	span.SetAttributes(
		attribute.String("recovery.method", method),
		attribute.Bool("recovery.success", success),
		attribute.Int("recovery.passes", passes),
	)
}

// recordRecoveryMetrics records metrics for a completed recovery attempt.
func recordRecoveryMetrics(ctx context.Context, duration time.Duration, method string, success bool) {
	if err := initMetrics(); err != nil {
		return
	}

	recoveryLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.Bool("success", success),
	))
	recoveryTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.Bool("success", success),
	))
}

// recordRefreshMetrics records a token refresh outcome.
func recordRefreshMetrics(ctx context.Context, attempts int, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	refreshTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("attempts", attempts),
		attribute.Bool("success", success),
	))
}
