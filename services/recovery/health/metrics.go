// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package health

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("fablewood.recovery.health")
	meter  = otel.Meter("fablewood.recovery.health")
)

// Metrics for health evaluation.
var (
	overallState   metric.Int64Gauge
	componentState metric.Int64Gauge
	checkTotal     metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		overallState, err = meter.Int64Gauge(
			"health_overall_state",
			metric.WithDescription("Overall system health (0 healthy, 1 degraded, 2 critical, 3 emergency)"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		componentState, err = meter.Int64Gauge(
			"health_component_state",
			metric.WithDescription("Per-component health (0 ok, 1 degraded, 2 failed)"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		checkTotal, err = meter.Int64Counter(
			"health_check_total",
			metric.WithDescription("Total number of full health evaluations"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startCheckSpan creates a span for a full health evaluation.
func startCheckSpan(ctx context.Context, trigger string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Monitor.Check",
		trace.WithAttributes(
			attribute.String("health.trigger", trigger),
		),
	)
}

// setCheckSpanResult sets the outcome attributes on an evaluation span.
func setCheckSpanResult(span trace.Span, overall Overall, changes int) {
	span.SetAttributes(
		attribute.String("health.overall", string(overall)),
		attribute.Int("health.changes", changes),
	)
}

// recordHealthMetrics records the gauges after an evaluation.
func recordHealthMetrics(ctx context.Context, overall Overall, components map[string]State) {
	if err := initMetrics(); err != nil {
		return
	}

	overallState.Record(ctx, overallRank(overall))
	for component, state := range components {
		componentState.Record(ctx, stateRank(state),
			metric.WithAttributes(attribute.String("component", component)),
		)
	}
	checkTotal.Add(ctx, 1)
}
