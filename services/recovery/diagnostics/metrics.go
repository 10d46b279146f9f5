// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package diagnostics

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
	tracer = otel.Tracer("fablewood.recovery.diagnostics")
	meter  = otel.Meter("fablewood.recovery.diagnostics")
)

// Metrics for report generation.
var (
	reportLatency metric.Float64Histogram
	reportTotal   metric.Int64Counter
	panicTotal    metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		reportLatency, err = meter.Float64Histogram(
			"diagnostics_report_duration_seconds",
			metric.WithDescription("Duration of diagnostic report generation"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		reportTotal, err = meter.Int64Counter(
			"diagnostics_report_total",
			metric.WithDescription("Total number of diagnostic reports generated"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		panicTotal, err = meter.Int64Counter(
			"diagnostics_panic_recovered_total",
			metric.WithDescription("Total number of panics captured by the panic handler"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startReportSpan creates a span for a report generation.
func startReportSpan(ctx context.Context, trigger string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Collector.GenerateReport",
		trace.WithAttributes(
			attribute.String("diagnostics.trigger", trigger),
		),
	)
}

// setReportSpanResult sets the outcome attributes on a report span.
func setReportSpanResult(span trace.Span, reportID string, findings int) {
	span.SetAttributes(
		attribute.String("diagnostics.report_id", reportID),
		attribute.Int("diagnostics.findings", findings),
	)
}

// recordReportMetrics records one report generation.
func recordReportMetrics(ctx context.Context, trigger string, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("trigger", trigger))
	reportLatency.Record(ctx, duration.Seconds(), attrs)
	reportTotal.Add(ctx, 1, attrs)
}

// recordPanicCaptured records one captured panic.
func recordPanicCaptured(ctx context.Context, component string) {
	if err := initMetrics(); err != nil {
		return
	}
	panicTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("component", component)),
	)
}
