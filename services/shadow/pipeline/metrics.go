// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("shadowscope.pipeline")
	meter  = otel.Meter("shadowscope.pipeline")
)

var (
	runsTotal   metric.Int64Counter
	runDuration metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		runsTotal, err = meter.Int64Counter(
			"shadowscope_pipeline_runs_total",
			metric.WithDescription("Analysis runs by status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		runDuration, err = meter.Float64Histogram(
			"shadowscope_pipeline_run_duration_seconds",
			metric.WithDescription("End-to-end duration of an analysis run"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordRun(ctx context.Context, out *Outcome) {
	if err := initMetrics(); err != nil {
		return
	}
	status := "ok"
	if out.Err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	ctx = context.WithoutCancel(ctx)
	runsTotal.Add(ctx, 1, attrs)
	runDuration.Record(ctx, out.Duration.Seconds(), attrs)
}

func startRunSpan(ctx context.Context, job, runID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pipeline.Analyze", trace.WithAttributes(
		attribute.String("pipeline.job", job),
		attribute.String("pipeline.run_id", runID),
	))
}

func setSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
