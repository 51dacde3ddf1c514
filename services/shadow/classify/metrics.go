// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package classify

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("shadowscope.classify")
	meter  = otel.Meter("shadowscope.classify")
)

var (
	runsClassified metric.Int64Counter
	silenceScore   metric.Float64Histogram
	nodesByLabel   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		runsClassified, err = meter.Int64Counter(
			"shadowscope_runs_classified_total",
			metric.WithDescription("Total number of classified runs"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		silenceScore, err = meter.Float64Histogram(
			"shadowscope_silence_score",
			metric.WithDescription("Silence score per classified run"),
			metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.2, 0.3, 0.5, 0.7, 0.9, 1),
		)
		if err != nil {
			metricsErr = err
			return
		}

		nodesByLabel, err = meter.Int64Counter(
			"shadowscope_nodes_classified_total",
			metric.WithDescription("Classified operations by label"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordClassifyMetrics(ctx context.Context, m *RunMetrics) {
	if err := initMetrics(); err != nil {
		return
	}
	runsClassified.Add(ctx, 1)
	silenceScore.Record(ctx, m.SilenceScore)
	nodesByLabel.Add(ctx, int64(m.ExpressedCount), metric.WithAttributes(attribute.String("label", Expressed.String())))
	nodesByLabel.Add(ctx, int64(m.SuppressedCount), metric.WithAttributes(attribute.String("label", Suppressed.String())))
	nodesByLabel.Add(ctx, int64(m.VoidCount), metric.WithAttributes(attribute.String("label", Void.String())))
}

func startClassifySpan(ctx context.Context, nodes int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "classify.Classify",
		trace.WithAttributes(attribute.Int("graph.node_count", nodes)),
	)
}

func setClassifySpanResult(span trace.Span, m *RunMetrics) {
	span.SetAttributes(
		attribute.Float64("classify.silence_score", m.SilenceScore),
		attribute.Int("classify.void_depth", m.VoidDepth),
		attribute.Int("classify.suppressed_count", m.SuppressedCount),
	)
}
