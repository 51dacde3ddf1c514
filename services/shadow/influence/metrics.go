// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package influence

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
	tracer = otel.Tracer("shadowscope.influence")
	meter  = otel.Meter("shadowscope.influence")
)

var (
	propagateLatency metric.Float64Histogram
	truncatedTotal   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		propagateLatency, err = meter.Float64Histogram(
			"shadowscope_influence_propagate_duration_seconds",
			metric.WithDescription("Duration of influence propagation per graph"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		truncatedTotal, err = meter.Int64Counter(
			"shadowscope_influence_decay_truncated_total",
			metric.WithDescription("Nodes whose propagation was cut off by the decay floor"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordPropagateMetrics(ctx context.Context, duration time.Duration, truncated int) {
	if err := initMetrics(); err != nil {
		return
	}
	propagateLatency.Record(ctx, duration.Seconds())
	if truncated > 0 {
		truncatedTotal.Add(ctx, int64(truncated))
	}
}

func startPropagateSpan(ctx context.Context, nodes, edges int, floor float64) (context.Context, trace.Span) {
	return tracer.Start(ctx, "influence.Propagate",
		trace.WithAttributes(
			attribute.Int("graph.node_count", nodes),
			attribute.Int("graph.edge_count", edges),
			attribute.Float64("influence.decay_floor", floor),
		),
	)
}

func setPropagateSpanResult(span trace.Span, truncated int) {
	span.SetAttributes(attribute.Int("influence.truncated_count", truncated))
}
