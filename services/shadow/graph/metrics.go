// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for graph construction.
var (
	tracer = otel.Tracer("shadowscope.graph")
	meter  = otel.Meter("shadowscope.graph")
)

var (
	buildLatency metric.Float64Histogram
	buildTotal   metric.Int64Counter
	nodesPerRun  metric.Int64Histogram
	edgesPerRun  metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		buildLatency, err = meter.Float64Histogram(
			"shadowscope_graph_build_duration_seconds",
			metric.WithDescription("Duration of capture-to-graph builds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		buildTotal, err = meter.Int64Counter(
			"shadowscope_graph_build_total",
			metric.WithDescription("Total number of graph builds"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		nodesPerRun, err = meter.Int64Histogram(
			"shadowscope_graph_nodes",
			metric.WithDescription("Number of operations per captured pass"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		edgesPerRun, err = meter.Int64Histogram(
			"shadowscope_graph_edges",
			metric.WithDescription("Number of data dependencies per captured pass"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordBuildMetrics(ctx context.Context, duration time.Duration, nodeCount, edgeCount int, success bool) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.Bool("success", success))
	buildLatency.Record(ctx, duration.Seconds(), attrs)
	buildTotal.Add(ctx, 1, attrs)

	if success {
		nodesPerRun.Record(ctx, int64(nodeCount))
		edgesPerRun.Record(ctx, int64(edgeCount))
	}
}

func startBuildSpan(ctx context.Context) (context.Context, trace.Span) {
	return tracer.Start(ctx, "graph.Build")
}

func setBuildSpanResult(span trace.Span, nodeCount, edgeCount, outputCount int) {
	span.SetAttributes(
		attribute.Int("graph.node_count", nodeCount),
		attribute.Int("graph.edge_count", edgeCount),
		attribute.Int("graph.output_count", outputCount),
	)
}

func setBuildSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
