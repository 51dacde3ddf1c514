// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("shadowscope.query")
	meter  = otel.Meter("shadowscope.query")
)

var (
	recordsScanned   metric.Int64Counter
	recordsDecrypted metric.Int64Counter
	recordsMatched   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		recordsScanned, err = meter.Int64Counter(
			"shadowscope_query_records_scanned_total",
			metric.WithDescription("Index entries examined by queries"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		recordsDecrypted, err = meter.Int64Counter(
			"shadowscope_query_records_decrypted_total",
			metric.WithDescription("Records decrypted after passing the prefilter"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		recordsMatched, err = meter.Int64Counter(
			"shadowscope_query_records_matched_total",
			metric.WithDescription("Records with at least one matching node"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordQuery(ctx context.Context, s Stats) {
	if err := initMetrics(); err != nil {
		return
	}
	// Counted even when the query was cancelled.
	ctx = context.WithoutCancel(ctx)
	recordsScanned.Add(ctx, int64(s.Scanned))
	recordsDecrypted.Add(ctx, int64(s.Decrypted))
	recordsMatched.Add(ctx, int64(s.Matched))
}

func startQuerySpan(ctx context.Context, sources int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "query.Query", trace.WithAttributes(attribute.Int("query.sources", sources)))
}

func endQuerySpan(span trace.Span, s Stats) {
	span.SetAttributes(
		attribute.Int("query.scanned", s.Scanned),
		attribute.Int("query.decrypted", s.Decrypted),
		attribute.Int("query.matched", s.Matched),
		attribute.Int("query.failed", s.Failed),
	)
	span.End()
}
