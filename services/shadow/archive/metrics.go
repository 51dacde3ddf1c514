// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

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

var (
	tracer = otel.Tracer("shadowscope.archive")
	meter  = otel.Meter("shadowscope.archive")
)

var (
	putsTotal         metric.Int64Counter
	putLatency        metric.Float64Histogram
	getLatency        metric.Float64Histogram
	integrityFailures metric.Int64Counter
	mirrorFailures    metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		putsTotal, err = meter.Int64Counter(
			"shadowscope_archive_puts_total",
			metric.WithDescription("Archive puts, by whether the content already existed"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		putLatency, err = meter.Float64Histogram(
			"shadowscope_archive_put_duration_seconds",
			metric.WithDescription("Duration of archive puts"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		getLatency, err = meter.Float64Histogram(
			"shadowscope_archive_get_duration_seconds",
			metric.WithDescription("Duration of verified archive reads"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		integrityFailures, err = meter.Int64Counter(
			"shadowscope_archive_integrity_failures_total",
			metric.WithDescription("Records that failed verification on read"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		mirrorFailures, err = meter.Int64Counter(
			"shadowscope_archive_mirror_failures_total",
			metric.WithDescription("Failed uploads to the archive mirror"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordPut(ctx context.Context, d time.Duration, dedup bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("dedup", dedup))
	putsTotal.Add(ctx, 1, attrs)
	putLatency.Record(ctx, d.Seconds(), attrs)
}

func recordGet(ctx context.Context, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	getLatency.Record(ctx, d.Seconds())
}

func recordIntegrityFailure(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	integrityFailures.Add(ctx, 1)
}

func recordMirrorFailure(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	mirrorFailures.Add(ctx, 1)
}

func startStoreSpan(ctx context.Context, name, address string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("archive.address", address)))
}

func setSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
