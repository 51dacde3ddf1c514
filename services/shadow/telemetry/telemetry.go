// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires the OpenTelemetry providers that every shadowscope
// package reports through.
//
// Packages use otel.Tracer and otel.Meter directly; Init only decides where
// the data goes. Exporters:
//
//	traces:  otlp (gRPC), stdout, none
//	metrics: prometheus (scraped via MetricsHandler), stdout, none
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

var (
	// ErrNilContext is returned when Init is called without a context.
	ErrNilContext = errors.New("telemetry: nil context")

	// ErrUnknownExporter is returned for unsupported exporter names.
	ErrUnknownExporter = errors.New("telemetry: unknown exporter")
)

// Config controls telemetry.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// TraceExporter is "otlp", "stdout" or "none".
	TraceExporter string

	// MetricExporter is "prometheus", "stdout" or "none".
	MetricExporter string

	// OTLPEndpoint is host:port of the OTLP gRPC receiver.
	OTLPEndpoint string
	OTLPInsecure bool

	// Writer receives stdout exporter output. Default: os.Stdout.
	Writer io.Writer

	// ExtraReaders are attached to the meter provider in addition to the
	// configured exporter. Used by tests.
	ExtraReaders []metric.Reader
}

// Telemetry holds the installed providers.
//
// Thread Safety: Safe for concurrent use after Init returns.
type Telemetry struct {
	tracerProvider *trace.TracerProvider
	meterProvider  *metric.MeterProvider
	metricsHandler http.Handler
	shutdownFuncs  []func(context.Context) error
}

// Init installs the global tracer and meter providers.
//
// Description:
//
//	Builds a resource from the service identity, creates the configured
//	exporters and sets them as the otel globals. With both exporters set
//	to "none" and no extra readers, the globals are left untouched.
//
// Inputs:
//
//	ctx - Used for exporter connections.
//	cfg - Exporter selection. Names are case-insensitive.
//
// Outputs:
//
//	*Telemetry - Call Shutdown on exit to flush.
//	error - ErrNilContext, ErrUnknownExporter (wrapped) or an exporter
//	        construction failure.
//
// Thread Safety: Call once at startup.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	cfg.TraceExporter = strings.ToLower(strings.TrimSpace(cfg.TraceExporter))
	cfg.MetricExporter = strings.ToLower(strings.TrimSpace(cfg.MetricExporter))

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	t := &Telemetry{}

	if cfg.TraceExporter != "" && cfg.TraceExporter != "none" {
		tp, err := initTracer(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		otel.SetTracerProvider(tp)
		t.tracerProvider = tp
		t.shutdownFuncs = append(t.shutdownFuncs, tp.Shutdown)
	}

	if (cfg.MetricExporter != "" && cfg.MetricExporter != "none") || len(cfg.ExtraReaders) > 0 {
		mp, handler, err := initMeter(cfg, res)
		if err != nil {
			_ = t.Shutdown(ctx)
			return nil, fmt.Errorf("init meter: %w", err)
		}
		otel.SetMeterProvider(mp)
		t.meterProvider = mp
		t.metricsHandler = handler
		t.shutdownFuncs = append(t.shutdownFuncs, mp.Shutdown)
	}

	return t, nil
}

func initTracer(ctx context.Context, cfg Config, res *resource.Resource) (*trace.TracerProvider, error) {
	var (
		exporter trace.SpanExporter
		err      error
	)

	switch cfg.TraceExporter {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)

	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(cfg.Writer))

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.AlwaysSample()),
	), nil
}

// initMeter uses a private Prometheus registry so repeated Init calls never
// collide on the default registerer.
func initMeter(cfg Config, res *resource.Resource) (*metric.MeterProvider, http.Handler, error) {
	opts := []metric.Option{metric.WithResource(res)}
	var handler http.Handler

	switch cfg.MetricExporter {
	case "", "none":

	case "prometheus":
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		exporter, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		opts = append(opts, metric.WithReader(exporter))
		handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	case "stdout":
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Writer))
		if err != nil {
			return nil, nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		opts = append(opts, metric.WithReader(metric.NewPeriodicReader(exporter)))

	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.MetricExporter)
	}

	for _, r := range cfg.ExtraReaders {
		opts = append(opts, metric.WithReader(r))
	}
	return metric.NewMeterProvider(opts...), handler, nil
}

// MetricsHandler returns the /metrics handler, or nil unless the
// prometheus exporter is active.
func (t *Telemetry) MetricsHandler() http.Handler {
	return t.metricsHandler
}

// Shutdown flushes and stops every provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdownFuncs {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdownFuncs = nil
	return errors.Join(errs...)
}
