// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs capture streams through build, propagation,
// classification and archiving.
//
// Each run is sequential. Independent runs are analyzed in parallel by
// AnalyzeAll with a bounded number of workers; runs share no mutable state
// except the archive, which is safe for concurrent use.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/shadowscope/services/shadow/archive"
	"github.com/AleutianAI/shadowscope/services/shadow/capture"
	"github.com/AleutianAI/shadowscope/services/shadow/classify"
	"github.com/AleutianAI/shadowscope/services/shadow/graph"
	"github.com/AleutianAI/shadowscope/services/shadow/influence"
	"github.com/AleutianAI/shadowscope/services/shadow/telemetry"
)

// MetadataRunID is the metadata key carrying the run id. Under
// last-metadata-wins it names the most recent run that produced the
// record's content.
const MetadataRunID = "run_id"

// Job is one capture stream to analyze.
type Job struct {
	// Name identifies the job in logs and outcomes.
	Name string

	Stream capture.Stream

	// Metadata is stored with the archived record.
	Metadata map[string]string
}

// Outcome is the result of one Job.
type Outcome struct {
	Job   string
	RunID string

	Graph          *graph.AnalysisGraph
	Influence      *influence.Result
	Classification *classify.Classification
	Metrics        *classify.RunMetrics

	// Record is nil when the analyzer has no store.
	Record *archive.Record

	Duration time.Duration

	// Err is the run's failure, if any. Structural and policy errors are
	// fatal to the run only.
	Err error
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithBuilderOptions passes options to every graph builder.
func WithBuilderOptions(opts ...graph.BuilderOption) Option {
	return func(a *Analyzer) {
		a.builderOpts = append(a.builderOpts, opts...)
	}
}

// WithInfluenceOptions sets propagation options. Nil selects defaults.
func WithInfluenceOptions(o *influence.Options) Option {
	return func(a *Analyzer) {
		a.influenceOpts = o
	}
}

// WithPolicy sets the classification thresholds.
func WithPolicy(p classify.Policy) Option {
	return func(a *Analyzer) {
		a.policy = p
	}
}

// WithClassifyOptions sets classification options. Nil selects defaults.
func WithClassifyOptions(o *classify.Options) Option {
	return func(a *Analyzer) {
		a.classifyOpts = o
	}
}

// WithStore archives every successful run.
func WithStore(s *archive.Store) Option {
	return func(a *Analyzer) {
		a.store = s
	}
}

// WithWorkers bounds AnalyzeAll's parallelism. Values < 1 select
// runtime.GOMAXPROCS(0).
func WithWorkers(n int) Option {
	return func(a *Analyzer) {
		a.workers = n
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

// Analyzer runs jobs.
//
// Thread Safety: Safe for concurrent use.
type Analyzer struct {
	builderOpts   []graph.BuilderOption
	influenceOpts *influence.Options
	policy        classify.Policy
	classifyOpts  *classify.Options
	store         *archive.Store
	workers       int
	logger        *slog.Logger
	newRunID      func() string
}

// NewAnalyzer validates the options and returns an Analyzer.
//
// Outputs:
//
//	*Analyzer - Ready to use.
//	error - classify.ErrInvalidThresholdPolicy or influence.ErrInvalidOptions
//	        (wrapped) for bad settings, reported before any run starts.
func NewAnalyzer(opts ...Option) (*Analyzer, error) {
	a := &Analyzer{
		policy:   classify.DefaultPolicy(),
		logger:   slog.Default(),
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.workers < 1 {
		a.workers = runtime.GOMAXPROCS(0)
	}
	if err := a.policy.Validate(); err != nil {
		return nil, err
	}
	if a.influenceOpts != nil {
		if err := a.influenceOpts.Validate(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Workers returns the AnalyzeAll parallelism.
func (a *Analyzer) Workers() int { return a.workers }

// Analyze runs one job to completion.
//
// Description:
//
//	Builds the graph from the job's stream, propagates influence,
//	classifies and, when a store is configured, archives the result with
//	the job metadata plus a fresh run id.
//
// Outputs:
//
//	*Outcome - Always non-nil. Err is set on failure, with the stages
//	           completed so far populated.
//	error - Same as Outcome.Err.
func (a *Analyzer) Analyze(ctx context.Context, job Job) (*Outcome, error) {
	start := time.Now()
	out := &Outcome{Job: job.Name, RunID: a.newRunID()}
	ctx, span := startRunSpan(ctx, job.Name, out.RunID)
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, a.logger).With(
		slog.String("job", job.Name),
		slog.String("run_id", out.RunID),
	)

	err := a.run(ctx, job, out)
	out.Duration = time.Since(start)
	out.Err = err
	recordRun(ctx, out)

	if err != nil {
		setSpanError(span, err)
		logger.Warn("analysis run failed", slog.String("error", err.Error()))
		return out, err
	}

	attrs := []any{
		slog.Int("nodes", out.Graph.NodeCount()),
		slog.Float64("silence_score", out.Metrics.SilenceScore),
		slog.Int("void_depth", out.Metrics.VoidDepth),
		slog.Int("suppressed", out.Metrics.SuppressedCount),
		slog.Duration("duration", out.Duration),
	}
	if out.Record != nil {
		attrs = append(attrs, slog.String("address", out.Record.Address), slog.Bool("deduplicated", out.Record.Deduplicated))
	}
	logger.Info("analysis run complete", attrs...)
	return out, nil
}

func (a *Analyzer) run(ctx context.Context, job Job, out *Outcome) error {
	if job.Stream == nil {
		return errors.New("job has no capture stream")
	}

	g, err := graph.Build(ctx, job.Stream, a.builderOpts...)
	if err != nil {
		return fmt.Errorf("build graph: %w", err)
	}
	out.Graph = g

	res, err := influence.Propagate(ctx, g, a.influenceOpts)
	if err != nil {
		return fmt.Errorf("propagate influence: %w", err)
	}
	out.Influence = res

	cls, m, err := classify.Classify(ctx, g, res, a.policy, a.classifyOpts)
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}
	out.Classification, out.Metrics = cls, m

	if a.store == nil {
		return nil
	}
	meta := maps.Clone(job.Metadata)
	if meta == nil {
		meta = map[string]string{}
	}
	meta[MetadataRunID] = out.RunID

	rec, err := a.store.Put(ctx, g, cls, m, meta)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	out.Record = rec
	return nil
}

// AnalyzeAll runs jobs in parallel with at most Workers() in flight.
//
// Description:
//
//	A failed run does not stop the others; its error is on its Outcome.
//	Cancelling ctx stops scheduling new runs and ends in-flight builds at
//	their next event.
//
// Outputs:
//
//	[]Outcome - One per job, in job order.
//	error - ctx.Err() if ctx was cancelled, else nil.
func (a *Analyzer) AnalyzeAll(ctx context.Context, jobs []Job) ([]Outcome, error) {
	outcomes := make([]Outcome, len(jobs))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)

	for i, job := range jobs {
		if gCtx.Err() != nil {
			outcomes[i] = Outcome{Job: job.Name, Err: gCtx.Err()}
			continue
		}
		g.Go(func() error {
			out, _ := a.Analyze(gCtx, job)
			outcomes[i] = *out
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i := range outcomes {
		if outcomes[i].Err != nil {
			failed++
		}
	}
	a.logger.Info("analysis batch complete",
		slog.Int("jobs", len(jobs)),
		slog.Int("failed", failed),
		slog.Int("workers", a.workers),
	)
	return outcomes, ctx.Err()
}
