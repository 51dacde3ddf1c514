// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/shadowscope/pkg/ux"
	"github.com/AleutianAI/shadowscope/services/shadow/capture"
	"github.com/AleutianAI/shadowscope/services/shadow/classify"
	"github.com/AleutianAI/shadowscope/services/shadow/pipeline"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

type analyzeFlags struct {
	meta       map[string]string
	jsonOutput bool
	dryRun     bool
	workers    int
}

// analyzeResult is the --json form of one run.
type analyzeResult struct {
	Job          string               `json:"job"`
	RunID        string               `json:"run_id,omitempty"`
	Address      string               `json:"address,omitempty"`
	Deduplicated bool                 `json:"deduplicated,omitempty"`
	Metrics      *classify.RunMetrics `json:"metrics,omitempty"`
	DurationMS   int64                `json:"duration_ms"`
	Error        string               `json:"error,omitempty"`
}

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

func newAnalyzeCmd(app *appState) *cobra.Command {
	flags := &analyzeFlags{}

	cmd := &cobra.Command{
		Use:   "analyze [FILE...]",
		Short: "Analyze captured runs and archive the results",
		Long: `Analyze one or more captured forward passes. Each FILE is a JSON-lines
capture stream holding one run; "-" or no argument reads standard input.

Runs are analyzed in parallel. A run that fails does not stop the others;
the command exits non-zero if any run failed.

Examples:
  shadowscope analyze run.jsonl
  shadowscope analyze a.jsonl b.jsonl --meta model=gpt2 --meta prompt=p7
  capture-tool | shadowscope analyze - --json
  shadowscope analyze run.jsonl --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, app, flags, args)
		},
	}

	// =========================================================================
	// COMMAND INITIALIZATION
	// =========================================================================

	cmd.Flags().StringToStringVar(&flags.meta, "meta", nil,
		"Metadata stored with every record (key=value, repeatable)")
	cmd.Flags().BoolVar(&flags.jsonOutput, "json", false,
		"Output one JSON object per run")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false,
		"Analyze without archiving")
	cmd.Flags().IntVar(&flags.workers, "workers", 0,
		"Parallel runs (0 = pipeline.workers from config)")
	return cmd
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runAnalyze(cmd *cobra.Command, app *appState, flags *analyzeFlags, args []string) error {
	ctx := cmd.Context()
	if len(args) == 0 {
		args = []string{"-"}
	}

	jobs := make([]pipeline.Job, 0, len(args))
	for _, name := range args {
		var r io.Reader
		if name == "-" {
			r = cmd.InOrStdin()
			name = "stdin"
		} else {
			f, err := os.Open(name)
			if err != nil {
				return fmt.Errorf("open capture: %w", err)
			}
			defer f.Close()
			r = f
		}
		jobs = append(jobs, pipeline.Job{
			Name:     name,
			Stream:   capture.NewJSONLinesStream(r),
			Metadata: flags.meta,
		})
	}

	workers := app.cfg.Pipeline.Workers
	if flags.workers > 0 {
		workers = flags.workers
	}
	opts := []pipeline.Option{
		pipeline.WithBuilderOptions(app.cfg.BuilderOptions()...),
		pipeline.WithInfluenceOptions(app.cfg.InfluenceOptions()),
		pipeline.WithPolicy(app.cfg.Policy()),
		pipeline.WithClassifyOptions(app.cfg.ClassifyOptions()),
		pipeline.WithWorkers(workers),
		pipeline.WithLogger(app.logger.Component("pipeline")),
	}
	if !flags.dryRun {
		store, err := app.openStore(ctx)
		if err != nil {
			return err
		}
		opts = append(opts, pipeline.WithStore(store))
	}

	analyzer, err := pipeline.NewAnalyzer(opts...)
	if err != nil {
		return err
	}

	outcomes, err := analyzer.AnalyzeAll(ctx, jobs)
	if err != nil {
		return err
	}

	if flags.jsonOutput {
		err = writeAnalyzeJSON(cmd.OutOrStdout(), outcomes)
	} else {
		err = writeAnalyzeTable(cmd.OutOrStdout(), outcomes)
	}
	if err != nil {
		return err
	}

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d runs failed", failed, len(outcomes))
	}
	return nil
}

func toAnalyzeResult(o pipeline.Outcome) analyzeResult {
	r := analyzeResult{
		Job:        o.Job,
		RunID:      o.RunID,
		Metrics:    o.Metrics,
		DurationMS: o.Duration.Milliseconds(),
	}
	if o.Record != nil {
		r.Address = o.Record.Address
		r.Deduplicated = o.Record.Deduplicated
	}
	if o.Err != nil {
		r.Error = o.Err.Error()
		r.Metrics = nil
	}
	return r
}

func writeAnalyzeJSON(w io.Writer, outcomes []pipeline.Outcome) error {
	enc := json.NewEncoder(w)
	for _, o := range outcomes {
		if err := enc.Encode(toAnalyzeResult(o)); err != nil {
			return err
		}
	}
	return nil
}

func writeAnalyzeTable(w io.Writer, outcomes []pipeline.Outcome) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	style := ux.NewStyler(w)
	fmt.Fprintln(tw, "JOB\tEXPRESSED\tSUPPRESSED\tVOID\tSILENCE\tVOID_DEPTH\tADDRESS")
	for _, o := range outcomes {
		r := toAnalyzeResult(o)
		if r.Error != "" {
			fmt.Fprintf(tw, "%s\t\t\t\t\t\t%s\n", r.Job, style.Error("error: "+r.Error))
			continue
		}
		addr := r.Address
		switch {
		case addr == "":
			addr = "-"
		case r.Deduplicated:
			addr += " " + style.Muted("(existing)")
		}
		m := r.Metrics
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.4f\t%d\t%s\n",
			r.Job, m.ExpressedCount, m.SuppressedCount, m.VoidCount, m.SilenceScore, m.VoidDepth, addr)
	}
	return tw.Flush()
}
