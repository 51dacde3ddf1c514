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
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/shadowscope/pkg/ux"
	"github.com/AleutianAI/shadowscope/services/shadow/archive"
	"github.com/AleutianAI/shadowscope/services/shadow/classify"
	"github.com/AleutianAI/shadowscope/services/shadow/query"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

type queryFlags struct {
	kinds      []string
	classes    []string
	min        float64
	max        float64
	limit      int
	jsonOutput bool
	stats      bool
}

// queryResult is the --json form of one matching record.
type queryResult struct {
	Address  string            `json:"address"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Nodes    []query.NodeMatch `json:"nodes"`
}

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

func newQueryCmd(app *appState) *cobra.Command {
	flags := &queryFlags{}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Find archived runs by node kind, class and influence",
		Long: `Search the archive for nodes matching every given condition. Records
whose index rules them out are never decrypted.

Influence bounds are --min inclusive and --max exclusive. Records that
fail verification are reported and skipped.

Examples:
  shadowscope query --kind relu --class void
  shadowscope query --kind attention --class suppressed --max 0.3
  shadowscope query --class suppressed,void --limit 10 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, app, flags)
		},
	}

	// =========================================================================
	// COMMAND INITIALIZATION
	// =========================================================================

	cmd.Flags().StringSliceVar(&flags.kinds, "kind", nil,
		"Operation kinds to match (repeatable or comma-separated)")
	cmd.Flags().StringSliceVar(&flags.classes, "class", nil,
		"Classes to match: expressed, suppressed, void")
	cmd.Flags().Float64Var(&flags.min, "min", 0,
		"Minimum influence (inclusive)")
	cmd.Flags().Float64Var(&flags.max, "max", 1,
		"Maximum influence (exclusive)")
	cmd.Flags().IntVar(&flags.limit, "limit", 0,
		"Maximum matching records (0 = all)")
	cmd.Flags().BoolVar(&flags.jsonOutput, "json", false,
		"Output one JSON object per matching record")
	cmd.Flags().BoolVar(&flags.stats, "stats", false,
		"Print scan statistics to stderr")
	return cmd
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runQuery(cmd *cobra.Command, app *appState, flags *queryFlags) error {
	ctx := cmd.Context()

	pred, err := buildPredicate(cmd, flags)
	if err != nil {
		return err
	}

	store, err := app.openStore(ctx)
	if err != nil {
		return err
	}

	logger := app.logger.Component("query")
	opts := []query.Option{query.WithLogger(logger)}
	if r := app.cfg.Query.DecryptRate; r > 0 {
		burst := app.cfg.Query.DecryptBurst
		if burst < 1 {
			burst = 1
		}
		opts = append(opts, query.WithDecryptRate(rate.Limit(r), burst))
	}
	engine := query.NewEngine([]query.Source{store}, opts...)

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	style := ux.NewStyler(out)
	if !flags.jsonOutput {
		fmt.Fprintln(tw, "ADDRESS\tNODE\tKIND\tINFLUENCE\tLABEL")
	}

	var stats query.Stats
	found := 0
	for m, err := range engine.QueryWithStats(ctx, pred, &stats) {
		if err != nil {
			if errors.Is(err, archive.ErrIntegrity) || errors.Is(err, archive.ErrWrongKey) || errors.Is(err, archive.ErrNotFound) {
				logger.Warn("skipping record", slog.String("error", err.Error()))
				continue
			}
			return err
		}
		found++
		if flags.jsonOutput {
			if err := enc.Encode(queryResult{Address: m.Record.Address, Metadata: m.Record.Metadata, Nodes: m.Nodes}); err != nil {
				return err
			}
		} else {
			for _, n := range m.Nodes {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.4f\t%s\n", m.Record.Address, n.ID, n.Kind, n.Influence, style.Label(n.Label.String()))
			}
		}
		if flags.limit > 0 && found >= flags.limit {
			break
		}
	}
	if !flags.jsonOutput {
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if flags.stats {
		cmd.PrintErrf("scanned=%d decrypted=%d matched=%d failed=%d\n",
			stats.Scanned, stats.Decrypted, stats.Matched, stats.Failed)
	}
	return nil
}

// buildPredicate maps flags to a predicate. Influence bounds are only set
// when given on the command line.
func buildPredicate(cmd *cobra.Command, flags *queryFlags) (query.Predicate, error) {
	pred := query.Predicate{Kinds: flags.kinds}
	for _, c := range flags.classes {
		label, err := classify.ParseLabel(c)
		if err != nil {
			return pred, fmt.Errorf("%w: %v", query.ErrInvalidPredicate, err)
		}
		pred.Classes = append(pred.Classes, label)
	}
	if cmd.Flags().Changed("min") {
		pred.MinInfluence = query.Float(flags.min)
	}
	if cmd.Flags().Changed("max") {
		pred.MaxInfluence = query.Float(flags.max)
	}
	return pred, pred.Validate()
}
