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
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/shadowscope/pkg/ux"
	"github.com/AleutianAI/shadowscope/services/shadow/archive"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

type getFlags struct {
	jsonOutput bool
	fromMirror bool
}

// recordView is the --json form of a record.
type recordView struct {
	Address   string            `json:"address"`
	Cipher    string            `json:"cipher"`
	KeyID     string            `json:"key_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Content   *archive.Document `json:"content"`
}

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

func newGetCmd(app *appState) *cobra.Command {
	flags := &getFlags{}

	cmd := &cobra.Command{
		Use:   "get ADDRESS",
		Short: "Show one archived run",
		Long: `Fetch a record by content address, verify it and print its
classification.

With --from-mirror, a record missing locally is downloaded from the
configured GCS mirror, verified and restored into the archive first.

Examples:
  shadowscope get sha256:3f0c...
  shadowscope get sha256:3f0c... --json | jq '.content.metrics'
  shadowscope get sha256:3f0c... --from-mirror`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd, app, flags, args[0])
		},
	}

	// =========================================================================
	// COMMAND INITIALIZATION
	// =========================================================================

	cmd.Flags().BoolVar(&flags.jsonOutput, "json", false,
		"Output the record as JSON")
	cmd.Flags().BoolVar(&flags.fromMirror, "from-mirror", false,
		"Restore the record from the GCS mirror when it is not archived locally")
	return cmd
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runGet(cmd *cobra.Command, app *appState, flags *getFlags, address string) error {
	ctx := cmd.Context()
	if err := archive.ValidateAddress(address); err != nil {
		return err
	}
	store, err := app.openStore(ctx)
	if err != nil {
		return err
	}
	if flags.fromMirror {
		if err := app.restoreFromMirror(ctx, store, address); err != nil {
			return err
		}
	}
	rec, err := store.Get(ctx, address)
	if err != nil {
		return err
	}

	if flags.jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(recordView{
			Address:   rec.Address,
			Cipher:    rec.Cipher,
			KeyID:     rec.KeyID,
			CreatedAt: rec.CreatedAt,
			Metadata:  rec.Metadata,
			Content:   rec.Content,
		})
	}
	return writeRecord(cmd.OutOrStdout(), rec)
}

func writeRecord(w io.Writer, rec *archive.Record) error {
	doc := rec.Content
	m := doc.Metrics

	cipher := rec.Cipher
	if rec.KeyID != "" {
		cipher += " (key " + rec.KeyID + ")"
	}
	pairs := make([]string, 0, len(rec.Metadata))
	for _, k := range slices.Sorted(maps.Keys(rec.Metadata)) {
		pairs = append(pairs, k+"="+rec.Metadata[k])
	}

	style := ux.NewStyler(w)
	fmt.Fprintf(w, "Address:   %s\n", style.Title(rec.Address))
	fmt.Fprintf(w, "Created:   %s\n", rec.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Cipher:    %s\n", cipher)
	if len(pairs) > 0 {
		fmt.Fprintf(w, "Metadata:  %s\n", strings.Join(pairs, " "))
	}
	fmt.Fprintf(w, "Policy:    expressed >= %.4g, void <= %.4g\n", doc.Policy.ExpressedMin, doc.Policy.VoidMax)
	fmt.Fprintf(w, "Silence:   %.4f (entropy %.4f bits, void depth %d)\n", m.SilenceScore, m.SilenceEntropy, m.VoidDepth)
	fmt.Fprintf(w, "Counts:    expressed=%d suppressed=%d void=%d suppressed_edges=%d truncated=%d\n\n",
		m.ExpressedCount, m.SuppressedCount, m.VoidCount, m.SuppressedEdgeCount, m.TruncatedCount)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tKIND\tINFLUENCE\tCONFIDENCE\tLABEL")
	for _, n := range doc.Nodes {
		l, ok := doc.Label(n.ID)
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%.4f\t%.4f\t%s\n", n.ID, n.Kind, l.Influence, l.Confidence, style.Label(l.Label.String()))
	}
	return tw.Flush()
}
