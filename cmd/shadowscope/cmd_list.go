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
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/shadowscope/services/shadow/archive"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

type listFlags struct {
	jsonOutput bool
	limit      int
}

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

func newListCmd(app *appState) *cobra.Command {
	flags := &listFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived runs",
		Long: `List the archive index in address order. Only the plaintext index is
read; no record is decrypted.

Examples:
  shadowscope list
  shadowscope list --limit 20 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, app, flags)
		},
	}

	// =========================================================================
	// COMMAND INITIALIZATION
	// =========================================================================

	cmd.Flags().BoolVar(&flags.jsonOutput, "json", false,
		"Output one JSON object per record")
	cmd.Flags().IntVar(&flags.limit, "limit", 0,
		"Maximum records to list (0 = all)")
	return cmd
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runList(cmd *cobra.Command, app *appState, flags *listFlags) error {
	ctx := cmd.Context()
	store, err := app.openStore(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if !flags.jsonOutput {
		fmt.Fprintln(tw, "ADDRESS\tCREATED\tNODES\tKINDS")
	}

	n := 0
	for entry, err := range store.Index(ctx) {
		if err != nil {
			return err
		}
		if flags.limit > 0 && n >= flags.limit {
			break
		}
		n++
		if flags.jsonOutput {
			if err := enc.Encode(entry); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n",
			entry.Address, entry.CreatedAt.Format(time.RFC3339), entry.NodeCount, kindSummary(entry))
	}
	if flags.jsonOutput {
		return nil
	}
	return tw.Flush()
}

// kindSummary renders "kind:expressed/suppressed/void" for each kind.
func kindSummary(e archive.IndexEntry) string {
	parts := make([]string, 0, len(e.Kinds))
	for _, k := range e.KindNames() {
		s := e.Kinds[k]
		parts = append(parts, fmt.Sprintf("%s:%d/%d/%d", k, s.Expressed, s.Suppressed, s.Void))
	}
	return strings.Join(parts, " ")
}
