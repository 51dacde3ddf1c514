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
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/shadowscope/services/shadow/archive"
	"github.com/AleutianAI/shadowscope/services/shadow/capture"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

type exportFlags struct {
	output string
}

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

func newExportCmd(app *appState) *cobra.Command {
	flags := &exportFlags{}

	cmd := &cobra.Command{
		Use:   "export ADDRESS",
		Short: "Write an archived run back out as a capture file",
		Long: `Rebuild the JSON-lines capture of an archived run. Every edge weight
and designated output is written explicitly, so analyzing the file again
with the same policy lands on the same address.

Examples:
  shadowscope export sha256:3f0c... > run.jsonl
  shadowscope export sha256:3f0c... -o run.jsonl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, app, flags, args[0])
		},
	}

	// =========================================================================
	// COMMAND INITIALIZATION
	// =========================================================================

	cmd.Flags().StringVarP(&flags.output, "output", "o", "",
		"Write to this file instead of stdout")
	return cmd
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runExport(cmd *cobra.Command, app *appState, flags *exportFlags, address string) (err error) {
	ctx := cmd.Context()
	if err := archive.ValidateAddress(address); err != nil {
		return err
	}
	store, err := app.openStore(ctx)
	if err != nil {
		return err
	}
	rec, err := store.Get(ctx, address)
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if flags.output != "" {
		f, openErr := os.OpenFile(flags.output, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if openErr != nil {
			return fmt.Errorf("create export file: %w", openErr)
		}
		defer func() { err = errors.Join(err, f.Close()) }()
		w = f
	}
	return capture.WriteJSONLines(w, rec.Content.Events())
}
