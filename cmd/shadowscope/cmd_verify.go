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
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/shadowscope/pkg/ux"
	"github.com/AleutianAI/shadowscope/services/shadow/archive"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

type verifyFlags struct {
	jsonOutput bool
}

// Verification outcomes of one record.
const (
	verifyOK        = "ok"
	verifyIntegrity = "integrity"
	verifyWrongKey  = "wrong_key"
	verifyMissing   = "missing"
)

type verifyResult struct {
	Address string `json:"address"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// verifyReport is the --json form of a verification pass.
type verifyReport struct {
	Records     int            `json:"records"`
	Failed      int            `json:"failed"`
	Statuses    map[string]int `json:"statuses"`
	Ciphers     map[string]int `json:"ciphers"`
	MeanSilence float64        `json:"mean_silence_score"`
	Results     []verifyResult `json:"results"`
}

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

func newVerifyCmd(app *appState) *cobra.Command {
	flags := &verifyFlags{}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify every archived record",
		Long: `Read and verify every record in the archive: checksum, key,
authenticated decryption and content address. Index entries without a
record and records without an index entry are reported too.

Exits non-zero when any record fails.

Examples:
  shadowscope verify
  shadowscope verify --json | jq '.statuses'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, app, flags)
		},
	}

	// =========================================================================
	// COMMAND INITIALIZATION
	// =========================================================================

	cmd.Flags().BoolVar(&flags.jsonOutput, "json", false,
		"Output the report as one JSON object")
	return cmd
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runVerify(cmd *cobra.Command, app *appState, flags *verifyFlags) error {
	ctx := cmd.Context()
	store, err := app.openStore(ctx)
	if err != nil {
		return err
	}

	report := verifyReport{
		Statuses: map[string]int{},
		Ciphers:  map[string]int{},
	}
	seen := map[string]bool{}
	var silence float64

	check := func(address string) error {
		seen[address] = true
		rec, err := store.Get(ctx, address)
		status, fatal := verifyStatus(err)
		if fatal != nil {
			return fatal
		}
		res := verifyResult{Address: address, Status: status}
		if err != nil {
			res.Error = err.Error()
			report.Failed++
		} else {
			report.Ciphers[rec.Cipher]++
			silence += rec.Content.Metrics.SilenceScore
		}
		report.Records++
		report.Statuses[status]++
		report.Results = append(report.Results, res)
		return nil
	}

	// Index entries first, then envelopes the index does not name.
	for entry, err := range store.Index(ctx) {
		if err != nil {
			if errors.Is(err, archive.ErrIntegrity) && entry.Address != "" {
				seen[entry.Address] = true
				report.Records++
				report.Failed++
				report.Statuses[verifyIntegrity]++
				report.Results = append(report.Results, verifyResult{
					Address: entry.Address, Status: verifyIntegrity, Error: err.Error(),
				})
				continue
			}
			return err
		}
		if err := check(entry.Address); err != nil {
			return err
		}
	}
	for address, err := range store.Addresses(ctx) {
		if err != nil {
			return err
		}
		if seen[address] {
			continue
		}
		if err := check(address); err != nil {
			return err
		}
	}
	slices.SortFunc(report.Results, func(a, b verifyResult) int {
		return strings.Compare(a.Address, b.Address)
	})

	if ok := report.Records - report.Failed; ok > 0 {
		report.MeanSilence = silence / float64(ok)
	}

	if flags.jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else if err := writeVerifyReport(cmd.OutOrStdout(), report); err != nil {
		return err
	}

	if report.Failed > 0 {
		return fmt.Errorf("%d of %d records failed verification", report.Failed, report.Records)
	}
	return nil
}

// verifyStatus maps a Get error to a status. Errors that do not concern a
// single record are returned as fatal.
func verifyStatus(err error) (string, error) {
	switch {
	case err == nil:
		return verifyOK, nil
	case errors.Is(err, archive.ErrWrongKey):
		return verifyWrongKey, nil
	case errors.Is(err, archive.ErrNotFound):
		return verifyMissing, nil
	case errors.Is(err, archive.ErrIntegrity):
		return verifyIntegrity, nil
	default:
		return "", err
	}
}

func writeVerifyReport(w io.Writer, r verifyReport) error {
	style := ux.NewStyler(w)

	if r.Failed > 0 {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ADDRESS\tSTATUS\tERROR")
		for _, res := range r.Results {
			if res.Status == verifyOK {
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", res.Address, style.Error(res.Status), res.Error)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}

	ciphers := make([]string, 0, len(r.Ciphers))
	for _, c := range slices.Sorted(maps.Keys(r.Ciphers)) {
		ciphers = append(ciphers, fmt.Sprintf("%s=%d", c, r.Ciphers[c]))
	}
	fmt.Fprintf(w, "Records:   %d verified, %d failed\n", r.Records-r.Failed, r.Failed)
	if len(ciphers) > 0 {
		fmt.Fprintf(w, "Ciphers:   %s\n", strings.Join(ciphers, " "))
	}
	_, err := fmt.Fprintf(w, "Silence:   mean %.4f\n", r.MeanSilence)
	return err
}
