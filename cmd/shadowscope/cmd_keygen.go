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
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/shadowscope/services/shadow/archive"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

type keygenFlags struct {
	fromPassphrase bool
}

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

func newKeygenCmd(app *appState) *cobra.Command {
	flags := &keygenFlags{}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print a new archive key",
		Long: `Print a hex-encoded 256-bit archive key on stdout. The key id is
printed on stderr.

With --from-passphrase the key is derived from the configured passphrase
variable and the archive's salt instead, which lets an archive created
with a passphrase be opened with a raw key.

Examples:
  export SHADOWSCOPE_ARCHIVE_KEY=$(shadowscope keygen)
  SHADOWSCOPE_ARCHIVE_PASSPHRASE=... shadowscope keygen --from-passphrase`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(cmd, app, flags)
		},
	}

	// =========================================================================
	// COMMAND INITIALIZATION
	// =========================================================================

	cmd.Flags().BoolVar(&flags.fromPassphrase, "from-passphrase", false,
		"Derive the key from the passphrase variable and archive salt")
	return cmd
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runKeygen(cmd *cobra.Command, app *appState, flags *keygenFlags) error {
	var (
		key *archive.Key
		err error
	)
	if flags.fromPassphrase {
		ac := app.cfg.Archive
		passphrase := os.Getenv(ac.PassphraseEnv)
		if passphrase == "" {
			return fmt.Errorf("%w: %s is not set", errNoKey, ac.PassphraseEnv)
		}
		if ac.InMemory {
			return errors.New("an in-memory archive has no persistent salt")
		}
		salt, err := app.loadSalt()
		if err != nil {
			return err
		}
		key, err = archive.DeriveKey([]byte(passphrase), salt, ac.KDFIterations)
		if err != nil {
			return err
		}
	} else {
		key, err = archive.GenerateKey()
		if err != nil {
			return err
		}
	}

	h, err := key.Hex()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), h)
	cmd.PrintErrln("key id:", key.ID())
	return nil
}
