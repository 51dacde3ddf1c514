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
	"context"
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/shadowscope/services/shadow/config"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

// rootFlags are the persistent flags shared by every subcommand.
type rootFlags struct {
	configPath  string
	watchConfig bool
	logLevel    string
}

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// newRootCmd builds the command tree around app. Each call returns fresh
// flag state.
func newRootCmd(app *appState) *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "shadowscope",
		Short: "Find suppressed and void computation in captured model runs",
		Long: `shadowscope builds a dependency graph from a captured forward pass,
propagates output influence backwards and labels every operation as
expressed, suppressed or void. Results are archived under their content
address and can be queried later.

Examples:
  shadowscope analyze run.jsonl --meta model=gpt2
  shadowscope query --kind attention --class suppressed
  shadowscope get sha256:3f0c...`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.init(cmd.Context(), flags, cmd.ErrOrStderr())
		},
	}

	// =========================================================================
	// COMMAND INITIALIZATION
	// =========================================================================

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", os.Getenv(config.EnvPrefix+"CONFIG"),
		"Config file (YAML or JSON)")
	cmd.PersistentFlags().BoolVar(&flags.watchConfig, "watch-config", false,
		"Reload the config file on change (log level applies immediately)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "",
		"Override the configured log level: debug, info, warn, error")

	cmd.AddCommand(
		newAnalyzeCmd(app),
		newGetCmd(app),
		newListCmd(app),
		newQueryCmd(app),
		newVerifyCmd(app),
		newExportCmd(app),
		newKeygenCmd(app),
	)
	return cmd
}

// execute runs one command line and releases everything it opened.
//
// Description:
//
//	Errors are reported on stderr once, here, so subcommands only return
//	them.
//
// Inputs:
//
//	ctx - Cancelled on SIGINT/SIGTERM.
//	args - Command line without the program name.
//	stdin, stdout, stderr - Standard streams.
//
// Outputs:
//
//	error - The command's failure, or a teardown failure.
func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	app := &appState{}
	cmd := newRootCmd(app)
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if cerr := app.close(context.WithoutCancel(ctx)); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		cmd.PrintErrln("Error:", err)
	}
	return err
}
