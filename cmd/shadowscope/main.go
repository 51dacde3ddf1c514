// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command shadowscope analyzes captured forward passes for suppressed and
// void computation and archives the results.
//
// Usage:
//
//	shadowscope analyze run.jsonl
//	cat run.jsonl | shadowscope analyze -
//	shadowscope list
//	shadowscope get sha256:...
//	shadowscope query --kind relu --class void
//	shadowscope keygen
//
// Configuration is read from --config (YAML or JSON) and SHADOWSCOPE_*
// environment variables. The archive key comes from SHADOWSCOPE_ARCHIVE_KEY
// (hex) or SHADOWSCOPE_ARCHIVE_PASSPHRASE.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/shadowscope/services/shadow/archive"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	defer archive.PurgeSecureMemory()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		return 1
	}
	return 0
}
