// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce coalesces bursts of writes from editors.
const DefaultReloadDebounce = 100 * time.Millisecond

// Watch reloads path whenever it changes and passes the result to fn.
//
// Description:
//
//	Watches the file's directory so that editors which replace the file
//	by rename are seen. Events for other files are ignored. Bursts of
//	events are coalesced by DefaultReloadDebounce. fn receives the error
//	from Load when the new file is invalid; the caller decides whether
//	to keep the previous configuration.
//
//	Watch blocks until ctx is done.
//
// Inputs:
//
//	ctx - Stops the watch.
//	path - The config file. Its directory must exist.
//	fn - Called from the watch goroutine, never concurrently.
//
// Outputs:
//
//	error - Non-nil if the watcher cannot start. nil after ctx is done.
func Watch(ctx context.Context, path string, fn func(Config, error)) error {
	return watch(ctx, path, DefaultReloadDebounce, fn)
}

func watch(ctx context.Context, path string, debounce time.Duration, fn func(Config, error)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving config path %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", slog.String("path", abs), slog.String("error", err.Error()))

		case <-timer.C:
			cfg, err := Load(abs)
			if err != nil {
				slog.Warn("config reload failed", slog.String("path", abs), slog.String("error", err.Error()))
			} else {
				slog.Info("config reloaded", slog.String("path", abs))
			}
			fn(cfg, err)
		}
	}
}
