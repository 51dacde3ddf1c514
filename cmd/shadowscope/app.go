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
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/shadowscope/pkg/logging"
	"github.com/AleutianAI/shadowscope/services/shadow/archive"
	"github.com/AleutianAI/shadowscope/services/shadow/archive/gcs"
	"github.com/AleutianAI/shadowscope/services/shadow/config"
	sbadger "github.com/AleutianAI/shadowscope/services/shadow/storage/badger"
	"github.com/AleutianAI/shadowscope/services/shadow/telemetry"
)

// saltFile holds the passphrase KDF salt inside the archive directory.
const saltFile = "kdf.salt"

// errNoKey is returned when encryption is enabled but no key source is set.
var errNoKey = errors.New("archive encryption is enabled but no key is configured")

// errNoMirror is returned when a mirror read is requested without a bucket.
var errNoMirror = errors.New("no archive mirror is configured")

// appState holds everything a command opens. Fields are filled lazily and
// released by close.
type appState struct {
	cfg       config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry

	metricsServer *http.Server
	stopWatch     context.CancelFunc
	watchDone     chan struct{}

	db     *sbadger.DB
	store  *archive.Store
	mirror *gcs.Mirror
}

// init loads configuration and starts logging and telemetry.
func (a *appState) init(ctx context.Context, flags *rootFlags, stderr io.Writer) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a.cfg = cfg

	logCfg, err := cfg.LoggingConfig()
	if err != nil {
		return err
	}
	logCfg.Output = stderr
	a.logger = logging.New(logCfg)

	tcfg := telemetryConfig(cfg.Telemetry, version)
	tcfg.Writer = stderr
	t, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.telemetry = t

	if h := t.MetricsHandler(); h != nil {
		if err := a.serveMetrics(h); err != nil {
			return err
		}
	}

	if flags.watchConfig && flags.configPath != "" {
		a.watchConfig(ctx, flags.configPath, flags.logLevel != "")
	}
	return nil
}

// telemetryConfig maps the file configuration to a telemetry Config.
func telemetryConfig(c config.TelemetryConfig, version string) telemetry.Config {
	return telemetry.Config{
		ServiceName:    c.ServiceName,
		ServiceVersion: version,
		TraceExporter:  c.TraceExporter,
		MetricExporter: c.MetricExporter,
		OTLPEndpoint:   c.OTLPEndpoint,
		OTLPInsecure:   c.OTLPInsecure,
	}
}

// serveMetrics exposes the prometheus handler on the configured address.
func (a *appState) serveMetrics(h http.Handler) error {
	addr := a.cfg.Telemetry.PrometheusAddr
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen for metrics on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	a.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	logger := a.logger.Component("telemetry")
	logger.Info("serving metrics", slog.String("address", ln.Addr().String()))
	go func() {
		if err := a.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// watchConfig applies log level changes from the config file until close.
// Other settings take effect on the next command.
func (a *appState) watchConfig(ctx context.Context, path string, levelPinned bool) {
	ctx, cancel := context.WithCancel(ctx)
	a.stopWatch = cancel
	a.watchDone = make(chan struct{})

	logger := a.logger.Component("config")
	go func() {
		defer close(a.watchDone)
		err := config.Watch(ctx, path, func(cfg config.Config, err error) {
			if err != nil {
				logger.Warn("keeping previous config", slog.String("error", err.Error()))
				return
			}
			if levelPinned {
				return
			}
			level, err := logging.ParseLevel(cfg.Logging.Level)
			if err != nil {
				return
			}
			a.logger.SetLevel(level)
			logger.Info("log level updated", slog.String("level", level.String()))
		})
		if err != nil {
			logger.Warn("config watch unavailable", slog.String("error", err.Error()))
		}
	}()
}

// openStore opens the archive on first use.
//
// Description:
//
//	Resolves the cipher before touching the database so a missing key
//	fails fast. When a GCS bucket is configured, new records are also
//	mirrored there.
func (a *appState) openStore(ctx context.Context) (*archive.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	ac := a.cfg.Archive

	cipher, err := a.resolveCipher()
	if err != nil {
		return nil, err
	}

	dbCfg := sbadger.DefaultConfig()
	if ac.InMemory {
		dbCfg = sbadger.InMemoryConfig()
	} else {
		dbCfg.Path = expandHome(ac.Path)
		dbCfg.SyncWrites = ac.SyncWrites
	}
	dbCfg.Logger = a.logger.Component("badger")

	db, err := sbadger.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	a.db = db

	opts := []archive.Option{
		archive.WithCipher(cipher),
		archive.WithLogger(a.logger.Component("archive")),
	}
	if ac.GCSBucket != "" {
		m, err := gcs.NewMirror(ctx, gcs.Config{
			Bucket:          ac.GCSBucket,
			Prefix:          ac.GCSPrefix,
			CredentialsFile: ac.GCSCredentialsFile,
			Logger:          a.logger.Component("gcs"),
		})
		if err != nil {
			return nil, fmt.Errorf("open gcs mirror: %w", err)
		}
		a.mirror = m
		opts = append(opts, archive.WithMirror(m))
	}

	store, err := archive.Open(db, opts...)
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

// restoreFromMirror restores address from the mirror unless the archive
// already holds it.
func (a *appState) restoreFromMirror(ctx context.Context, store *archive.Store, address string) error {
	ok, err := store.Has(ctx, address)
	if err != nil || ok {
		return err
	}
	if a.mirror == nil {
		return fmt.Errorf("%w: set archive.gcs_bucket", errNoMirror)
	}
	blob, err := a.mirror.Download(ctx, address)
	if err != nil {
		return err
	}
	_, err = store.Restore(ctx, address, blob, map[string]string{
		"restored_from": "gs://" + a.cfg.Archive.GCSBucket + "/" + a.mirror.ObjectName(address),
	})
	return err
}

// resolveCipher builds the configured cipher.
func (a *appState) resolveCipher() (archive.Cipher, error) {
	algorithm := a.cfg.Cipher()
	if algorithm == archive.CipherPlaintext {
		return archive.NewCipher(algorithm, nil)
	}
	key, err := a.resolveKey()
	if err != nil {
		return nil, err
	}
	return archive.NewCipher(algorithm, key)
}

// resolveKey reads the hex key variable, falling back to deriving a key
// from the passphrase variable and the archive's salt.
func (a *appState) resolveKey() (*archive.Key, error) {
	ac := a.cfg.Archive
	if v := os.Getenv(ac.KeyEnv); v != "" {
		key, err := archive.ParseHexKey(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ac.KeyEnv, err)
		}
		return key, nil
	}
	if p := os.Getenv(ac.PassphraseEnv); p != "" {
		salt, err := a.loadSalt()
		if err != nil {
			return nil, err
		}
		return archive.DeriveKey([]byte(p), salt, ac.KDFIterations)
	}
	return nil, fmt.Errorf("%w: set %s or %s, or disable archive.treasure_encryption",
		errNoKey, ac.KeyEnv, ac.PassphraseEnv)
}

// loadSalt returns the archive's KDF salt, creating it on first use. An
// in-memory archive gets a fresh salt every time.
func (a *appState) loadSalt() ([]byte, error) {
	ac := a.cfg.Archive
	if ac.InMemory {
		return archive.NewSalt(ac.SaltLength)
	}

	dir := expandHome(ac.Path)
	path := filepath.Join(dir, saltFile)

	salt, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(salt) < 16 {
			return nil, fmt.Errorf("salt file %s is too short (%d bytes)", path, len(salt))
		}
		return salt, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read salt: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	salt, err = archive.NewSalt(ac.SaltLength)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		// Another process created it first.
		return os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("create salt: %w", err)
	}
	if _, err := f.Write(salt); err != nil {
		f.Close()
		return nil, fmt.Errorf("write salt: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("write salt: %w", err)
	}
	a.logger.Component("archive").Info("created kdf salt", slog.String("path", path))
	return salt, nil
}

// close releases resources in reverse order of acquisition.
func (a *appState) close(ctx context.Context) error {
	var errs []error

	if a.stopWatch != nil {
		a.stopWatch()
		<-a.watchDone
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.mirror != nil {
		errs = append(errs, a.mirror.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		errs = append(errs, a.metricsServer.Shutdown(shutdownCtx))
		cancel()
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
	}
	return errors.Join(errs...)
}

// expandHome expands a leading ~ to the user's home directory.
func expandHome(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
