// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads shadowscope settings.
//
// Priority is environment > file > defaults. Files are YAML, with JSON
// accepted as a fallback.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/shadowscope/pkg/logging"
	"github.com/AleutianAI/shadowscope/services/shadow/archive"
	"github.com/AleutianAI/shadowscope/services/shadow/classify"
	"github.com/AleutianAI/shadowscope/services/shadow/graph"
	"github.com/AleutianAI/shadowscope/services/shadow/influence"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SHADOWSCOPE_"

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid config")

var validate = validator.New()

// Config is the full configuration.
type Config struct {
	Analysis  AnalysisConfig  `json:"analysis" yaml:"analysis"`
	Archive   ArchiveConfig   `json:"archive" yaml:"archive"`
	Query     QueryConfig     `json:"query" yaml:"query"`
	Pipeline  PipelineConfig  `json:"pipeline" yaml:"pipeline"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// AnalysisConfig controls propagation and classification.
type AnalysisConfig struct {
	// ShadowSensitivity maps to the decay floor; higher keeps weaker paths.
	ShadowSensitivity float64 `json:"shadow_sensitivity" yaml:"shadow_sensitivity" validate:"gte=0,lte=1"`

	// SilenceThreshold sets expressed_min; void_max is a third of it.
	SilenceThreshold float64 `json:"silence_threshold" yaml:"silence_threshold" validate:"gt=0,lte=1"`

	VoidDetectionDepth int `json:"void_detection_depth" yaml:"void_detection_depth" validate:"gte=1,lte=10000"`

	// ExpressedMin and VoidMax override SilenceThreshold when set.
	ExpressedMin *float64 `json:"expressed_min,omitempty" yaml:"expressed_min,omitempty" validate:"omitempty,gte=0,lte=1"`
	VoidMax      *float64 `json:"void_max,omitempty" yaml:"void_max,omitempty" validate:"omitempty,gte=0,lte=1"`

	// DecayFloor overrides ShadowSensitivity when set.
	DecayFloor *float64 `json:"decay_floor,omitempty" yaml:"decay_floor,omitempty" validate:"omitempty,gt=0,lte=0.5"`

	MaxNodes int `json:"max_nodes" yaml:"max_nodes" validate:"gte=0"`
	MaxEdges int `json:"max_edges" yaml:"max_edges" validate:"gte=0"`
}

// ArchiveConfig controls the record store.
type ArchiveConfig struct {
	Path     string `json:"path" yaml:"path"`
	InMemory bool   `json:"in_memory" yaml:"in_memory"`

	// TreasureEncryption encrypts payloads at rest. When false, payloads
	// are canonical plaintext and only checksummed.
	TreasureEncryption bool   `json:"treasure_encryption" yaml:"treasure_encryption"`
	CipherAlgorithm    string `json:"cipher_algorithm" yaml:"cipher_algorithm" validate:"oneof=AES-256-GCM XChaCha20-Poly1305"`

	// KeyEnv names the variable holding a hex key. PassphraseEnv names the
	// variable holding a passphrase; used when KeyEnv is unset.
	KeyEnv        string `json:"key_env" yaml:"key_env" validate:"required"`
	PassphraseEnv string `json:"passphrase_env" yaml:"passphrase_env" validate:"required"`
	SaltLength    int    `json:"salt_length" yaml:"salt_length" validate:"gte=16,lte=64"`
	KDFIterations int    `json:"kdf_iterations" yaml:"kdf_iterations" validate:"gte=1"`

	SyncWrites bool `json:"sync_writes" yaml:"sync_writes"`

	GCSBucket          string `json:"gcs_bucket" yaml:"gcs_bucket"`
	GCSPrefix          string `json:"gcs_prefix" yaml:"gcs_prefix"`
	GCSCredentialsFile string `json:"gcs_credentials_file" yaml:"gcs_credentials_file"`
}

// QueryConfig controls the query engine.
type QueryConfig struct {
	// DecryptRate limits decryptions per second. 0 is unlimited.
	DecryptRate  float64 `json:"decrypt_rate" yaml:"decrypt_rate" validate:"gte=0"`
	DecryptBurst int     `json:"decrypt_burst" yaml:"decrypt_burst" validate:"gte=0"`
}

// PipelineConfig controls batch analysis.
type PipelineConfig struct {
	// Workers bounds parallel runs. 0 selects GOMAXPROCS.
	Workers int `json:"workers" yaml:"workers" validate:"gte=0"`
}

// LoggingConfig controls pkg/logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `json:"format" yaml:"format" validate:"oneof=auto text json"`
	Dir    string `json:"dir" yaml:"dir"`
}

// TelemetryConfig controls exporters.
type TelemetryConfig struct {
	ServiceName    string `json:"service_name" yaml:"service_name" validate:"required"`
	TraceExporter  string `json:"trace_exporter" yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	MetricExporter string `json:"metric_exporter" yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint   string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `json:"otlp_insecure" yaml:"otlp_insecure"`
	PrometheusAddr string `json:"prometheus_addr" yaml:"prometheus_addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Analysis: AnalysisConfig{
			ShadowSensitivity:  influence.DefaultSensitivity,
			SilenceThreshold:   classify.DefaultSilenceThreshold,
			VoidDetectionDepth: classify.DefaultMaxVoidDepth,
		},
		Archive: ArchiveConfig{
			Path:               "~/.shadowscope/archive",
			TreasureEncryption: true,
			CipherAlgorithm:    archive.CipherAESGCM,
			KeyEnv:             EnvPrefix + "ARCHIVE_KEY",
			PassphraseEnv:      EnvPrefix + "ARCHIVE_PASSPHRASE",
			SaltLength:         archive.DefaultSaltLength,
			KDFIterations:      archive.DefaultKDFIterations,
			SyncWrites:         true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "shadowscope",
			TraceExporter:  "none",
			MetricExporter: "none",
			PrometheusAddr: ":9464",
		},
	}
}

// Load reads configuration with priority env > file > defaults.
//
// Inputs:
//
//	path - YAML or JSON file. Empty or missing uses defaults.
//
// Outputs:
//
//	Config - The merged configuration.
//	error - Non-nil if the file or an override cannot be parsed, or the
//	        result is invalid (ErrInvalidConfig).
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, fmt.Errorf("load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

// applyEnv applies SHADOWSCOPE_* overrides.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	optFloat := func(name string, dst **float64) {
		var f float64
		before := len(errs)
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			float(name, &f)
			if len(errs) == before {
				*dst = &f
			}
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = i
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	float("SHADOW_SENSITIVITY", &cfg.Analysis.ShadowSensitivity)
	float("SILENCE_THRESHOLD", &cfg.Analysis.SilenceThreshold)
	integer("VOID_DETECTION_DEPTH", &cfg.Analysis.VoidDetectionDepth)
	optFloat("EXPRESSED_MIN", &cfg.Analysis.ExpressedMin)
	optFloat("VOID_MAX", &cfg.Analysis.VoidMax)
	optFloat("DECAY_FLOOR", &cfg.Analysis.DecayFloor)

	str("ARCHIVE_PATH", &cfg.Archive.Path)
	boolean("ARCHIVE_IN_MEMORY", &cfg.Archive.InMemory)
	boolean("TREASURE_ENCRYPTION", &cfg.Archive.TreasureEncryption)
	str("CIPHER_ALGORITHM", &cfg.Archive.CipherAlgorithm)
	boolean("SYNC_WRITES", &cfg.Archive.SyncWrites)
	str("GCS_BUCKET", &cfg.Archive.GCSBucket)
	str("GCS_PREFIX", &cfg.Archive.GCSPrefix)
	str("GCS_CREDENTIALS_FILE", &cfg.Archive.GCSCredentialsFile)

	float("DECRYPT_RATE", &cfg.Query.DecryptRate)
	integer("DECRYPT_BURST", &cfg.Query.DecryptBurst)
	integer("WORKERS", &cfg.Pipeline.Workers)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("LOG_DIR", &cfg.Logging.Dir)

	str("TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	str("METRIC_EXPORTER", &cfg.Telemetry.MetricExporter)
	str("OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	boolean("OTLP_INSECURE", &cfg.Telemetry.OTLPInsecure)
	str("PROMETHEUS_ADDR", &cfg.Telemetry.PrometheusAddr)

	return errors.Join(errs...)
}

// Validate applies struct-tag rules and cross-field checks.
func (c Config) Validate() error {
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Logging.Format = strings.ToLower(c.Logging.Format)
	c.Telemetry.TraceExporter = strings.ToLower(c.Telemetry.TraceExporter)
	c.Telemetry.MetricExporter = strings.ToLower(c.Telemetry.MetricExporter)

	if err := validate.Struct(c); err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) {
			msgs := make([]string, 0, len(vErrs))
			for _, fe := range vErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (%s)", fe.Namespace(), fe.Tag(), fe.Param()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := c.Policy().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if !c.Archive.InMemory && strings.TrimSpace(c.Archive.Path) == "" {
		return fmt.Errorf("%w: archive.path is required unless archive.in_memory is set", ErrInvalidConfig)
	}
	if c.Telemetry.TraceExporter == "otlp" && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("%w: telemetry.otlp_endpoint is required for the otlp exporter", ErrInvalidConfig)
	}
	if c.Telemetry.MetricExporter == "prometheus" && c.Telemetry.PrometheusAddr == "" {
		return fmt.Errorf("%w: telemetry.prometheus_addr is required for the prometheus exporter", ErrInvalidConfig)
	}
	return nil
}

// Policy returns the classification thresholds.
//
// Explicit expressed_min / void_max win over silence_threshold; setting
// only one of them keeps the other from silence_threshold.
func (c Config) Policy() classify.Policy {
	p := classify.PolicyFromSilenceThreshold(c.Analysis.SilenceThreshold)
	if c.Analysis.ExpressedMin != nil {
		p.ExpressedMin = *c.Analysis.ExpressedMin
	}
	if c.Analysis.VoidMax != nil {
		p.VoidMax = *c.Analysis.VoidMax
	}
	return p
}

// InfluenceOptions returns propagation options.
func (c Config) InfluenceOptions() *influence.Options {
	o := influence.DefaultOptions()
	o.DecayFloor = influence.FloorFromSensitivity(c.Analysis.ShadowSensitivity)
	if c.Analysis.DecayFloor != nil {
		o.DecayFloor = *c.Analysis.DecayFloor
	}
	return o
}

// BuilderOptions returns graph limits. Zero limits keep the builder defaults.
func (c Config) BuilderOptions() []graph.BuilderOption {
	var opts []graph.BuilderOption
	if c.Analysis.MaxNodes > 0 {
		opts = append(opts, graph.WithMaxNodes(c.Analysis.MaxNodes))
	}
	if c.Analysis.MaxEdges > 0 {
		opts = append(opts, graph.WithMaxEdges(c.Analysis.MaxEdges))
	}
	return opts
}

// ClassifyOptions returns classification options.
func (c Config) ClassifyOptions() *classify.Options {
	o := classify.DefaultOptions()
	o.MaxVoidDepth = c.Analysis.VoidDetectionDepth
	return o
}

// Cipher returns the archive cipher algorithm, or archive.CipherPlaintext
// when encryption is disabled.
func (c Config) Cipher() string {
	if !c.Archive.TreasureEncryption {
		return archive.CipherPlaintext
	}
	return c.Archive.CipherAlgorithm
}

// LoggingConfig returns the pkg/logging configuration.
func (c Config) LoggingConfig() (logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return logging.Config{}, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:   level,
		Format:  format,
		LogDir:  c.Logging.Dir,
		Service: c.Telemetry.ServiceName,
	}, nil
}
