// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gcs mirrors archive records to a Google Cloud Storage bucket.
//
// Each record becomes one object named <prefix><address>. Objects are
// created with a DoesNotExist precondition, so the first writer wins and
// later uploads of the same address are no-ops.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/AleutianAI/shadowscope/services/shadow/archive"
)

// DefaultPrefix is prepended to every object name.
const DefaultPrefix = "shadowscope/records/"

// Config configures a Mirror.
type Config struct {
	// Bucket is the bucket name. Required.
	Bucket string

	// Prefix is prepended to object names. Default: DefaultPrefix.
	Prefix string

	// CredentialsFile is a service account key. Empty uses application
	// default credentials.
	CredentialsFile string

	Logger *slog.Logger
}

// Mirror uploads record envelopes to GCS.
//
// Thread Safety: Safe for concurrent use.
type Mirror struct {
	client *storage.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewMirror creates a GCS client for cfg.Bucket.
//
// Outputs:
//
//	*Mirror - Ready to use. Close releases the client.
//	error - Non-nil if the bucket is empty, the key file is missing, or
//	        the client cannot be created.
func NewMirror(ctx context.Context, cfg Config) (*Mirror, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("gcs mirror: bucket is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		info, err := os.Stat(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("service account key not found at path: %s: %w", cfg.CredentialsFile, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("service account key path is a directory: %s", cfg.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return newMirror(client, cfg), nil
}

func newMirror(client *storage.Client, cfg Config) *Mirror {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
		logger: logger,
	}
}

// ObjectName returns the object name for address.
func (m *Mirror) ObjectName(address string) string {
	return m.prefix + address
}

// Upload writes blob as the object for address unless it already exists.
//
// Description:
//
//	The write carries an ifGenerationMatch=0 precondition. A 412 from the
//	service means another writer already mirrored this address, and the
//	call succeeds without overwriting it.
func (m *Mirror) Upload(ctx context.Context, address string, blob []byte) error {
	name := m.ObjectName(address)
	obj := m.client.Bucket(m.bucket).Object(name).If(storage.Conditions{DoesNotExist: true})

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	w.Metadata = map[string]string{"address": address}

	if _, err := w.Write(blob); err != nil {
		_ = w.Close()
		return m.uploadResult(address, fmt.Errorf("failed to write GCS object %s: %w", name, err))
	}
	if err := w.Close(); err != nil {
		return m.uploadResult(address, fmt.Errorf("failed to close GCS writer for %s: %w", name, err))
	}

	m.logger.Debug("mirrored archive record",
		slog.String("bucket", m.bucket),
		slog.String("object", name),
	)
	return nil
}

func (m *Mirror) uploadResult(address string, err error) error {
	if IsPreconditionFailed(err) {
		m.logger.Debug("archive record already mirrored", slog.String("address", address))
		return nil
	}
	return err
}

// Download returns the mirrored envelope for address.
//
// Outputs:
//
//	[]byte - The stored blob.
//	error - *archive.NotFoundError when the object does not exist.
func (m *Mirror) Download(ctx context.Context, address string) ([]byte, error) {
	r, err := m.client.Bucket(m.bucket).Object(m.ObjectName(address)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, &archive.NotFoundError{Address: address}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open GCS object for %s: %w", address, err)
	}
	defer r.Close()

	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object for %s: %w", address, err)
	}
	return b, nil
}

// Close releases the client.
func (m *Mirror) Close() error {
	return m.client.Close()
}

// IsPreconditionFailed reports whether err is a GCS 412 response.
func IsPreconditionFailed(err error) bool {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code == http.StatusPreconditionFailed
	}
	return false
}

var _ archive.Mirror = (*Mirror)(nil)
