// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig locates the bucket runs are archived in.
type GCSConfig struct {
	Bucket string `yaml:"bucket" validate:"required"`

	// Prefix is prepended to every object name.
	Prefix string `yaml:"prefix"`

	// CredentialsFile is a service account key. Empty uses the
	// application default credentials.
	CredentialsFile string `yaml:"credentials_file" validate:"omitempty,file"`
}

// objectOpener returns a writer for a new object. The object is
// committed when the writer is closed.
type objectOpener func(ctx context.Context, name string) io.WriteCloser

// GCS uploads the run JSON and its artifacts under
// "<prefix>/<tag>/".
//
// Thread Safety: Safe for concurrent use.
type GCS struct {
	client *storage.Client
	open   objectOpener
	bucket string
	prefix string
}

// NewGCS creates the storage client.
func NewGCS(ctx context.Context, cfg GCSConfig) (*GCS, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at path: %s: %w", cfg.CredentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	bucket := client.Bucket(cfg.Bucket)
	return &GCS{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		open: func(ctx context.Context, name string) io.WriteCloser {
			w := bucket.Object(name).NewWriter(ctx)
			w.ContentType = "application/octet-stream"
			w.CacheControl = "no-cache, no-store, must-revalidate"
			return w
		},
	}, nil
}

// Name implements Sink.
func (g *GCS) Name() string { return "gcs" }

// Export implements Sink.
func (g *GCS) Export(ctx context.Context, run Run) error {
	dir := path.Join(g.prefix, run.Collection.Tag)

	data, err := run.Collection.MarshalIndent()
	if err != nil {
		return fmt.Errorf("encoding run %s: %w", run.Collection.Tag, err)
	}
	if err := g.upload(ctx, path.Join(dir, "micp_run_stats_"+run.Collection.Tag+".json"), bytes.NewReader(data)); err != nil {
		return err
	}

	for _, local := range run.Files {
		if err := g.uploadFile(ctx, local, path.Join(dir, filepath.Base(local))); err != nil {
			return err
		}
	}
	return nil
}

func (g *GCS) uploadFile(ctx context.Context, localPath, object string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open the local file: %s: %w", localPath, err)
	}
	defer f.Close()
	return g.upload(ctx, object, f)
}

func (g *GCS) upload(ctx context.Context, object string, r io.Reader) error {
	w := g.open(ctx, object)
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to copy to GCS object %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", object, err)
	}
	return nil
}

// Close implements Sink.
func (g *GCS) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

var _ Sink = (*GCS)(nil)
