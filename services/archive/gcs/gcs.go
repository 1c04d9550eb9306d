// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gcs mirrors archive directories to a Google Cloud Storage
// bucket for off-site retention.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Store pushes and pulls archives against one bucket.
type Store struct {
	client *storage.Client
	bucket string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New opens a Store for the given bucket.
//
// Inputs:
//   - credentialsFile: service-account key path. Empty uses the
//     ambient application default credentials.
func New(ctx context.Context, bucket, credentialsFile string, opts ...Option) (*Store, error) {
	if bucket == "" {
		return nil, errors.New("bucket must not be empty")
	}

	var clientOpts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not accessible at %s: %w", credentialsFile, err)
		}
		clientOpts = append(clientOpts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	s := &Store{client: client, bucket: bucket, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Push uploads every file of a local archive directory under
// prefix/<file name>.
func (s *Store) Push(ctx context.Context, localDir, prefix string) error {
	return filepath.Walk(localDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		objectPath := path.Join(prefix, info.Name())
		if err := s.uploadFile(ctx, p, objectPath); err != nil {
			return err
		}
		s.logger.Info("archive file uploaded",
			slog.String("local", p),
			slog.String("object", fmt.Sprintf("gs://%s/%s", s.bucket, objectPath)))
		return nil
	})
}

func (s *Store) uploadFile(ctx context.Context, localPath, objectPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local file %s: %w", localPath, err)
	}
	defer f.Close()

	w := s.client.Bucket(s.bucket).Object(objectPath).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("upload %s to %s: %w", localPath, objectPath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize upload of %s: %w", objectPath, err)
	}
	return nil
}

// Pull downloads every object under prefix into localDir, flattening
// object names to their base name (archives are flat directories).
func (s *Store) Pull(ctx context.Context, prefix, localDir string) error {
	if err := os.MkdirAll(localDir, 0750); err != nil {
		return fmt.Errorf("create local directory: %w", err)
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	count := 0
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fmt.Errorf("list objects under %s: %w", prefix, err)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		localPath := filepath.Join(localDir, path.Base(attrs.Name))
		if err := s.downloadObject(ctx, attrs.Name, localPath); err != nil {
			return err
		}
		s.logger.Info("archive file downloaded",
			slog.String("object", fmt.Sprintf("gs://%s/%s", s.bucket, attrs.Name)),
			slog.String("local", localPath))
		count++
	}
	if count == 0 {
		return fmt.Errorf("no objects found under gs://%s/%s", s.bucket, prefix)
	}
	return nil
}

func (s *Store) downloadObject(ctx context.Context, objectPath, localPath string) error {
	r, err := s.client.Bucket(s.bucket).Object(objectPath).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("open object %s: %w", objectPath, err)
	}
	defer r.Close()

	f, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("create local file %s: %w", localPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("download %s: %w", objectPath, err)
	}
	return nil
}
