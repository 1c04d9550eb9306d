// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive defines the on-disk backup format: a directory
// holding the entity set plus a manifest with SHA-256 checksums, so
// corruption is detected before a restore starts mutating the remote
// workspace.
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/AleutianVault/services/restore/plan"
)

const (
	// FormatVersion is bumped on incompatible layout changes.
	FormatVersion = 1

	// ManifestFile and EntitiesFile are the fixed archive file names.
	ManifestFile = "manifest.json"
	EntitiesFile = "entities.json"
)

var (
	// ErrChecksumMismatch is returned when an archive file does not
	// match its manifest checksum.
	ErrChecksumMismatch = errors.New("archive checksum mismatch")

	// ErrUnsupportedVersion is returned for archives written by an
	// incompatible format version.
	ErrUnsupportedVersion = errors.New("unsupported archive format version")
)

// Manifest describes an archive's contents and integrity checksums.
type Manifest struct {
	Version     int               `json:"version"`
	BackupID    string            `json:"backup_id"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	EntityCount int               `json:"entity_count"`
	Checksums   map[string]string `json:"checksums"` // file name -> hex SHA-256
}

// Backup is the logical content of one archive.
type Backup struct {
	ID          string                  `json:"id"`
	WorkspaceID string                  `json:"workspace_id,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	Entities    []plan.EntityDescriptor `json:"entities"`
}

// Write persists a backup into dir, creating it if needed.
//
// Outputs:
//   - error: non-nil on encoding or filesystem failure. A partially
//     written directory is left behind for inspection; Read will
//     reject it on checksum or manifest absence.
func Write(dir string, backup *Backup) error {
	if backup == nil {
		return errors.New("backup must not be nil")
	}
	if backup.ID == "" {
		return errors.New("backup id must not be empty")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	entities, err := json.MarshalIndent(backup.Entities, "", "  ")
	if err != nil {
		return fmt.Errorf("encode entities: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, EntitiesFile), entities, 0640); err != nil {
		return fmt.Errorf("write %s: %w", EntitiesFile, err)
	}

	manifest := Manifest{
		Version:     FormatVersion,
		BackupID:    backup.ID,
		WorkspaceID: backup.WorkspaceID,
		CreatedAt:   backup.CreatedAt,
		EntityCount: len(backup.Entities),
		Checksums: map[string]string{
			EntitiesFile: checksum(entities),
		},
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0640); err != nil {
		return fmt.Errorf("write %s: %w", ManifestFile, err)
	}
	return nil
}

// Read loads and integrity-checks an archive directory.
func Read(dir string) (*Backup, error) {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}

	entities, err := os.ReadFile(filepath.Join(dir, EntitiesFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", EntitiesFile, err)
	}
	want, ok := manifest.Checksums[EntitiesFile]
	if !ok {
		return nil, fmt.Errorf("%w: manifest has no checksum for %s", ErrChecksumMismatch, EntitiesFile)
	}
	if got := checksum(entities); got != want {
		return nil, fmt.Errorf("%w: %s: want %s, got %s", ErrChecksumMismatch, EntitiesFile, want, got)
	}

	backup := &Backup{
		ID:          manifest.BackupID,
		WorkspaceID: manifest.WorkspaceID,
		CreatedAt:   manifest.CreatedAt,
	}
	if err := json.Unmarshal(entities, &backup.Entities); err != nil {
		return nil, fmt.Errorf("decode entities: %w", err)
	}
	if len(backup.Entities) != manifest.EntityCount {
		return nil, fmt.Errorf("%w: manifest counts %d entities, archive holds %d",
			ErrChecksumMismatch, manifest.EntityCount, len(backup.Entities))
	}
	return backup, nil
}

// ReadManifest loads just the manifest, for listing archives without
// decoding the full entity set.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ManifestFile, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if manifest.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, manifest.Version)
	}
	return &manifest, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
