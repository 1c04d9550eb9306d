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
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianVault/services/archive"
	"github.com/AleutianAI/AleutianVault/services/archive/gcs"
)

var (
	archiveCmd = &cobra.Command{
		Use:   "archive",
		Short: "Manage local and off-site backup archives",
	}

	archiveListCmd = &cobra.Command{
		Use:   "list",
		Short: "List local archives",
		RunE:  runArchiveList,
	}

	archivePushCmd = &cobra.Command{
		Use:   "push [backup-id]",
		Short: "Upload a local archive to Cloud Storage",
		Args:  cobra.ExactArgs(1),
		RunE:  runArchivePush,
	}

	archivePullCmd = &cobra.Command{
		Use:   "pull [backup-id]",
		Short: "Download an archive from Cloud Storage",
		Args:  cobra.ExactArgs(1),
		RunE:  runArchivePull,
	}
)

func archiveRoot() string {
	return expandHome(cfg.Archive.Dir)
}

func openStore(cmd *cobra.Command) (*gcs.Store, error) {
	if cfg.Archive.GCSBucket == "" {
		return nil, fmt.Errorf("archive.gcs_bucket is not configured")
	}
	return gcs.New(cmd.Context(), cfg.Archive.GCSBucket, expandHome(cfg.Archive.GCSCredentials),
		gcs.WithLogger(logger.Slog()))
}

func runArchiveList(cmd *cobra.Command, args []string) error {
	entries, err := os.ReadDir(archiveRoot())
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no archives")
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifest, err := archive.ReadManifest(filepath.Join(archiveRoot(), entry.Name()))
		if err != nil {
			fmt.Printf("%s  (unreadable: %v)\n", entry.Name(), err)
			continue
		}
		fmt.Printf("%s  workspace=%s  entities=%d  created=%s\n",
			manifest.BackupID, manifest.WorkspaceID, manifest.EntityCount,
			manifest.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runArchivePush(cmd *cobra.Command, args []string) error {
	backupID := args[0]
	dir := filepath.Join(archiveRoot(), backupID)

	// Refuse to upload a corrupt archive.
	if _, err := archive.Read(dir); err != nil {
		return fmt.Errorf("archive %s failed integrity check: %w", backupID, err)
	}

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Push(cmd.Context(), dir, path.Join("archives", backupID)); err != nil {
		return fmt.Errorf("push archive: %w", err)
	}
	fmt.Printf("archive %s pushed to gs://%s/archives/%s\n", backupID, cfg.Archive.GCSBucket, backupID)
	return nil
}

func runArchivePull(cmd *cobra.Command, args []string) error {
	backupID := args[0]
	dir := filepath.Join(archiveRoot(), backupID)

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Pull(cmd.Context(), path.Join("archives", backupID), dir); err != nil {
		return fmt.Errorf("pull archive: %w", err)
	}

	// Integrity-check what we downloaded before declaring success.
	backup, err := archive.Read(dir)
	if err != nil {
		return fmt.Errorf("downloaded archive failed integrity check: %w", err)
	}
	fmt.Printf("archive %s pulled to %s (%d entities)\n", backupID, dir, len(backup.Entities))
	return nil
}
