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
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianVault/services/archive"
	"github.com/AleutianAI/AleutianVault/services/backup"
)

var (
	backupWorkspace  string
	backupContainers []string
	backupOut        string

	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Snapshot workspace containers into a local archive",
		Long: `Backup reads the named containers, their schema properties, and all
their records through the remote API and writes them as a checksummed
archive directory named after the backup id.`,
		RunE: runBackupCommand,
	}
)

func runBackupCommand(cmd *cobra.Command, args []string) error {
	c, err := buildClient()
	if err != nil {
		return err
	}

	manager, err := backup.NewManager(c, backup.WithLogger(logger.Slog()))
	if err != nil {
		return err
	}

	snapshot, err := manager.Snapshot(cmd.Context(), backupWorkspace, backupContainers)
	if err != nil {
		return fmt.Errorf("snapshot failed: %w", err)
	}

	outDir := backupOut
	if outDir == "" {
		outDir = expandHome(cfg.Archive.Dir)
	}
	dir := filepath.Join(outDir, snapshot.ID)
	if err := archive.Write(dir, snapshot); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}

	fmt.Printf("backup %s: %d entities archived to %s\n", snapshot.ID, len(snapshot.Entities), dir)
	return nil
}

func init() {
	backupCmd.Flags().StringVar(&backupWorkspace, "workspace", "", "workspace identifier recorded in the archive")
	backupCmd.Flags().StringSliceVar(&backupContainers, "container", nil, "container id to back up (repeatable)")
	backupCmd.Flags().StringVar(&backupOut, "out", "", "archive output directory (default from config)")
	backupCmd.MarkFlagRequired("container")
}
