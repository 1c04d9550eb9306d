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

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianVault/services/archive"
	"github.com/AleutianAI/AleutianVault/services/restore/engine"
	"github.com/AleutianAI/AleutianVault/services/restore/journal"
	"github.com/AleutianAI/AleutianVault/services/restore/progress"
	"github.com/AleutianAI/AleutianVault/services/restore/verify"
)

var (
	restoreArchive   string
	restoreRunID     string
	restoreWorkers   int
	restoreNoJournal bool
	restoreVerify    bool

	restoreCmd = &cobra.Command{
		Use:   "restore",
		Short: "Restore an archive into the remote workspace",
		Long: `Restore plans the archive's entities into dependency-ordered stages
and recreates them through the resilient client. Progress is journaled;
rerunning with the same --run-id resumes instead of duplicating objects
that were already created.`,
		RunE: runRestoreCommand,
	}
)

func runRestoreCommand(cmd *cobra.Command, args []string) error {
	backup, err := archive.Read(expandHome(restoreArchive))
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}

	c, err := buildClient()
	if err != nil {
		return err
	}

	runID := restoreRunID
	if runID == "" {
		runID = uuid.NewString()
	}

	emitter := progress.NewEmitter(progress.LogSink{Logger: logger.Slog()}, 0)
	defer emitter.Close()

	opts := []engine.Option{
		engine.WithRunID(runID),
		engine.WithLogger(logger.Slog()),
		engine.WithEmitter(emitter),
	}
	if restoreWorkers > 0 {
		opts = append(opts, engine.WithWorkers(restoreWorkers))
	} else if cfg.Restore.Workers > 0 {
		opts = append(opts, engine.WithWorkers(cfg.Restore.Workers))
	}

	if !restoreNoJournal {
		j, err := journal.Open(journal.Config{
			Path:       filepath.Join(expandHome(cfg.Restore.JournalDir), runID),
			RunID:      runID,
			SyncWrites: true,
			Logger:     logger.Slog(),
		})
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer j.Close()
		opts = append(opts, engine.WithJournal(j))
	}

	eng, err := engine.New(c, opts...)
	if err != nil {
		return err
	}

	report, runErr := eng.Run(cmd.Context(), backup.Entities)
	printReport(report)
	if runErr != nil {
		return runErr
	}

	if restoreVerify {
		v, err := verify.New(c, verify.WithLogger(logger.Slog()))
		if err != nil {
			return err
		}
		result, err := v.Verify(cmd.Context(), report)
		if err != nil {
			return fmt.Errorf("verification failed to run: %w", err)
		}
		printVerification(result)
		if !result.OK() {
			return fmt.Errorf("verification found %d missing and %d unreachable objects",
				len(result.Missing), len(result.Unreachable))
		}
	}

	if report.State != engine.StateCompleted {
		return fmt.Errorf("restore finished %s; rerun with --run-id %s to retry the failed subset",
			report.State, runID)
	}
	return nil
}

func printVerification(result *verify.Result) {
	fmt.Printf("verified %d remote objects\n", result.Checked)
	for _, id := range result.Missing {
		fmt.Printf("  missing: %s\n", id)
	}
	for _, id := range result.Unreachable {
		fmt.Printf("  unreachable: %s\n", id)
	}
}

func init() {
	restoreCmd.Flags().StringVar(&restoreArchive, "archive", "", "archive directory to restore")
	restoreCmd.Flags().StringVar(&restoreRunID, "run-id", "", "run id; reuse to resume an interrupted restore")
	restoreCmd.Flags().IntVar(&restoreWorkers, "workers", 0, "per-stage worker pool size (default from config)")
	restoreCmd.Flags().BoolVar(&restoreNoJournal, "no-journal", false, "disable the crash-resume journal")
	restoreCmd.Flags().BoolVar(&restoreVerify, "verify", false, "read back restored objects after the run")
	restoreCmd.MarkFlagRequired("archive")
}
