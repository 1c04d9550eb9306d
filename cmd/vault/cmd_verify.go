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

	"github.com/AleutianAI/AleutianVault/services/restore/engine"
	"github.com/AleutianAI/AleutianVault/services/restore/journal"
	"github.com/AleutianAI/AleutianVault/services/restore/verify"
)

var (
	verifyRunID string

	verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Read back a past run's restored objects",
		Long: `Verify replays a restore run's journal and reads every object it
recorded as successfully created, reporting anything the remote side
no longer holds.`,
		RunE: runVerifyCommand,
	}
)

func runVerifyCommand(cmd *cobra.Command, args []string) error {
	j, err := journal.Open(journal.Config{
		Path:       filepath.Join(expandHome(cfg.Restore.JournalDir), verifyRunID),
		RunID:      verifyRunID,
		SyncWrites: true,
		Logger:     logger.Slog(),
	})
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	records, err := j.Replay(cmd.Context())
	if err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}

	// Rebuild just enough of the run report: the succeeded entities and
	// their remote ids.
	remoteIDs := make(map[string]string)
	report := &engine.Report{RunID: verifyRunID}
	for _, rec := range records {
		switch rec.Type {
		case journal.RecordMapping:
			remoteIDs[rec.EntityID] = rec.RemoteID
		case journal.RecordOutcome:
			if engine.Outcome(rec.Outcome) == engine.OutcomeSucceeded {
				report.Results = append(report.Results, engine.EntityResult{
					EntityID: rec.EntityID,
					Outcome:  engine.OutcomeSucceeded,
					RemoteID: remoteIDs[rec.EntityID],
				})
			}
		}
	}
	if len(report.Results) == 0 {
		return fmt.Errorf("run %s has no successful entities to verify", verifyRunID)
	}

	c, err := buildClient()
	if err != nil {
		return err
	}
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
	return nil
}

func init() {
	verifyCmd.Flags().StringVar(&verifyRunID, "run-id", "", "run id whose journal to verify")
	verifyCmd.MarkFlagRequired("run-id")
}
