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
	"path/filepath"
	"strings"

	"github.com/AleutianAI/AleutianVault/services/restore/engine"
)

// expandHome resolves a leading ~ in config-provided paths.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// printReport writes the run's itemized outcome to stdout. Failures
// are never silently dropped; every non-success row is listed with its
// stage and cause.
func printReport(report *engine.Report) {
	fmt.Printf("run %s: %s (%d/%d entities restored)\n",
		report.RunID, report.State, report.Succeeded(), report.Planned)

	failures := report.Failures()
	if len(failures) == 0 {
		return
	}
	fmt.Printf("%d entities were not restored:\n", len(failures))
	for _, res := range failures {
		fmt.Printf("  stage %d  %-28s %-26s %s\n",
			res.Stage, res.EntityID, res.Outcome, res.Reason)
	}
}
