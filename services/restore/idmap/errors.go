// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package idmap

import (
	"fmt"
	"strings"
)

// DuplicateResolutionError reports a backup id resolving to two
// different remote ids. This indicates a logic defect or journal
// corruption and aborts the run.
type DuplicateResolutionError struct {
	BackupID    string
	Existing    string
	Conflicting string
}

func (e *DuplicateResolutionError) Error() string {
	return fmt.Sprintf("backup id %q already resolved to %q, conflicting resolution %q",
		e.BackupID, e.Existing, e.Conflicting)
}

// UnresolvedReferenceError reports required references whose targets
// have no recorded remote id at rewrite time. The entity fails without
// a remote call; the engine records it in the failure ledger.
type UnresolvedReferenceError struct {
	EntityID string
	Fields   []string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("entity %q has unresolved references in fields [%s]",
		e.EntityID, strings.Join(e.Fields, ", "))
}
