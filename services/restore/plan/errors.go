// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plan

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for planning failures.
var (
	// ErrUnknownKind is returned for an entity whose kind is not one of
	// the four restorable kinds.
	ErrUnknownKind = errors.New("unknown entity kind")

	// ErrDuplicateEntity is returned when two entities in the input
	// share a backup-time id.
	ErrDuplicateEntity = errors.New("duplicate entity id")
)

// CyclicDependencyError reports a hard dependency cycle. A restore
// containing one cannot be ordered and is aborted before any remote
// call is made.
type CyclicDependencyError struct {
	// Members are the backup-time ids participating in the cycle, in
	// lexical order.
	Members []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic hard dependency among entities [%s]",
		strings.Join(e.Members, ", "))
}

// UnknownReferenceError reports a hard reference whose target id is
// absent from the entity set.
type UnknownReferenceError struct {
	EntityID string
	Field    string
	Target   string
}

func (e *UnknownReferenceError) Error() string {
	return fmt.Sprintf("entity %q field %q references unknown entity %q",
		e.EntityID, e.Field, e.Target)
}
