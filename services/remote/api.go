// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package remote defines the boundary to the workspace API that vault
// backs up from and restores into.
//
// The core engine never talks HTTP directly; it depends on the API
// interface below. Every error crossing this boundary must be
// classifiable into the retry taxonomy (rate-limited, transient,
// permanent, not-found) so the resilient client can decide whether a
// retry can possibly succeed.
package remote

import (
	"context"
	"encoding/json"
)

// ObjectKind identifies what a create call produces on the remote side.
type ObjectKind string

const (
	// ObjectContainer is a database-like container of records.
	ObjectContainer ObjectKind = "container"

	// ObjectProperty is a schema property attached to a container.
	ObjectProperty ObjectKind = "property"

	// ObjectRecord is a row/page inside a container.
	ObjectRecord ObjectKind = "record"
)

// CreateRequest describes one creation call.
//
// IdempotencyKey is a client-supplied key carried on the request so a
// retried create after an ambiguous timeout cannot produce a duplicate
// object. The remote API deduplicates on it; callers that cannot supply
// one must accept the duplicate risk.
type CreateRequest struct {
	Kind           ObjectKind
	Payload        json.RawMessage
	IdempotencyKey string
}

// QueryPage is one page of a paginated container query.
type QueryPage struct {
	Results    []json.RawMessage
	NextCursor string
	HasMore    bool
}

// API is the capability surface the backup and restore engines require.
//
// Description:
//
//	Create returns the identifier the remote side assigned to the new
//	object. Update mutates an existing object in place (used to attach
//	relation and formula properties after both endpoint containers
//	exist). Read and Query are used by backup extraction and
//	post-restore verification.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use; the restore engine
//	issues calls from a bounded worker pool.
type API interface {
	Create(ctx context.Context, req CreateRequest) (string, error)
	Update(ctx context.Context, remoteID string, payload json.RawMessage) error
	Read(ctx context.Context, remoteID string) (json.RawMessage, error)
	Query(ctx context.Context, containerID string, cursor string) (QueryPage, error)
}
