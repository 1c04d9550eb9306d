// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package idmap tracks the correspondence between backup-time
// identifiers and the remote identifiers minted during a restore, and
// rewrites entity payloads to use the new identifiers.
package idmap

import (
	"sort"
	"sync"
)

// Map is the run-scoped identifier translation table. Safe for
// concurrent use by the engine's workers; entries are written once and
// never mutated afterwards.
type Map struct {
	mu      sync.RWMutex
	forward map[string]string // backup id -> remote id
	reverse map[string]string // remote id -> backup id
	pending map[string]struct{}
}

// New constructs an empty Map.
func New() *Map {
	return &Map{
		forward: make(map[string]string),
		reverse: make(map[string]string),
		pending: make(map[string]struct{}),
	}
}

// Reserve registers a backup id as pending restoration. Idempotent;
// reserving an already-resolved id is a no-op. The engine reserves
// every planned entity up front so Pending can distinguish "not yet
// restored" from "not part of this run".
func (m *Map) Reserve(backupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.forward[backupID]; ok {
		return
	}
	m.pending[backupID] = struct{}{}
}

// Pending reports whether a backup id is reserved but not yet resolved.
func (m *Map) Pending(backupID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.pending[backupID]
	return ok
}

// Record stores the remote id minted for a backup id.
//
// Outputs:
//   - error: *DuplicateResolutionError if the backup id already
//     resolved to a different remote id. Recording the identical pair
//     twice is a no-op, which lets a resumed run replay its journal.
func (m *Map) Record(backupID, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.forward[backupID]; ok {
		if existing == remoteID {
			return nil
		}
		return &DuplicateResolutionError{
			BackupID: backupID, Existing: existing, Conflicting: remoteID,
		}
	}
	m.forward[backupID] = remoteID
	m.reverse[remoteID] = backupID
	delete(m.pending, backupID)
	return nil
}

// Resolve returns the remote id for a backup id, if recorded.
func (m *Map) Resolve(backupID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.forward[backupID]
	return id, ok
}

// Origin returns the backup id that produced a remote id, if any.
// Used by post-restore verification to walk results back to the plan.
func (m *Map) Origin(remoteID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.reverse[remoteID]
	return id, ok
}

// Len returns the number of recorded mappings.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.forward)
}

// Snapshot returns every mapping sorted by backup id, for journaling
// and reporting.
func (m *Map) Snapshot() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.forward))
	for b, r := range m.forward {
		out = append(out, Entry{BackupID: b, RemoteID: r})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BackupID < out[j].BackupID })
	return out
}

// Entry is one recorded backup-to-remote identifier pair.
type Entry struct {
	BackupID string `json:"backup_id"`
	RemoteID string `json:"remote_id"`
}
