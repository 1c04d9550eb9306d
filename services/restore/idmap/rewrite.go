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
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianVault/services/restore/plan"
)

// Rewrite returns a copy of the payload with every referenced
// backup-time id replaced by its remote id.
//
// Description:
//
//	Each reference names a dot-separated payload path. The value at
//	that path may be a bare id string, an object carrying an "id"
//	field, or an array of either form; all occurrences of the
//	reference's target id are replaced. A required reference whose
//	target has no remote id fails the whole rewrite; an optional one
//	is nulled (scalar forms) or dropped (array elements) so the
//	restore can proceed without it.
//
// Inputs:
//   - entityID: the owning entity's backup id, for error reporting.
//   - payload: the entity payload as captured at backup time.
//   - refs: the entity's declared references, deferred ones included.
//
// Outputs:
//   - json.RawMessage: the rewritten payload. The input is never
//     modified.
//   - error: *UnresolvedReferenceError listing every required field
//     that could not be resolved, or a wrapped unmarshal error for a
//     payload that is not a JSON object.
func (m *Map) Rewrite(entityID string, payload json.RawMessage, refs []plan.Reference) (json.RawMessage, error) {
	if len(refs) == 0 {
		return payload, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("entity %q: payload is not a JSON object: %w", entityID, err)
	}

	var unresolved []string
	for _, ref := range refs {
		remoteID, ok := m.Resolve(ref.Target)
		if !ok {
			if !ref.Optional {
				unresolved = append(unresolved, ref.Field)
				continue
			}
			dropReference(doc, strings.Split(ref.Field, "."), ref.Target)
			continue
		}
		rewriteField(doc, strings.Split(ref.Field, "."), ref.Target, remoteID)
	}
	if len(unresolved) > 0 {
		sort.Strings(unresolved)
		return nil, &UnresolvedReferenceError{EntityID: entityID, Fields: unresolved}
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("entity %q: re-encode payload: %w", entityID, err)
	}
	return out, nil
}

// descend walks all path segments but the last and returns the
// enclosing object plus the leaf key, or false if any segment is
// missing or not an object.
func descend(doc map[string]any, path []string) (map[string]any, string, bool) {
	cur := doc
	for _, seg := range path[:len(path)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return nil, "", false
		}
		cur = next
	}
	leaf := path[len(path)-1]
	if _, ok := cur[leaf]; !ok {
		return nil, "", false
	}
	return cur, leaf, true
}

func rewriteField(doc map[string]any, path []string, oldID, newID string) {
	parent, leaf, ok := descend(doc, path)
	if !ok {
		return
	}
	parent[leaf] = rewriteValue(parent[leaf], oldID, newID)
}

func rewriteValue(v any, oldID, newID string) any {
	switch val := v.(type) {
	case string:
		if val == oldID {
			return newID
		}
	case map[string]any:
		if id, ok := val["id"].(string); ok && id == oldID {
			val["id"] = newID
		}
	case []any:
		for i, elem := range val {
			val[i] = rewriteValue(elem, oldID, newID)
		}
	}
	return v
}

// dropReference nulls an optional reference that cannot be resolved:
// scalar forms become JSON null, matching array elements are removed.
func dropReference(doc map[string]any, path []string, oldID string) {
	parent, leaf, ok := descend(doc, path)
	if !ok {
		return
	}
	switch val := parent[leaf].(type) {
	case string:
		if val == oldID {
			parent[leaf] = nil
		}
	case map[string]any:
		if id, ok := val["id"].(string); ok && id == oldID {
			parent[leaf] = nil
		}
	case []any:
		kept := val[:0]
		for _, elem := range val {
			if refersTo(elem, oldID) {
				continue
			}
			kept = append(kept, elem)
		}
		parent[leaf] = kept
	}
}

func refersTo(v any, id string) bool {
	switch val := v.(type) {
	case string:
		return val == id
	case map[string]any:
		elemID, ok := val["id"].(string)
		return ok && elemID == id
	}
	return false
}
