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
	"errors"
	"testing"

	"github.com/AleutianAI/AleutianVault/services/restore/plan"
)

func TestMap_RecordAndResolve(t *testing.T) {
	m := New()
	if err := m.Record("b-1", "r-1"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, ok := m.Resolve("b-1")
	if !ok || got != "r-1" {
		t.Errorf("Resolve = %q,%v, want r-1,true", got, ok)
	}
	origin, ok := m.Origin("r-1")
	if !ok || origin != "b-1" {
		t.Errorf("Origin = %q,%v, want b-1,true", origin, ok)
	}
	if _, ok := m.Resolve("missing"); ok {
		t.Error("Resolve of unrecorded id must report false")
	}
}

func TestMap_ReserveAndPending(t *testing.T) {
	m := New()
	m.Reserve("b-1")
	m.Reserve("b-1") // idempotent

	if !m.Pending("b-1") {
		t.Error("reserved id must be pending")
	}
	if m.Pending("b-2") {
		t.Error("unreserved id must not be pending")
	}

	if err := m.Record("b-1", "r-1"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if m.Pending("b-1") {
		t.Error("resolved id must no longer be pending")
	}

	// Reserving an already-resolved id must not shadow the resolution.
	m.Reserve("b-1")
	if m.Pending("b-1") {
		t.Error("Reserve after Record must be a no-op")
	}
	if got, ok := m.Resolve("b-1"); !ok || got != "r-1" {
		t.Errorf("Resolve = %q,%v, want r-1,true", got, ok)
	}
}

func TestMap_DuplicateResolution(t *testing.T) {
	m := New()
	if err := m.Record("b-1", "r-1"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// Re-recording the same pair is idempotent (journal replay).
	if err := m.Record("b-1", "r-1"); err != nil {
		t.Errorf("identical re-record must succeed, got: %v", err)
	}

	err := m.Record("b-1", "r-2")
	var dupErr *DuplicateResolutionError
	if !errors.As(err, &dupErr) {
		t.Fatalf("expected *DuplicateResolutionError, got %T: %v", err, err)
	}
	if dupErr.Existing != "r-1" || dupErr.Conflicting != "r-2" {
		t.Errorf("got existing=%q conflicting=%q", dupErr.Existing, dupErr.Conflicting)
	}
}

func TestMap_SnapshotSorted(t *testing.T) {
	m := New()
	for _, pair := range [][2]string{{"c", "3"}, {"a", "1"}, {"b", "2"}} {
		if err := m.Record(pair[0], pair[1]); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	snap := m.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("len = %d, want 3", len(snap))
	}
	for i, want := range []string{"a", "b", "c"} {
		if snap[i].BackupID != want {
			t.Errorf("snap[%d] = %q, want %q", i, snap[i].BackupID, want)
		}
	}
}

func TestRewrite_StringAndObjectForms(t *testing.T) {
	m := New()
	if err := m.Record("cont-old", "cont-new"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	payload := json.RawMessage(`{
		"parent": {"container_id": "cont-old"},
		"source": {"id": "cont-old", "name": "Tasks"}
	}`)
	refs := []plan.Reference{
		{Field: "parent.container_id", Target: "cont-old"},
		{Field: "source", Target: "cont-old"},
	}

	out, err := m.Rewrite("e-1", payload, refs)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	parent := doc["parent"].(map[string]any)
	if parent["container_id"] != "cont-new" {
		t.Errorf("container_id = %v, want cont-new", parent["container_id"])
	}
	source := doc["source"].(map[string]any)
	if source["id"] != "cont-new" {
		t.Errorf("source.id = %v, want cont-new", source["id"])
	}
	if source["name"] != "Tasks" {
		t.Errorf("unrelated field changed: %v", source["name"])
	}
}

func TestRewrite_ArrayForm(t *testing.T) {
	m := New()
	if err := m.Record("rec-old", "rec-new"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	payload := json.RawMessage(`{
		"properties": {"Links": {"relation": [{"id": "rec-old"}, {"id": "other"}]}}
	}`)
	refs := []plan.Reference{
		{Field: "properties.Links.relation", Target: "rec-old"},
	}

	out, err := m.Rewrite("e-1", payload, refs)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	var doc struct {
		Properties struct {
			Links struct {
				Relation []struct {
					ID string `json:"id"`
				} `json:"relation"`
			} `json:"Links"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	rel := doc.Properties.Links.Relation
	if len(rel) != 2 || rel[0].ID != "rec-new" || rel[1].ID != "other" {
		t.Errorf("relation = %+v, want [rec-new other]", rel)
	}
}

func TestRewrite_UnresolvedRequiredReference(t *testing.T) {
	m := New()
	payload := json.RawMessage(`{"parent": {"container_id": "cont-old"}, "link": "rec-old"}`)
	refs := []plan.Reference{
		{Field: "parent.container_id", Target: "cont-old"},
		{Field: "link", Target: "rec-old"},
	}

	_, err := m.Rewrite("e-1", payload, refs)
	var unresolved *UnresolvedReferenceError
	if !errors.As(err, &unresolved) {
		t.Fatalf("expected *UnresolvedReferenceError, got %T: %v", err, err)
	}
	// Every unresolved field is reported, sorted.
	if len(unresolved.Fields) != 2 ||
		unresolved.Fields[0] != "link" || unresolved.Fields[1] != "parent.container_id" {
		t.Errorf("Fields = %v, want [link parent.container_id]", unresolved.Fields)
	}
}

func TestRewrite_OptionalUnresolvedIsDropped(t *testing.T) {
	m := New()
	payload := json.RawMessage(`{
		"owner": {"id": "user-gone"},
		"mentions": ["user-gone", "user-kept"]
	}`)
	refs := []plan.Reference{
		{Field: "owner", Target: "user-gone", Optional: true},
		{Field: "mentions", Target: "user-gone", Optional: true},
	}

	out, err := m.Rewrite("e-1", payload, refs)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if doc["owner"] != nil {
		t.Errorf("owner = %v, want null", doc["owner"])
	}
	mentions := doc["mentions"].([]any)
	if len(mentions) != 1 || mentions[0] != "user-kept" {
		t.Errorf("mentions = %v, want [user-kept]", mentions)
	}
}

func TestRewrite_NoRefsPassthrough(t *testing.T) {
	m := New()
	payload := json.RawMessage(`{"title": "unchanged"}`)

	out, err := m.Rewrite("e-1", payload, nil)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if string(out) != string(payload) {
		t.Errorf("payload without refs must pass through untouched")
	}
}
