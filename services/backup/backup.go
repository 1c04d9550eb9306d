// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backup extracts a workspace snapshot through the remote API
// and shapes it into the entity set the restore planner consumes.
//
// Extraction splits each container into a bare container entity plus
// one property entity per relation/formula property, because those
// properties cannot be created with the container: their targets may
// not exist yet. The split is what lets restoration handle circular
// relation pairs.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianVault/services/archive"
	"github.com/AleutianAI/AleutianVault/services/remote"
	"github.com/AleutianAI/AleutianVault/services/restore/plan"
)

// Manager drives backup extraction.
type Manager struct {
	api    remote.API
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager constructs a Manager.
func NewManager(api remote.API, opts ...Option) (*Manager, error) {
	if api == nil {
		return nil, errors.New("api must not be nil")
	}
	m := &Manager{api: api, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// containerDoc is the slice of a container payload extraction needs;
// everything else stays opaque.
type containerDoc struct {
	Properties map[string]json.RawMessage `json:"properties"`
}

// propertyDescriptor probes a property's type and relation target.
type propertyDescriptor struct {
	Type     string `json:"type"`
	Relation struct {
		ContainerID string `json:"container_id"`
	} `json:"relation"`
}

// recordDoc is the slice of a record payload extraction needs.
type recordDoc struct {
	ID     string `json:"id"`
	Parent struct {
		ContainerID string `json:"container_id"`
	} `json:"parent"`
	Properties map[string]json.RawMessage `json:"properties"`
}

// relationValue probes a record property value for relation targets.
type relationValue struct {
	Relation []struct {
		ID string `json:"id"`
	} `json:"relation"`
}

// Snapshot extracts the given containers and all their records into a
// backup.
//
// Outputs:
//   - *archive.Backup: entities ordered containers, properties,
//     records; deterministic for a stable remote state.
//   - error: non-nil if any read or query fails terminally. A backup
//     is all-or-nothing; a partial snapshot would plan unknown
//     references at restore time.
func (m *Manager) Snapshot(ctx context.Context, workspaceID string, containerIDs []string) (*archive.Backup, error) {
	if len(containerIDs) == 0 {
		return nil, errors.New("at least one container id is required")
	}

	backup := &archive.Backup{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		CreatedAt:   time.Now().UTC(),
	}

	sorted := append([]string(nil), containerIDs...)
	sort.Strings(sorted)

	var properties, records []plan.EntityDescriptor
	for _, containerID := range sorted {
		container, props, err := m.extractContainer(ctx, containerID)
		if err != nil {
			return nil, err
		}
		backup.Entities = append(backup.Entities, container)
		properties = append(properties, props...)

		recs, err := m.extractRecords(ctx, containerID)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	backup.Entities = append(backup.Entities, properties...)
	backup.Entities = append(backup.Entities, records...)

	m.logger.Info("snapshot extracted",
		slog.String("backup_id", backup.ID),
		slog.Int("containers", len(sorted)),
		slog.Int("properties", len(properties)),
		slog.Int("records", len(records)))
	return backup, nil
}

// extractContainer reads one container and splits off its deferred
// properties. The returned container payload has those properties
// removed so it can be created bare in stage zero.
func (m *Manager) extractContainer(ctx context.Context, containerID string) (plan.EntityDescriptor, []plan.EntityDescriptor, error) {
	raw, err := m.api.Read(ctx, containerID)
	if err != nil {
		return plan.EntityDescriptor{}, nil, fmt.Errorf("read container %s: %w", containerID, err)
	}

	var full map[string]json.RawMessage
	if err := json.Unmarshal(raw, &full); err != nil {
		return plan.EntityDescriptor{}, nil, fmt.Errorf("decode container %s: %w", containerID, err)
	}
	var doc containerDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return plan.EntityDescriptor{}, nil, fmt.Errorf("decode container %s properties: %w", containerID, err)
	}

	kept := make(map[string]json.RawMessage)
	var props []plan.EntityDescriptor

	names := make([]string, 0, len(doc.Properties))
	for name := range doc.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		descriptor := doc.Properties[name]
		var probe propertyDescriptor
		if err := json.Unmarshal(descriptor, &probe); err != nil {
			return plan.EntityDescriptor{}, nil, fmt.Errorf("decode property %q of %s: %w", name, containerID, err)
		}

		var kind plan.Kind
		refs := []plan.Reference{{Field: "attach", Target: containerID, Deferred: true}}
		switch probe.Type {
		case "relation":
			kind = plan.KindRelationProperty
			if probe.Relation.ContainerID != "" {
				refs = append(refs, plan.Reference{
					Field:    fmt.Sprintf("properties.%s.relation.container_id", name),
					Target:   probe.Relation.ContainerID,
					Deferred: true,
				})
			}
		case "formula", "rollup":
			kind = plan.KindFormulaProperty
		default:
			kept[name] = descriptor
			continue
		}

		payload, err := json.Marshal(map[string]any{
			"properties": map[string]json.RawMessage{name: descriptor},
		})
		if err != nil {
			return plan.EntityDescriptor{}, nil, fmt.Errorf("encode property %q of %s: %w", name, containerID, err)
		}
		props = append(props, plan.EntityDescriptor{
			ID:      fmt.Sprintf("%s/property/%s", containerID, name),
			Kind:    kind,
			Payload: payload,
			Refs:    refs,
		})
	}

	keptJSON, err := json.Marshal(kept)
	if err != nil {
		return plan.EntityDescriptor{}, nil, fmt.Errorf("encode container %s properties: %w", containerID, err)
	}
	full["properties"] = keptJSON
	payload, err := json.Marshal(full)
	if err != nil {
		return plan.EntityDescriptor{}, nil, fmt.Errorf("encode container %s: %w", containerID, err)
	}

	return plan.EntityDescriptor{
		ID:      containerID,
		Kind:    plan.KindContainer,
		Payload: payload,
	}, props, nil
}

// extractRecords pages through a container's records.
func (m *Manager) extractRecords(ctx context.Context, containerID string) ([]plan.EntityDescriptor, error) {
	var out []plan.EntityDescriptor
	cursor := ""
	for {
		page, err := m.api.Query(ctx, containerID, cursor)
		if err != nil {
			return nil, fmt.Errorf("query container %s: %w", containerID, err)
		}
		for _, raw := range page.Results {
			ent, err := extractRecord(containerID, raw)
			if err != nil {
				return nil, err
			}
			out = append(out, ent)
		}
		if !page.HasMore {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

func extractRecord(containerID string, raw json.RawMessage) (plan.EntityDescriptor, error) {
	var doc recordDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return plan.EntityDescriptor{}, fmt.Errorf("decode record in %s: %w", containerID, err)
	}
	if doc.ID == "" {
		return plan.EntityDescriptor{}, fmt.Errorf("record in %s has no id", containerID)
	}

	parent := doc.Parent.ContainerID
	if parent == "" {
		parent = containerID
	}
	refs := []plan.Reference{{Field: "parent.container_id", Target: parent}}

	names := make([]string, 0, len(doc.Properties))
	for name := range doc.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		var probe relationValue
		if err := json.Unmarshal(doc.Properties[name], &probe); err != nil {
			continue // non-object property values carry no references
		}
		for _, target := range probe.Relation {
			if target.ID == "" {
				continue
			}
			refs = append(refs, plan.Reference{
				Field:  fmt.Sprintf("properties.%s.relation", name),
				Target: target.ID,
			})
		}
	}

	return plan.EntityDescriptor{
		ID:      doc.ID,
		Kind:    plan.KindRecord,
		Payload: raw,
		Refs:    refs,
	}, nil
}
