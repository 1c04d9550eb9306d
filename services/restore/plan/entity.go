// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plan turns an unordered set of backed-up entities into an
// ordered sequence of restoration stages that is safe to execute
// front to back.
package plan

import (
	"encoding/json"
	"fmt"
)

// Kind is the kind of a backed-up entity.
type Kind string

const (
	// KindContainer is a database-like container. Created first,
	// without relation or formula properties.
	KindContainer Kind = "container"

	// KindRelationProperty is a relation property attached to a
	// container after both endpoint containers exist. This deferred
	// attachment is what breaks circular relation pairs.
	KindRelationProperty Kind = "relation_property"

	// KindFormulaProperty is a formula/rollup property attached after
	// the properties it computes over exist.
	KindFormulaProperty Kind = "formula_property"

	// KindRecord is a row/page restored last, once every container
	// and property it needs is in place.
	KindRecord Kind = "record"
)

// minStage is each kind's fixed earliest stage in the restore
// sequence: containers, then relation properties, then formula
// properties, then records. Dependencies can push an entity later,
// never earlier.
func (k Kind) minStage() (int, error) {
	switch k {
	case KindContainer:
		return 0, nil
	case KindRelationProperty:
		return 1, nil
	case KindFormulaProperty:
		return 2, nil
	case KindRecord:
		return 3, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, k)
	}
}

// Reference names another entity this one depends on, by backup-time id.
type Reference struct {
	// Field is the dot-separated path of the payload field holding the
	// reference, e.g. "parent.container_id" or "properties.Sprint.relation".
	Field string `json:"field"`

	// Target is the backup-time id of the referenced entity.
	Target string `json:"target"`

	// Deferred marks a property-attachment reference. Deferred edges
	// are satisfied by the fixed stage sequence (the target container
	// is created stages earlier) and are excluded from cycle detection,
	// so two relation properties pointing at each other's containers do
	// not constitute a cycle.
	Deferred bool `json:"deferred,omitempty"`

	// Optional marks a nullable reference: restoration proceeds even
	// if the target was never restored, dropping the reference value.
	Optional bool `json:"optional,omitempty"`
}

// EntityDescriptor is one unit of remote state to recreate.
//
// The payload is opaque to the planner and the engine except for the
// named reference fields; nothing in the core interprets the rest of
// its contents. Immutable once loaded.
type EntityDescriptor struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Refs    []Reference     `json:"refs,omitempty"`
}

// HardRefs returns the creation-order references (everything not
// deferred). These are the edges the planner levels and cycle-checks.
func (e EntityDescriptor) HardRefs() []Reference {
	out := make([]Reference, 0, len(e.Refs))
	for _, r := range e.Refs {
		if !r.Deferred {
			out = append(out, r)
		}
	}
	return out
}

// AttachTarget returns the backup id of the container a property
// entity attaches to: the target of its first deferred reference.
// False for entities with no deferred references.
func (e EntityDescriptor) AttachTarget() (string, bool) {
	for _, r := range e.Refs {
		if r.Deferred {
			return r.Target, true
		}
	}
	return "", false
}

// Stage is one barrier-delimited step of the plan. Entities within a
// stage are mutually independent and may run concurrently.
type Stage struct {
	Index    int
	Entities []EntityDescriptor
}

// PhasePlan is the full ordered plan. Stages execute strictly in
// order; stage k+1 never starts before every entity in stage k reached
// a terminal state.
type PhasePlan struct {
	Stages []Stage
}

// EntityCount returns the total number of planned entities.
func (p *PhasePlan) EntityCount() int {
	n := 0
	for _, s := range p.Stages {
		n += len(s.Entities)
	}
	return n
}
