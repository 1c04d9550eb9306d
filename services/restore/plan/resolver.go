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
	"fmt"
	"sort"
)

// Resolver levels a backup's entities into barrier-delimited stages.
//
// Description:
//
//	Each entity's stage is the later of its kind's fixed minimum stage
//	and one past the latest stage of any entity it hard-depends on.
//	Deferred references (property attachments) never contribute to
//	leveling or cycle detection; the fixed kind ordering already
//	guarantees their targets exist. The output is deterministic: the
//	same entity set always yields the same plan, with entities sorted
//	by id within each stage.
type Resolver struct{}

// NewResolver constructs a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve computes the phase plan for a set of entities.
//
// Inputs:
//   - entities: the full backed-up entity set, in any order.
//
// Outputs:
//   - *PhasePlan: non-empty stages in execution order.
//   - error: ErrDuplicateEntity, ErrUnknownKind, *UnknownReferenceError
//     for a hard reference to an absent entity, or
//     *CyclicDependencyError naming the members of a hard cycle.
func (r *Resolver) Resolve(entities []EntityDescriptor) (*PhasePlan, error) {
	byID := make(map[string]EntityDescriptor, len(entities))
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		if _, dup := byID[e.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateEntity, e.ID)
		}
		if _, err := e.Kind.minStage(); err != nil {
			return nil, fmt.Errorf("entity %q: %w", e.ID, err)
		}
		byID[e.ID] = e
		ids = append(ids, e.ID)
	}
	sort.Strings(ids)

	// Hard edges only. An optional reference to an entity outside the
	// set is dropped here and nulled at rewrite time; a required one is
	// a corrupt backup.
	deps := make(map[string][]string, len(byID))
	for _, id := range ids {
		e := byID[id]
		for _, ref := range e.HardRefs() {
			if _, ok := byID[ref.Target]; !ok {
				if ref.Optional {
					continue
				}
				return nil, &UnknownReferenceError{
					EntityID: e.ID, Field: ref.Field, Target: ref.Target,
				}
			}
			deps[id] = append(deps[id], ref.Target)
		}
		sort.Strings(deps[id])
	}

	if cycle := findCycle(ids, deps); cycle != nil {
		return nil, &CyclicDependencyError{Members: cycle}
	}

	stages := make(map[string]int, len(byID))
	var level func(id string) int
	level = func(id string) int {
		if s, ok := stages[id]; ok {
			return s
		}
		e := byID[id]
		s, _ := e.Kind.minStage()
		for _, dep := range deps[id] {
			if ds := level(dep) + 1; ds > s {
				s = ds
			}
		}
		stages[id] = s
		return s
	}

	byStage := make(map[int][]EntityDescriptor)
	maxStage := 0
	for _, id := range ids {
		s := level(id)
		byStage[s] = append(byStage[s], byID[id])
		if s > maxStage {
			maxStage = s
		}
	}

	plan := &PhasePlan{}
	for s := 0; s <= maxStage; s++ {
		if len(byStage[s]) == 0 {
			continue
		}
		plan.Stages = append(plan.Stages, Stage{Index: s, Entities: byStage[s]})
	}
	return plan, nil
}

// findCycle runs an iterative-recursion DFS over the hard dependency
// graph and returns the sorted member ids of the first cycle found,
// or nil if the graph is acyclic.
func findCycle(ids []string, deps map[string][]string) []string {
	const (
		white = iota // unvisited
		gray         // on the current DFS path
		black        // fully explored
	)
	color := make(map[string]int, len(ids))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		path = append(path, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				// Back edge: the cycle is the path suffix from dep.
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				members := append([]string(nil), path[start:]...)
				sort.Strings(members)
				return members
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, id := range ids {
		if color[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
