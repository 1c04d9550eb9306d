// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianVault/services/restore/plan"
)

// Outcome is an entity's terminal state within one run.
type Outcome string

const (
	// OutcomeSucceeded means the entity exists remotely and its id
	// mapping is recorded.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeFailed means every attempt at the entity's remote call
	// failed, or its references could not be resolved.
	OutcomeFailed Outcome = "failed"

	// OutcomeSkippedDependency means a non-optional dependency did not
	// succeed, so the entity was never attempted.
	OutcomeSkippedDependency Outcome = "skipped_dependency_failure"

	// OutcomeSkippedCancelled means the run was cancelled before the
	// entity was attempted.
	OutcomeSkippedCancelled Outcome = "skipped_cancellation"
)

// RunState is the lifecycle state of a restore run.
type RunState string

const (
	StatePlanning        RunState = "planning"
	StateExecuting       RunState = "executing"
	StateCompleted       RunState = "completed"
	StatePartiallyFailed RunState = "partially_failed"
	StateAborted         RunState = "aborted"
)

// EntityResult is one ledger row: what happened to one entity.
type EntityResult struct {
	EntityID string    `json:"entity_id"`
	Kind     plan.Kind `json:"kind"`
	Stage    int       `json:"stage"`
	Outcome  Outcome   `json:"outcome"`

	// RemoteID is set on success.
	RemoteID string `json:"remote_id,omitempty"`

	// Reason is the human-readable cause for anything but success.
	Reason string `json:"reason,omitempty"`

	// Recovered marks a success replayed from the run journal rather
	// than performed in this process.
	Recovered bool `json:"recovered,omitempty"`
}

// ledger is the run's shared outcome table. Workers of the current
// stage write; the skip check for later stages reads. Stage barriers
// guarantee no entity reads a row its own stage is still writing.
type ledger struct {
	mu      sync.RWMutex
	results map[string]EntityResult
}

func newLedger() *ledger {
	return &ledger{results: make(map[string]EntityResult)}
}

func (l *ledger) record(res EntityResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results[res.EntityID] = res
}

func (l *ledger) outcome(entityID string) (Outcome, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	res, ok := l.results[entityID]
	return res.Outcome, ok
}

// snapshot returns every result ordered by stage, then entity id.
func (l *ledger) snapshot() []EntityResult {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]EntityResult, 0, len(l.results))
	for _, res := range l.results {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stage != out[j].Stage {
			return out[i].Stage < out[j].Stage
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// Report is the final accounting of one restore run.
type Report struct {
	RunID    string         `json:"run_id"`
	State    RunState       `json:"state"`
	Planned  int            `json:"planned"`
	Results  []EntityResult `json:"results"`
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
}

// Failures returns every result that is not a success, in ledger order.
func (r *Report) Failures() []EntityResult {
	out := make([]EntityResult, 0)
	for _, res := range r.Results {
		if res.Outcome != OutcomeSucceeded {
			out = append(out, res)
		}
	}
	return out
}

// Succeeded returns the count of successful entities.
func (r *Report) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == OutcomeSucceeded {
			n++
		}
	}
	return n
}
