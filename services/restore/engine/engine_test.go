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
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/AleutianAI/AleutianVault/services/remote"
	"github.com/AleutianAI/AleutianVault/services/restore/client"
	"github.com/AleutianAI/AleutianVault/services/restore/journal"
	"github.com/AleutianAI/AleutianVault/services/restore/plan"
)

// fakeAPI assigns remote ids derived from the idempotency key so tests
// can assert mappings without bookkeeping.
type fakeAPI struct {
	mu         sync.Mutex
	failCreate map[string]error // entity id -> error
	created    []string         // entity ids in creation order
	updates    map[string][]string // remote id -> update payloads
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		failCreate: make(map[string]error),
		updates:    make(map[string][]string),
	}
}

// entityOf extracts the entity id from a "runID:entityID" idempotency key.
func entityOf(key string) string {
	if i := strings.LastIndex(key, ":"); i >= 0 {
		return key[i+1:]
	}
	return key
}

func (a *fakeAPI) Create(_ context.Context, req remote.CreateRequest) (string, error) {
	id := entityOf(req.IdempotencyKey)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.failCreate[id]; err != nil {
		return "", err
	}
	a.created = append(a.created, id)
	return "remote-" + id, nil
}

func (a *fakeAPI) Update(_ context.Context, remoteID string, payload json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updates[remoteID] = append(a.updates[remoteID], string(payload))
	return nil
}

func (a *fakeAPI) Read(_ context.Context, _ string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (a *fakeAPI) Query(_ context.Context, _ string, _ string) (remote.QueryPage, error) {
	return remote.QueryPage{}, nil
}

func (a *fakeAPI) createdOrder() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.created...)
}

// workspaceFixture is the canonical two-container workspace: a relation
// property on A pointing at B, a record in each container, and R1
// referencing R2 across containers.
func workspaceFixture() []plan.EntityDescriptor {
	return []plan.EntityDescriptor{
		{ID: "A", Kind: plan.KindContainer, Payload: []byte(`{"title":"Projects"}`)},
		{ID: "B", Kind: plan.KindContainer, Payload: []byte(`{"title":"Tasks"}`)},
		{ID: "P1", Kind: plan.KindRelationProperty,
			Payload: []byte(`{"relation":{"container_id":"B"}}`),
			Refs: []plan.Reference{
				{Field: "attach", Target: "A", Deferred: true},
				{Field: "relation.container_id", Target: "B", Deferred: true},
			}},
		{ID: "R1", Kind: plan.KindRecord,
			Payload: []byte(`{"parent":{"container_id":"A"},"properties":{"Task":"R2"}}`),
			Refs: []plan.Reference{
				{Field: "parent.container_id", Target: "A"},
				{Field: "properties.Task", Target: "R2"},
			}},
		{ID: "R2", Kind: plan.KindRecord,
			Payload: []byte(`{"parent":{"container_id":"B"}}`),
			Refs: []plan.Reference{
				{Field: "parent.container_id", Target: "B"},
			}},
	}
}

func resultByID(t *testing.T, rep *Report, id string) EntityResult {
	t.Helper()
	for _, res := range rep.Results {
		if res.EntityID == id {
			return res
		}
	}
	t.Fatalf("no result for entity %q", id)
	return EntityResult{}
}

func TestRun_CompletesFullWorkspace(t *testing.T) {
	api := newFakeAPI()
	eng, err := New(api, WithWorkers(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rep, err := eng.Run(context.Background(), workspaceFixture())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.State != StateCompleted {
		t.Fatalf("state = %v, want completed; failures: %+v", rep.State, rep.Failures())
	}
	if rep.Succeeded() != 5 {
		t.Errorf("succeeded = %d, want 5", rep.Succeeded())
	}

	// Creation order respects stages: containers, then R2, then R1.
	order := api.createdOrder()
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, pair := range [][2]string{{"A", "R1"}, {"B", "R2"}, {"R2", "R1"}} {
		if pos[pair[0]] > pos[pair[1]] {
			t.Errorf("%s created after %s: order %v", pair[0], pair[1], order)
		}
	}

	// The property attached to A's remote object, with B's reference
	// rewritten to the minted remote id.
	attached := api.updates["remote-A"]
	if len(attached) != 1 {
		t.Fatalf("updates on remote-A = %d, want 1", len(attached))
	}
	if !strings.Contains(attached[0], "remote-B") {
		t.Errorf("property payload not rewritten: %s", attached[0])
	}
	if res := resultByID(t, rep, "P1"); res.RemoteID != "remote-A" {
		t.Errorf("P1 remote id = %q, want remote-A (the parent container)", res.RemoteID)
	}

	// R1's cross-container reference was rewritten too.
	found := false
	for _, id := range order {
		if id == "R1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("R1 never created: %v", order)
	}
}

func TestRun_FailureIsolationAndSkipPropagation(t *testing.T) {
	api := newFakeAPI()
	api.failCreate["B"] = &remote.APIError{Status: 400, Kind: remote.KindPermanent, Message: "invalid schema"}

	eng, err := New(api)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rep, err := eng.Run(context.Background(), workspaceFixture())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.State != StatePartiallyFailed {
		t.Fatalf("state = %v, want partially_failed", rep.State)
	}

	if res := resultByID(t, rep, "A"); res.Outcome != OutcomeSucceeded {
		t.Errorf("A = %v, want succeeded (unrelated to B's failure)", res.Outcome)
	}
	if res := resultByID(t, rep, "B"); res.Outcome != OutcomeFailed {
		t.Errorf("B = %v, want failed", res.Outcome)
	}
	for _, id := range []string{"P1", "R2", "R1"} {
		if res := resultByID(t, rep, id); res.Outcome != OutcomeSkippedDependency {
			t.Errorf("%s = %v, want skipped_dependency_failure", id, res.Outcome)
		}
	}

	// Nothing downstream of B was ever attempted remotely.
	for _, id := range api.createdOrder() {
		if id != "A" {
			t.Errorf("unexpected creation of %s after B failed", id)
		}
	}
}

func TestRun_AbortsWhenNothingRestored(t *testing.T) {
	// Both containers fail, so every dependent is skipped and the run
	// ends with zero successes. That is a catastrophic run, not a
	// partial failure.
	api := newFakeAPI()
	api.failCreate["A"] = &remote.APIError{Status: 503, Kind: remote.KindTransient, Message: "unreachable"}
	api.failCreate["B"] = &remote.APIError{Status: 503, Kind: remote.KindTransient, Message: "unreachable"}

	eng, err := New(api)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rep, err := eng.Run(context.Background(), workspaceFixture())
	if err == nil {
		t.Fatal("expected an error for a run with zero successes")
	}
	if rep.State != StateAborted {
		t.Fatalf("state = %v, want aborted", rep.State)
	}
	if rep.Succeeded() != 0 {
		t.Fatalf("succeeded = %d, want 0", rep.Succeeded())
	}
	if len(rep.Failures()) != 5 {
		t.Errorf("failures = %d, want every planned entity", len(rep.Failures()))
	}
}

func TestRun_LedgerNamesResilienceFailures(t *testing.T) {
	api := newFakeAPI()
	api.failCreate["B"] = &client.CallError{
		Op: "create(container)", Attempts: 1, Err: client.ErrCircuitOpen,
	}

	eng, err := New(api)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rep, err := eng.Run(context.Background(), workspaceFixture())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.State != StatePartiallyFailed {
		t.Fatalf("state = %v, want partially_failed", rep.State)
	}

	res := resultByID(t, rep, "B")
	if !strings.HasPrefix(res.Reason, "circuit_open:") {
		t.Errorf("reason = %q, want a circuit_open kind, not a transport kind", res.Reason)
	}
}

func TestErrorKind_Classification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"circuit open", &client.CallError{Op: "op", Err: client.ErrCircuitOpen}, "circuit_open"},
		{"retries exhausted", &client.CallError{Op: "op", Attempts: 4,
			Err: fmt.Errorf("%w: %w", client.ErrRetriesExhausted,
				&remote.APIError{Status: 503, Kind: remote.KindTransient})}, "retries_exhausted"},
		{"api error", &remote.APIError{Status: 400, Kind: remote.KindPermanent}, "permanent"},
		{"not found", &remote.APIError{Status: 404, Kind: remote.KindNotFound}, "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := errorKind(tc.err); got != tc.want {
				t.Errorf("errorKind = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	api := newFakeAPI()
	eng, err := New(api)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rep, err := eng.Run(ctx, workspaceFixture())
	if err == nil {
		t.Fatal("expected error for cancelled run")
	}
	if rep.State != StateAborted {
		t.Fatalf("state = %v, want aborted", rep.State)
	}
	for _, res := range rep.Results {
		if res.Outcome != OutcomeSkippedCancelled {
			t.Errorf("%s = %v, want skipped_cancellation", res.EntityID, res.Outcome)
		}
	}
	if len(api.createdOrder()) != 0 {
		t.Error("cancelled run must not dispatch new calls")
	}
}

// gateAPI parks B's create until gate is closed, so tests can cancel
// the run while that call is in flight.
type gateAPI struct {
	*fakeAPI
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
}

func (g *gateAPI) Create(ctx context.Context, req remote.CreateRequest) (string, error) {
	if entityOf(req.IdempotencyKey) == "B" {
		g.once.Do(func() { close(g.started) })
		<-g.gate
	}
	return g.fakeAPI.Create(ctx, req)
}

func TestRun_CancellationJournalsInFlightWork(t *testing.T) {
	j, err := journal.Open(journal.Config{RunID: "run-cancel", InMemory: true})
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer j.Close()

	api := &gateAPI{fakeAPI: newFakeAPI(), gate: make(chan struct{}), started: make(chan struct{})}
	eng, err := New(api, WithRunID("run-cancel"), WithJournal(j), WithWorkers(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	entities := []plan.EntityDescriptor{
		{ID: "A", Kind: plan.KindContainer, Payload: []byte(`{}`)},
		{ID: "B", Kind: plan.KindContainer, Payload: []byte(`{}`)},
		{ID: "R", Kind: plan.KindRecord, Payload: []byte(`{"parent":{"container_id":"B"}}`),
			Refs: []plan.Reference{{Field: "parent.container_id", Target: "B"}}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	var rep *Report
	done := make(chan struct{})
	go func() {
		rep, _ = eng.Run(ctx, entities)
		close(done)
	}()

	// Cancel while B's create is in flight, then let it finish.
	<-api.started
	cancel()
	close(api.gate)
	<-done

	if rep.State != StateAborted {
		t.Fatalf("state = %v, want aborted", rep.State)
	}
	if res := resultByID(t, rep, "B"); res.Outcome != OutcomeSucceeded {
		t.Errorf("B = %v, want succeeded (call was already in flight)", res.Outcome)
	}
	if res := resultByID(t, rep, "R"); res.Outcome != OutcomeSkippedCancelled {
		t.Errorf("R = %v, want skipped_cancellation", res.Outcome)
	}

	// The completed create's mapping must be journaled despite the
	// cancelled run context, or a resume would re-create B.
	records, err := j.Replay(context.Background())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	found := false
	for _, rec := range records {
		if rec.Type == journal.RecordMapping && rec.EntityID == "B" && rec.RemoteID == "remote-B" {
			found = true
		}
	}
	if !found {
		t.Error("no journal mapping for the in-flight create that completed")
	}
}

func TestRun_CyclicPlanAborts(t *testing.T) {
	api := newFakeAPI()
	eng, err := New(api)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	entities := []plan.EntityDescriptor{
		{ID: "A", Kind: plan.KindContainer, Payload: []byte(`{}`)},
		{ID: "r1", Kind: plan.KindRecord, Payload: []byte(`{"next":"r2"}`),
			Refs: []plan.Reference{{Field: "next", Target: "r2"}}},
		{ID: "r2", Kind: plan.KindRecord, Payload: []byte(`{"next":"r1"}`),
			Refs: []plan.Reference{{Field: "next", Target: "r1"}}},
	}

	rep, err := eng.Run(context.Background(), entities)
	if err == nil {
		t.Fatal("expected planning error")
	}
	if rep.State != StateAborted {
		t.Errorf("state = %v, want aborted", rep.State)
	}
	if len(api.createdOrder()) != 0 {
		t.Error("invalid plan must not reach the remote API")
	}
}

func TestRun_ResumesFromJournal(t *testing.T) {
	j, err := journal.Open(journal.Config{RunID: "run-resume", InMemory: true})
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer j.Close()

	// First attempt: B fails, dragging P1/R2/R1 down with it.
	api1 := newFakeAPI()
	api1.failCreate["B"] = &remote.APIError{Status: 503, Kind: remote.KindTransient, Message: "flaky"}
	eng1, err := New(api1, WithRunID("run-resume"), WithJournal(j))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rep1, err := eng1.Run(context.Background(), workspaceFixture())
	if err != nil {
		t.Fatalf("Run 1: %v", err)
	}
	if rep1.State != StatePartiallyFailed {
		t.Fatalf("run 1 state = %v, want partially_failed", rep1.State)
	}

	// Second attempt against a healthy remote: A is recovered from the
	// journal, everything else is restored.
	api2 := newFakeAPI()
	eng2, err := New(api2, WithRunID("run-resume"), WithJournal(j))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rep2, err := eng2.Run(context.Background(), workspaceFixture())
	if err != nil {
		t.Fatalf("Run 2: %v", err)
	}
	if rep2.State != StateCompleted {
		t.Fatalf("run 2 state = %v, want completed; failures: %+v", rep2.State, rep2.Failures())
	}

	resA := resultByID(t, rep2, "A")
	if !resA.Recovered || resA.Outcome != OutcomeSucceeded {
		t.Errorf("A = %+v, want recovered success", resA)
	}
	for _, id := range api2.createdOrder() {
		if id == "A" {
			t.Error("A was re-created despite journal record")
		}
	}
}

func TestNew_NilAPI(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil API")
	}
}
