// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine executes a phase plan against the remote API:
// stage-by-stage, with bounded concurrency inside a stage, failure
// isolation between unrelated entities, and skip propagation along
// dependency edges.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianVault/services/remote"
	"github.com/AleutianAI/AleutianVault/services/restore/client"
	"github.com/AleutianAI/AleutianVault/services/restore/idmap"
	"github.com/AleutianAI/AleutianVault/services/restore/journal"
	"github.com/AleutianAI/AleutianVault/services/restore/plan"
	"github.com/AleutianAI/AleutianVault/services/restore/progress"
)

// DefaultWorkers is the per-stage worker pool size.
const DefaultWorkers = 4

// Engine restores a backed-up entity set.
//
// Description:
//
//	Run drives the full lifecycle: planning, staged execution, and the
//	final report. The engine holds no state between runs; identifier
//	mappings and the outcome ledger are scoped to one Run call. All
//	remote traffic goes through the injected API, which in production
//	is the resilient client.
//
// Thread Safety: one Run call at a time per Engine.
type Engine struct {
	api      remote.API
	resolver *plan.Resolver
	workers  int
	logger   *slog.Logger
	emitter  *progress.Emitter
	journal  *journal.Journal
	runID    string
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds per-stage concurrency. Values below 1 keep the
// default.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.workers = n
		}
	}
}

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithEmitter attaches a progress emitter for run events.
func WithEmitter(em *progress.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithJournal attaches a write-ahead journal. With a journal, a rerun
// of the same run id resumes: entities already succeeded are not
// re-created, and their id mappings are recovered.
func WithJournal(j *journal.Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithRunID fixes the run id instead of generating one. Required for
// journal resume.
func WithRunID(id string) Option {
	return func(e *Engine) { e.runID = id }
}

// New constructs an Engine.
func New(api remote.API, opts ...Option) (*Engine, error) {
	if api == nil {
		return nil, errors.New("api must not be nil")
	}
	e := &Engine{
		api:      api,
		resolver: plan.NewResolver(),
		workers:  DefaultWorkers,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.runID == "" {
		e.runID = uuid.NewString()
	}
	e.logger = e.logger.With(slog.String("run_id", e.runID))
	return e, nil
}

// RunID returns the engine's run identifier.
func (e *Engine) RunID() string { return e.runID }

// Run restores the entity set and returns the final report.
//
// Outputs:
//   - *Report: always non-nil, even on error, so callers can show
//     whatever ledger exists.
//   - error: non-nil when the run aborted (invalid plan, duplicate
//     identifier resolution, cancellation). Per-entity failures do not
//     produce an error; they are in the report.
func (e *Engine) Run(ctx context.Context, entities []plan.EntityDescriptor) (*Report, error) {
	started := time.Now().UTC()
	report := &Report{RunID: e.runID, State: StatePlanning, Started: started}

	ctx, span := otel.Tracer("vault.restore").Start(ctx, "engine.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", e.runID),
		attribute.Int("entities", len(entities)),
	)

	e.emit(progress.Event{Type: progress.EventRunStarted, At: started})

	phasePlan, err := e.resolver.Resolve(entities)
	if err != nil {
		report.State = StateAborted
		report.Finished = time.Now().UTC()
		span.RecordError(err)
		span.SetStatus(codes.Error, "planning failed")
		e.logger.Error("planning failed", slog.String("error", err.Error()))
		e.emit(progress.Event{Type: progress.EventRunCompleted, Outcome: string(StateAborted), Detail: err.Error(), At: report.Finished})
		return report, fmt.Errorf("planning: %w", err)
	}
	report.Planned = phasePlan.EntityCount()
	span.SetAttributes(attribute.Int("stages", len(phasePlan.Stages)))

	ids := idmap.New()
	for _, stage := range phasePlan.Stages {
		for _, ent := range stage.Entities {
			ids.Reserve(ent.ID)
		}
	}
	led := newLedger()

	recovered, err := e.recover(ctx, ids)
	if err != nil {
		report.State = StateAborted
		report.Finished = time.Now().UTC()
		span.RecordError(err)
		return report, fmt.Errorf("journal recovery: %w", err)
	}

	report.State = StateExecuting
	var fatal error

	for _, stage := range phasePlan.Stages {
		if fatal != nil || ctx.Err() != nil {
			// No new stages after a fatal error or cancellation; the
			// remaining entities are ledgered as cancellation skips.
			for _, ent := range stage.Entities {
				led.record(EntityResult{
					EntityID: ent.ID, Kind: ent.Kind, Stage: stage.Index,
					Outcome: OutcomeSkippedCancelled, Reason: "run stopped before stage started",
				})
			}
			continue
		}

		e.logger.Info("stage started",
			slog.Int("stage", stage.Index),
			slog.Int("entities", len(stage.Entities)))
		e.emit(progress.Event{Type: progress.EventStageStarted, Stage: stage.Index, At: time.Now().UTC()})

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.workers)
		for _, ent := range stage.Entities {
			ent := ent
			stageIdx := stage.Index
			g.Go(func() error {
				return e.restoreOne(gctx, ent, stageIdx, ids, led, recovered)
			})
		}
		if err := g.Wait(); err != nil {
			fatal = err
		}

		e.emit(progress.Event{Type: progress.EventStageCompleted, Stage: stage.Index, At: time.Now().UTC()})
	}

	report.Results = led.snapshot()
	report.Finished = time.Now().UTC()

	switch {
	case fatal != nil:
		report.State = StateAborted
		span.RecordError(fatal)
		span.SetStatus(codes.Error, "run aborted")
	case ctx.Err() != nil:
		report.State = StateAborted
		fatal = fmt.Errorf("run cancelled: %w", ctx.Err())
	case len(report.Failures()) == 0:
		report.State = StateCompleted
	case report.Succeeded() == 0:
		// Not one entity made it: the remote side was effectively
		// unreachable for the whole run. That is an aborted run, not a
		// partial failure.
		report.State = StateAborted
		fatal = errors.New("run aborted: no entity could be restored")
		span.SetStatus(codes.Error, "nothing restored")
	default:
		report.State = StatePartiallyFailed
	}

	span.SetAttributes(
		attribute.String("state", string(report.State)),
		attribute.Int("succeeded", report.Succeeded()),
		attribute.Int("failed_or_skipped", len(report.Failures())),
	)
	e.logger.Info("run finished",
		slog.String("state", string(report.State)),
		slog.Int("succeeded", report.Succeeded()),
		slog.Int("failed_or_skipped", len(report.Failures())))
	e.emit(progress.Event{Type: progress.EventRunCompleted, Outcome: string(report.State), At: report.Finished})

	return report, fatal
}

// recover replays the journal, reloading id mappings and returning the
// set of entities that already succeeded in a previous attempt of this
// run.
func (e *Engine) recover(ctx context.Context, ids *idmap.Map) (map[string]string, error) {
	if e.journal == nil {
		return nil, nil
	}
	records, err := e.journal.Replay(ctx)
	if err != nil {
		return nil, err
	}

	done := make(map[string]string)
	for _, rec := range records {
		switch rec.Type {
		case journal.RecordMapping:
			if err := ids.Record(rec.EntityID, rec.RemoteID); err != nil {
				return nil, err
			}
		case journal.RecordOutcome:
			if Outcome(rec.Outcome) == OutcomeSucceeded {
				remoteID, _ := ids.Resolve(rec.EntityID)
				done[rec.EntityID] = remoteID
			}
		}
	}
	if len(done) > 0 {
		e.logger.Info("resuming run from journal", slog.Int("already_restored", len(done)))
	}
	return done, nil
}

// restoreOne drives a single entity to a terminal state. It returns an
// error only for run-fatal conditions; per-entity failures are recorded
// and swallowed so siblings keep going.
func (e *Engine) restoreOne(
	ctx context.Context,
	ent plan.EntityDescriptor,
	stage int,
	ids *idmap.Map,
	led *ledger,
	recovered map[string]string,
) error {
	if remoteID, ok := recovered[ent.ID]; ok {
		led.record(EntityResult{
			EntityID: ent.ID, Kind: ent.Kind, Stage: stage,
			Outcome: OutcomeSucceeded, RemoteID: remoteID, Recovered: true,
		})
		return nil
	}

	if ctx.Err() != nil {
		e.finish(ctx, led, EntityResult{
			EntityID: ent.ID, Kind: ent.Kind, Stage: stage,
			Outcome: OutcomeSkippedCancelled, Reason: "run cancelled",
		})
		return nil
	}

	// Skip propagation: any non-optional reference whose target did
	// not succeed makes this entity unrestorable.
	for _, ref := range ent.Refs {
		if ref.Optional {
			continue
		}
		outcome, known := led.outcome(ref.Target)
		if known && outcome != OutcomeSucceeded {
			e.finish(ctx, led, EntityResult{
				EntityID: ent.ID, Kind: ent.Kind, Stage: stage,
				Outcome: OutcomeSkippedDependency,
				Reason:  fmt.Sprintf("dependency %q was %s", ref.Target, outcome),
			})
			return nil
		}
	}

	payload, err := ids.Rewrite(ent.ID, ent.Payload, ent.Refs)
	if err != nil {
		e.finish(ctx, led, EntityResult{
			EntityID: ent.ID, Kind: ent.Kind, Stage: stage,
			Outcome: OutcomeFailed, Reason: err.Error(),
		})
		return nil
	}

	var remoteID string
	switch ent.Kind {
	case plan.KindContainer, plan.KindRecord:
		kind := remote.ObjectContainer
		if ent.Kind == plan.KindRecord {
			kind = remote.ObjectRecord
		}
		remoteID, err = e.api.Create(ctx, remote.CreateRequest{
			Kind:    kind,
			Payload: payload,
			// Stable per run and entity so a retried create after an
			// ambiguous timeout cannot duplicate the object.
			IdempotencyKey: e.runID + ":" + ent.ID,
		})

	case plan.KindRelationProperty, plan.KindFormulaProperty:
		// Properties attach to their parent container via an update on
		// the container's remote object.
		parent, ok := ent.AttachTarget()
		if !ok {
			e.finish(ctx, led, EntityResult{
				EntityID: ent.ID, Kind: ent.Kind, Stage: stage,
				Outcome: OutcomeFailed, Reason: "property has no attachment target",
			})
			return nil
		}
		parentRemote, ok := ids.Resolve(parent)
		if !ok {
			e.finish(ctx, led, EntityResult{
				EntityID: ent.ID, Kind: ent.Kind, Stage: stage,
				Outcome: OutcomeFailed,
				Reason:  fmt.Sprintf("attachment container %q has no remote id", parent),
			})
			return nil
		}
		if err = e.api.Update(ctx, parentRemote, payload); err == nil {
			// The property has no remote object of its own; records
			// referencing it resolve to the parent container.
			remoteID = parentRemote
		}

	default:
		e.finish(ctx, led, EntityResult{
			EntityID: ent.ID, Kind: ent.Kind, Stage: stage,
			Outcome: OutcomeFailed, Reason: fmt.Sprintf("unsupported kind %q", ent.Kind),
		})
		return nil
	}

	if err != nil {
		e.finish(ctx, led, EntityResult{
			EntityID: ent.ID, Kind: ent.Kind, Stage: stage,
			Outcome: OutcomeFailed,
			Reason:  fmt.Sprintf("%s: %v", errorKind(err), err),
		})
		return nil
	}

	if err := ids.Record(ent.ID, remoteID); err != nil {
		// Two resolutions for one backup id can only come from a logic
		// defect or journal corruption. The run cannot be trusted.
		var dup *idmap.DuplicateResolutionError
		if errors.As(err, &dup) {
			e.logger.Error("duplicate identifier resolution, aborting run",
				slog.String("entity_id", ent.ID),
				slog.String("error", err.Error()))
			return err
		}
		return err
	}
	if e.journal != nil {
		// The create already happened remotely; its mapping must be
		// journaled even if the run was cancelled in the meantime, or a
		// resume would not know the object exists.
		if err := e.journal.Append(context.WithoutCancel(ctx), journal.Record{
			Type: journal.RecordMapping, EntityID: ent.ID, RemoteID: remoteID,
			At: time.Now().UTC(),
		}); err != nil {
			e.logger.Warn("journal append failed", slog.String("error", err.Error()))
		}
	}

	e.finish(ctx, led, EntityResult{
		EntityID: ent.ID, Kind: ent.Kind, Stage: stage,
		Outcome: OutcomeSucceeded, RemoteID: remoteID,
	})
	return nil
}

// finish records a terminal result in the ledger, the journal, and the
// progress stream.
func (e *Engine) finish(ctx context.Context, led *ledger, res EntityResult) {
	led.record(res)

	if e.journal != nil {
		if err := e.journal.Append(context.WithoutCancel(ctx), journal.Record{
			Type:     journal.RecordOutcome,
			EntityID: res.EntityID,
			Outcome:  string(res.Outcome),
			Reason:   res.Reason,
			At:       time.Now().UTC(),
		}); err != nil {
			e.logger.Warn("journal append failed",
				slog.String("entity_id", res.EntityID),
				slog.String("error", err.Error()))
		}
	}

	e.emit(progress.Event{
		Type:     progress.EventEntityOutcome,
		Stage:    res.Stage,
		EntityID: res.EntityID,
		Outcome:  string(res.Outcome),
		Detail:   res.Reason,
		At:       time.Now().UTC(),
	})
}

// errorKind names a failure's classification for the ledger. The
// resilient layer's own terminal states (open circuit, exhausted retry
// budget) carry no APIError, so they are matched before falling back
// to the transport taxonomy.
func errorKind(err error) string {
	switch {
	case errors.Is(err, client.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, client.ErrRetriesExhausted):
		return "retries_exhausted"
	default:
		return remote.KindOf(err).String()
	}
}

func (e *Engine) emit(ev progress.Event) {
	if e.emitter == nil {
		return
	}
	ev.RunID = e.runID
	e.emitter.Emit(ev)
}
