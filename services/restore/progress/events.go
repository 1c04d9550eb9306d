// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package progress carries structured run events from the restore core
// to external observers (CLI progress display, log shippers).
//
// The core publishes through an Emitter, which is non-blocking by
// contract: a slow or stuck Sink can never stall a restore worker.
package progress

import (
	"log/slog"
	"time"
)

// EventType discriminates run events.
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventRunCompleted   EventType = "run_completed"
	EventStageStarted   EventType = "stage_started"
	EventStageCompleted EventType = "stage_completed"
	EventEntityOutcome  EventType = "entity_outcome"
	EventCallAttempt    EventType = "call_attempt"
	EventCircuitChange  EventType = "circuit_change"
)

// Event is one structured observation from a restore or backup run.
// Fields are populated per type; zero values mean "not applicable".
type Event struct {
	Type     EventType
	RunID    string
	Stage    int
	EntityID string
	Op       string
	Attempt  int
	Outcome  string
	Detail   string
	Latency  time.Duration
	At       time.Time
}

// Sink receives events. Implementations should return quickly; the
// Emitter already decouples them from the hot path, but a sink that
// blocks forever will cause events to be dropped.
type Sink interface {
	Publish(Event)
}

// LogSink writes every event to a slog.Logger. The default sink.
type LogSink struct {
	Logger *slog.Logger
}

// Publish logs the event at a level matching its severity.
func (s LogSink) Publish(ev Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := []any{
		slog.String("run_id", ev.RunID),
		slog.String("type", string(ev.Type)),
	}
	if ev.EntityID != "" {
		attrs = append(attrs, slog.String("entity_id", ev.EntityID))
	}
	if ev.Op != "" {
		attrs = append(attrs, slog.String("op", ev.Op))
	}
	if ev.Attempt > 0 {
		attrs = append(attrs, slog.Int("attempt", ev.Attempt))
	}
	if ev.Outcome != "" {
		attrs = append(attrs, slog.String("outcome", ev.Outcome))
	}
	if ev.Detail != "" {
		attrs = append(attrs, slog.String("detail", ev.Detail))
	}
	if ev.Latency > 0 {
		attrs = append(attrs, slog.Duration("latency", ev.Latency))
	}

	switch ev.Type {
	case EventCircuitChange:
		logger.Warn("circuit state changed", attrs...)
	case EventEntityOutcome:
		if ev.Outcome == "succeeded" {
			logger.Debug("entity restored", attrs...)
		} else {
			logger.Warn("entity not restored", attrs...)
		}
	default:
		logger.Info("run event", attrs...)
	}
}
