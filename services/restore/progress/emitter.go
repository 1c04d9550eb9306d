// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

// defaultBuffer is the emitter queue depth. Sized for bursts of
// per-attempt events from a full worker pool.
const defaultBuffer = 1024

// Emitter decouples the restore core from its observers.
//
// Description:
//
//	Emit never blocks: events go into a buffered queue drained by a
//	single background goroutine that calls the Sink. When the queue is
//	full the event is dropped and counted; the drop counter is reported
//	on Close so lossy observation is visible rather than silent.
//
// Thread Safety:
//
//	Safe for concurrent use by all run workers.
type Emitter struct {
	sink    Sink
	queue   chan Event
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
}

// NewEmitter starts an emitter draining into sink.
//
// Inputs:
//
//	sink - Destination for events. If nil, events are discarded.
//	buffer - Queue depth; <= 0 uses the default.
func NewEmitter(sink Sink, buffer int) *Emitter {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	e := &Emitter{
		sink:  sink,
		queue: make(chan Event, buffer),
		done:  make(chan struct{}),
	}
	go e.drain()
	return e
}

// Emit enqueues an event without blocking. Stamps At if unset.
func (e *Emitter) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case e.queue <- ev:
	default:
		e.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded due to backpressure.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close flushes queued events and stops the drain goroutine.
// Safe to call more than once.
func (e *Emitter) Close() {
	e.once.Do(func() {
		close(e.queue)
		<-e.done
	})
}

func (e *Emitter) drain() {
	defer close(e.done)
	for ev := range e.queue {
		if e.sink != nil {
			e.sink.Publish(ev)
		}
	}
}
