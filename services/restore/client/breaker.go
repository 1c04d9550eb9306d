// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package client

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState is the state of the circuit breaker guarding the remote API.
//
// # State Diagram
//
//	CLOSED ──[threshold consecutive failures]──► OPEN
//	   ▲                                          │
//	   │                                     [cooldown]
//	   └──[trial success]── HALF_OPEN ◄───────────┘
//	                           │
//	                    [trial failure]──► OPEN (cooldown restarts)
type CircuitState int

const (
	// CircuitClosed is the normal operating state.
	CircuitClosed CircuitState = iota

	// CircuitOpen rejects every call until the cooldown elapses.
	CircuitOpen

	// CircuitHalfOpen admits exactly one trial call.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// breaker implements the circuit breaker protecting one restore run.
//
// It counts consecutive terminal call failures (not individual retry
// attempts). One instance belongs to one Client; there is no process
// singleton, so independent runs in one process have independent
// circuits.
//
// Thread Safety: safe for concurrent use.
type breaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration
	clock     Clock
	onChange  func(from, to CircuitState)

	state       CircuitState
	failures    int
	openedAt    time.Time
	trialActive bool
}

func newBreaker(threshold int, cooldown time.Duration, clock Clock, onChange func(from, to CircuitState)) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock,
		onChange:  onChange,
		state:     CircuitClosed,
	}
}

// allow reports whether a call may proceed right now.
//
// In the open state it transitions to half-open once the cooldown has
// elapsed, and even then admits only a single trial: concurrent
// callers racing into half-open all fail fast except the first.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.transition(CircuitHalfOpen)
		b.trialActive = true
		return true

	case CircuitHalfOpen:
		if b.trialActive {
			return false
		}
		b.trialActive = true
		return true

	default:
		return false
	}
}

// recordSuccess notes a successful call.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != CircuitClosed {
		b.trialActive = false
		b.transition(CircuitClosed)
	}
}

// recordFailure notes a terminal call failure (retries already exhausted
// or a permanent error). May trip the circuit.
func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitHalfOpen:
		// The trial failed; reopen and restart the cooldown.
		b.trialActive = false
		b.openedAt = b.clock.Now()
		b.transition(CircuitOpen)

	case CircuitClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.clock.Now()
			b.transition(CircuitOpen)
		}

	case CircuitOpen:
		// Rejected callers do not re-trip an already open circuit.
	}
}

// currentState returns the state for reporting.
func (b *breaker) currentState() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition changes state and fires the callback. Caller holds b.mu;
// the callback runs on its own goroutine so observers cannot deadlock
// the breaker.
func (b *breaker) transition(to CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		go b.onChange(from, to)
	}
}
