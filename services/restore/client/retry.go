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
	"time"

	"github.com/AleutianAI/AleutianVault/services/remote"
)

// RetryPolicy holds the backoff parameters for one client.
//
// Delays grow as BaseDelay * 2^attempt, jittered by ±JitterFraction,
// capped at MaxDelay. A server Retry-After hint overrides the computed
// delay when it is longer.
type RetryPolicy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
}

// Decision is the outcome of one scheduling step.
type Decision struct {
	// Retry is false when the attempt budget is exhausted or the error
	// kind can never succeed on retry.
	Retry bool

	// Wait is how long to sleep before the next attempt. Only
	// meaningful when Retry is true.
	Wait time.Duration
}

// Next decides what to do after a failed attempt.
//
// Description:
//
//	Pure function of (attempt, error kind, server hint, jitter sample);
//	it never sleeps and never reads the clock, so the schedule is
//	testable without real time. attempt is zero-based: attempt 0 is the
//	first failure.
//
// Inputs:
//
//	attempt - How many attempts have already failed, minus one.
//	kind - Classification of the last failure.
//	retryAfter - Server-provided hint; zero if absent.
//	jitterSample - Uniform random in [0,1); injected for determinism.
//
// Outputs:
//
//	Decision - Whether to retry and after how long.
func (p RetryPolicy) Next(attempt int, kind remote.ErrorKind, retryAfter time.Duration, jitterSample float64) Decision {
	if !kind.Retryable() {
		return Decision{}
	}
	if attempt >= p.MaxRetries {
		return Decision{}
	}

	backoff := p.BaseDelay << uint(attempt)
	if backoff <= 0 || backoff > p.MaxDelay {
		backoff = p.MaxDelay
	}

	// Spread [-jitter, +jitter] around the computed backoff so a burst
	// of workers hitting the same 429 does not resynchronize.
	if p.JitterFraction > 0 {
		spread := (jitterSample*2 - 1) * p.JitterFraction
		backoff = time.Duration(float64(backoff) * (1 + spread))
	}

	// The server knows its own load better than our schedule does.
	if retryAfter > backoff {
		backoff = retryAfter
	}
	if backoff < 0 {
		backoff = 0
	}

	return Decision{Retry: true, Wait: backoff}
}
