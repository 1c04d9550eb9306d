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
	"errors"
	"fmt"
)

// Sentinel errors for resilient call outcomes.
var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a
	// call without contacting the remote API. Does not consume retry
	// budget; surfaced to the engine as terminal for the entity.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrRetriesExhausted is returned when every attempt of a call
	// failed with a retryable error. Wraps the last underlying error.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// CallError carries the terminal failure of one logical operation
// through the resilient layer, preserving the attempt count for the
// failure ledger.
type CallError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}
