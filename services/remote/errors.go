// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies a failed remote call for retry decisions.
type ErrorKind int

const (
	// KindTransient covers network drops, timeouts, and 5xx responses.
	// Retrying may succeed.
	KindTransient ErrorKind = iota

	// KindRateLimited is a 429 response. Retrying after the advertised
	// delay should succeed.
	KindRateLimited

	// KindPermanent covers validation, auth, and conflict responses.
	// Retrying the same payload cannot succeed.
	KindPermanent

	// KindNotFound is a 404. A subset of permanent, kept separate so
	// verification can distinguish "gone" from "rejected".
	KindNotFound
)

// String returns a stable, lowercase name for ledger entries and logs.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindPermanent:
		return "permanent"
	case KindNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Retryable reports whether a retry of the same call can possibly succeed.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// APIError is a classified failure from the remote API.
//
// RetryAfter carries the server's Retry-After hint when present; zero
// means the server gave none and the caller should use its own backoff.
type APIError struct {
	Status     int
	Kind       ErrorKind
	RetryAfter time.Duration
	Message    string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("remote API error (%s, status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("remote API error (%s): %s", e.Kind, e.Message)
}

// ClassifyStatus maps an HTTP status to an ErrorKind.
//
// 429 is rate-limited; 5xx and 408 are transient; 404 is not-found;
// every other 4xx is permanent (the original payload will never be
// accepted, so retrying only burns rate budget).
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout:
		return KindTransient
	case status == http.StatusNotFound:
		return KindNotFound
	case status >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}

// KindOf classifies an arbitrary error from an API implementation.
//
// APIErrors carry their own kind. Context cancellation is permanent
// from the retry loop's point of view (retrying a cancelled call is
// pointless). Everything else is assumed to be a transport-level
// failure and treated as transient.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindPermanent
	}
	return KindTransient
}

// RetryAfterOf extracts the server-provided retry hint, if any.
func RetryAfterOf(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}
