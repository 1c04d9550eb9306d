// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verify reads back restored objects after a run to confirm
// the remote side actually holds what the ledger claims.
package verify

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianVault/services/remote"
	"github.com/AleutianAI/AleutianVault/services/restore/engine"
)

// DefaultWorkers bounds concurrent read-backs.
const DefaultWorkers = 4

// Result is the outcome of verifying one run.
type Result struct {
	// Checked is the number of distinct remote objects read back.
	Checked int `json:"checked"`

	// Missing lists remote ids the ledger claims exist but the remote
	// API reports as not found.
	Missing []string `json:"missing,omitempty"`

	// Unreachable lists remote ids whose read-back failed for reasons
	// other than not-found; their existence is unknown.
	Unreachable []string `json:"unreachable,omitempty"`
}

// OK reports whether every checked object exists.
func (r *Result) OK() bool {
	return len(r.Missing) == 0 && len(r.Unreachable) == 0
}

// Verifier reads restored objects back through the resilient client.
type Verifier struct {
	api     remote.API
	workers int
	logger  *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithWorkers bounds read-back concurrency.
func WithWorkers(n int) Option {
	return func(v *Verifier) {
		if n >= 1 {
			v.workers = n
		}
	}
}

// WithLogger sets the verifier's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) { v.logger = logger }
}

// New constructs a Verifier.
func New(api remote.API, opts ...Option) (*Verifier, error) {
	if api == nil {
		return nil, errors.New("api must not be nil")
	}
	v := &Verifier{api: api, workers: DefaultWorkers, logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify reads back every distinct remote object the report marks
// succeeded. Properties share their parent container's remote id, so
// duplicates are collapsed before reading.
func (v *Verifier) Verify(ctx context.Context, report *engine.Report) (*Result, error) {
	if report == nil {
		return nil, errors.New("report must not be nil")
	}

	seen := make(map[string]bool)
	var ids []string
	for _, res := range report.Results {
		if res.Outcome != engine.OutcomeSucceeded || res.RemoteID == "" {
			continue
		}
		if !seen[res.RemoteID] {
			seen[res.RemoteID] = true
			ids = append(ids, res.RemoteID)
		}
	}
	sort.Strings(ids)

	result := &Result{Checked: len(ids)}
	var (
		mu          sync.Mutex
		missing     []string
		unreachable []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := v.api.Read(gctx, id)
			if err == nil {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if remote.KindOf(err) == remote.KindNotFound {
				missing = append(missing, id)
			} else {
				unreachable = append(unreachable, id)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(missing)
	sort.Strings(unreachable)
	result.Missing = missing
	result.Unreachable = unreachable

	v.logger.Info("verification finished",
		slog.String("run_id", report.RunID),
		slog.Int("checked", result.Checked),
		slog.Int("missing", len(result.Missing)),
		slog.Int("unreachable", len(result.Unreachable)))
	return result, nil
}
