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
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianVault/services/remote"
)

// fakeClock advances instantly on Sleep so retry tests run without
// real delays.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptedAPI returns queued errors in order, then succeeds forever.
type scriptedAPI struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	nextID int
}

func (a *scriptedAPI) next() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if len(a.errs) == 0 {
		return nil
	}
	err := a.errs[0]
	a.errs = a.errs[1:]
	return err
}

func (a *scriptedAPI) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *scriptedAPI) Create(_ context.Context, _ remote.CreateRequest) (string, error) {
	if err := a.next(); err != nil {
		return "", err
	}
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.mu.Unlock()
	return "remote-" + string(rune('a'+id)), nil
}

func (a *scriptedAPI) Update(_ context.Context, _ string, _ json.RawMessage) error {
	return a.next()
}

func (a *scriptedAPI) Read(_ context.Context, _ string) (json.RawMessage, error) {
	if err := a.next(); err != nil {
		return nil, err
	}
	return json.RawMessage(`{}`), nil
}

func (a *scriptedAPI) Query(_ context.Context, _ string, _ string) (remote.QueryPage, error) {
	if err := a.next(); err != nil {
		return remote.QueryPage{}, err
	}
	return remote.QueryPage{}, nil
}

// fastConfig removes real-time rate limiting from tests.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RequestsPerSecond = 100000
	cfg.Burst = 100000
	return cfg
}

func transientErr() error {
	return &remote.APIError{Status: 503, Kind: remote.KindTransient, Message: "upstream hiccup"}
}

func permanentErr() error {
	return &remote.APIError{Status: 400, Kind: remote.KindPermanent, Message: "bad payload"}
}

func newTestClient(t *testing.T, api remote.API, cfg Config, clock Clock) *Client {
	t.Helper()
	c, err := New(api, cfg,
		WithClock(clock),
		WithJitterSource(func() float64 { return 0.5 }), // zero jitter spread
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_NilAPI(t *testing.T) {
	if _, err := New(nil, DefaultConfig()); err == nil {
		t.Fatal("expected error for nil API")
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	api := &scriptedAPI{}
	c := newTestClient(t, api, fastConfig(), newFakeClock())

	if err := c.Update(context.Background(), "id-1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := api.callCount(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	// Fails exactly MaxRetries times, then succeeds: the call must
	// succeed with MaxRetries+1 attempts.
	cfg := fastConfig()
	api := &scriptedAPI{errs: []error{transientErr(), transientErr(), transientErr()}}
	clock := newFakeClock()
	c := newTestClient(t, api, cfg, clock)

	if err := c.Update(context.Background(), "id-1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got, want := api.callCount(), cfg.MaxRetries+1; got != want {
		t.Errorf("attempts = %d, want %d", got, want)
	}
	if len(clock.slept) != cfg.MaxRetries {
		t.Errorf("backoff sleeps = %d, want %d", len(clock.slept), cfg.MaxRetries)
	}
}

func TestDo_RetriesExhausted(t *testing.T) {
	cfg := fastConfig()
	api := &scriptedAPI{errs: []error{
		transientErr(), transientErr(), transientErr(), transientErr(),
	}}
	c := newTestClient(t, api, cfg, newFakeClock())

	err := c.Update(context.Background(), "id-1", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("expected ErrRetriesExhausted, got: %v", err)
	}

	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected *CallError, got %T", err)
	}
	if got, want := callErr.Attempts, cfg.MaxRetries+1; got != want {
		t.Errorf("Attempts = %d, want %d", got, want)
	}
}

func TestDo_PermanentFailsFast(t *testing.T) {
	api := &scriptedAPI{errs: []error{permanentErr()}}
	c := newTestClient(t, api, fastConfig(), newFakeClock())

	err := c.Update(context.Background(), "id-1", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrRetriesExhausted) {
		t.Error("permanent failure must not be reported as exhausted retries")
	}
	if got := api.callCount(); got != 1 {
		t.Errorf("calls = %d, want 1 (no retry of permanent errors)", got)
	}
}

func TestDo_RateLimitedUsesRetryAfter(t *testing.T) {
	cfg := fastConfig()
	cfg.BaseDelay = time.Second
	api := &scriptedAPI{errs: []error{
		&remote.APIError{Status: 429, Kind: remote.KindRateLimited, RetryAfter: 45 * time.Second},
	}}
	clock := newFakeClock()
	c := newTestClient(t, api, cfg, clock)

	if err := c.Update(context.Background(), "id-1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(clock.slept) != 1 {
		t.Fatalf("sleeps = %d, want 1", len(clock.slept))
	}
	// Retry-After (45s) exceeds the computed 1s backoff and must win.
	if clock.slept[0] != 45*time.Second {
		t.Errorf("wait = %v, want 45s", clock.slept[0])
	}
}

// blockingAPI parks Update until release is closed and remembers the
// context state the in-flight call observed.
type blockingAPI struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	ctxErr  error
}

func (a *blockingAPI) Update(ctx context.Context, _ string, _ json.RawMessage) error {
	a.once.Do(func() { close(a.started) })
	<-a.release
	a.ctxErr = ctx.Err()
	return nil
}

func (a *blockingAPI) Create(_ context.Context, _ remote.CreateRequest) (string, error) {
	return "", errors.New("not scripted")
}

func (a *blockingAPI) Read(_ context.Context, _ string) (json.RawMessage, error) {
	return nil, errors.New("not scripted")
}

func (a *blockingAPI) Query(_ context.Context, _ string, _ string) (remote.QueryPage, error) {
	return remote.QueryPage{}, errors.New("not scripted")
}

func TestDo_InFlightCallFinishesAfterCancellation(t *testing.T) {
	api := &blockingAPI{started: make(chan struct{}), release: make(chan struct{})}
	c := newTestClient(t, api, fastConfig(), newFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Update(ctx, "id-1", json.RawMessage(`{}`)) }()

	<-api.started
	cancel()
	close(api.release)

	if err := <-done; err != nil {
		t.Fatalf("in-flight call must run to completion, got: %v", err)
	}
	if api.ctxErr != nil {
		t.Errorf("in-flight call saw a cancelled context: %v", api.ctxErr)
	}

	// The cancelled run context still stops new calls at admission.
	err := c.Update(ctx, "id-2", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected a new call on a cancelled context to be rejected")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
}

func TestDo_CircuitOpenFailsWithoutRemoteCall(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 2
	api := &scriptedAPI{errs: []error{permanentErr(), permanentErr()}}
	c := newTestClient(t, api, cfg, newFakeClock())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := c.Update(ctx, "id-1", json.RawMessage(`{}`)); err == nil {
			t.Fatal("expected failure")
		}
	}
	if got := c.CircuitState(); got != CircuitOpen {
		t.Fatalf("circuit = %v, want OPEN", got)
	}

	before := api.callCount()
	err := c.Update(ctx, "id-1", json.RawMessage(`{}`))
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got: %v", err)
	}
	if api.callCount() != before {
		t.Error("open circuit must not contact the remote API")
	}
}

func TestDo_CircuitRecoversViaTrialCall(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 1
	cfg.Cooldown = 30 * time.Second
	api := &scriptedAPI{errs: []error{permanentErr()}}
	clock := newFakeClock()
	c := newTestClient(t, api, cfg, clock)

	ctx := context.Background()
	if err := c.Update(ctx, "id-1", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected failure to trip circuit")
	}
	if got := c.CircuitState(); got != CircuitOpen {
		t.Fatalf("circuit = %v, want OPEN", got)
	}

	// Still inside cooldown: fail fast.
	if err := c.Update(ctx, "id-1", json.RawMessage(`{}`)); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen during cooldown, got: %v", err)
	}

	// Past cooldown: the single trial call is admitted and succeeds,
	// closing the circuit.
	clock.advance(31 * time.Second)
	if err := c.Update(ctx, "id-1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("trial call: %v", err)
	}
	if got := c.CircuitState(); got != CircuitClosed {
		t.Errorf("circuit = %v, want CLOSED after trial success", got)
	}
}
