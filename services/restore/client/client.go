// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package client wraps the remote API with rate limiting, retries, and
// circuit breaking so the restore and backup engines can treat every
// call as "eventually succeeds or definitively fails".
//
// One Client belongs to one run. All workers of that run share its
// token bucket and circuit; independent runs in the same process get
// independent instances.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianVault/services/remote"
	"github.com/AleutianAI/AleutianVault/services/restore/progress"
)

var (
	tracer = otel.Tracer("vault.restore.client")
	meter  = otel.Meter("vault.restore.client")
)

// Config holds the limiter, retry, and circuit parameters for one run.
// Immutable after New.
type Config struct {
	// RequestsPerSecond is the sustained rate budget. The target API
	// allows ~3 rps; we default below it.
	RequestsPerSecond float64

	// Burst is the token bucket depth.
	Burst int

	// MaxRetries is how many times a retryable failure is retried.
	// A call makes at most MaxRetries+1 attempts.
	MaxRetries int

	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration

	// MaxDelay caps any single backoff wait.
	MaxDelay time.Duration

	// FailureThreshold is consecutive terminal call failures before
	// the circuit opens.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before admitting a
	// single trial call.
	Cooldown time.Duration
}

// DefaultConfig returns the defaults tuned for the target API.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 2.5,
		Burst:             5,
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
		FailureThreshold:  5,
		Cooldown:          60 * time.Second,
	}
}

// Client is the resilient decorator around a remote.API.
//
// Thread Safety: safe for concurrent use; that is its whole point.
type Client struct {
	api     remote.API
	limiter *rate.Limiter
	policy  RetryPolicy
	brk     *breaker
	clock   Clock
	jitter  func() float64
	logger  *slog.Logger
	emitter *progress.Emitter
	runID   string

	metricsOnce    sync.Once
	callAttempts   metric.Int64Counter
	callLatency    metric.Float64Histogram
	circuitChanges metric.Int64Counter
}

// Option configures a Client.
type Option func(*Client)

// WithClock injects a clock (tests use a fake to avoid real sleeps).
func WithClock(c Clock) Option {
	return func(cl *Client) {
		if c != nil {
			cl.clock = c
		}
	}
}

// WithLogger sets the logger for per-attempt logs.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// WithEmitter attaches a progress emitter for structured events.
func WithEmitter(e *progress.Emitter) Option {
	return func(cl *Client) {
		cl.emitter = e
	}
}

// WithRunID tags every event with the owning run.
func WithRunID(id string) Option {
	return func(cl *Client) {
		cl.runID = id
	}
}

// WithJitterSource replaces the jitter sampler (tests pin it).
func WithJitterSource(fn func() float64) Option {
	return func(cl *Client) {
		if fn != nil {
			cl.jitter = fn
		}
	}
}

// New builds a resilient client over api.
//
// Inputs:
//
//	api - The raw remote API. Must not be nil.
//	cfg - Limiter/retry/circuit parameters; zero fields take defaults.
//
// Outputs:
//
//	*Client - The configured client.
//	error - Non-nil if api is nil.
func New(api remote.API, cfg Config, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, fmt.Errorf("client: remote API must not be nil")
	}

	def := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}

	c := &Client{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		policy: RetryPolicy{
			MaxRetries:     cfg.MaxRetries,
			BaseDelay:      cfg.BaseDelay,
			MaxDelay:       cfg.MaxDelay,
			JitterFraction: 0.25,
		},
		clock:  SystemClock{},
		jitter: rand.Float64,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.brk = newBreaker(cfg.FailureThreshold, cfg.Cooldown, c.clock, c.onCircuitChange)
	return c, nil
}

// CircuitState exposes the breaker state for reports.
func (c *Client) CircuitState() CircuitState {
	return c.brk.currentState()
}

// Create issues a resilient creation call.
func (c *Client) Create(ctx context.Context, req remote.CreateRequest) (string, error) {
	var id string
	op := fmt.Sprintf("create(%s)", req.Kind)
	err := c.do(ctx, op, func(ctx context.Context) error {
		var callErr error
		id, callErr = c.api.Create(ctx, req)
		return callErr
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Update issues a resilient update call.
func (c *Client) Update(ctx context.Context, remoteID string, payload json.RawMessage) error {
	return c.do(ctx, fmt.Sprintf("update(%s)", remoteID), func(ctx context.Context) error {
		return c.api.Update(ctx, remoteID, payload)
	})
}

// Read issues a resilient read call.
func (c *Client) Read(ctx context.Context, remoteID string) (json.RawMessage, error) {
	var payload json.RawMessage
	err := c.do(ctx, fmt.Sprintf("read(%s)", remoteID), func(ctx context.Context) error {
		var callErr error
		payload, callErr = c.api.Read(ctx, remoteID)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// Query issues a resilient paginated query call.
func (c *Client) Query(ctx context.Context, containerID string, cursor string) (remote.QueryPage, error) {
	var page remote.QueryPage
	err := c.do(ctx, fmt.Sprintf("query(%s)", containerID), func(ctx context.Context) error {
		var callErr error
		page, callErr = c.api.Query(ctx, containerID, cursor)
		return callErr
	})
	if err != nil {
		return remote.QueryPage{}, err
	}
	return page, nil
}

// do drives one logical operation to a terminal outcome.
//
// Description:
//
//	Loops attempts through breaker admission, token bucket wait, the
//	actual call, and the pure retry schedule. The breaker counts whole
//	calls, not attempts: it is fed exactly once per do, on the terminal
//	outcome. Callers guarantee the operation is idempotency-safe.
func (c *Client) do(ctx context.Context, op string, call func(context.Context) error) error {
	c.initMetrics()

	ctx, span := tracer.Start(ctx, "client.call",
		trace.WithAttributes(attribute.String("call.op", op)),
	)
	defer span.End()

	attempt := 0
	for {
		if !c.brk.allow() {
			c.observeAttempt(ctx, op, attempt+1, "circuit_open", 0, ErrCircuitOpen)
			span.SetStatus(codes.Error, "circuit open")
			return &CallError{Op: op, Attempts: attempt, Err: ErrCircuitOpen}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			// Cancellation, not a remote failure; the breaker is not fed.
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancelled waiting for rate token")
			return &CallError{Op: op, Attempts: attempt, Err: err}
		}

		attempt++
		start := c.clock.Now()
		// An admitted attempt runs to completion even if the run is
		// cancelled mid-flight: aborting a create halfway leaves an
		// object whose remote existence is unknown. Cancellation is
		// honored at the admission points instead (the rate token wait
		// above and the backoff sleep below), which stop new attempts.
		err := call(context.WithoutCancel(ctx))
		latency := c.clock.Now().Sub(start)

		if err == nil {
			c.brk.recordSuccess()
			c.observeAttempt(ctx, op, attempt, "success", latency, nil)
			span.SetAttributes(attribute.Int("call.attempts", attempt))
			span.SetStatus(codes.Ok, "")
			return nil
		}

		kind := remote.KindOf(err)
		decision := c.policy.Next(attempt-1, kind, remote.RetryAfterOf(err), c.jitter())

		if !decision.Retry {
			c.brk.recordFailure()
			c.observeAttempt(ctx, op, attempt, "terminal_failure", latency, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, kind.String())

			if kind.Retryable() {
				// Budget exhausted on an error that could have
				// succeeded eventually.
				return &CallError{Op: op, Attempts: attempt, Err: fmt.Errorf("%w: %w", ErrRetriesExhausted, err)}
			}
			return &CallError{Op: op, Attempts: attempt, Err: err}
		}

		c.observeAttempt(ctx, op, attempt, "retryable_failure", latency, err)
		c.logger.Warn("retrying remote call",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.policy.MaxRetries+1),
			slog.Duration("wait", decision.Wait),
			slog.String("error", err.Error()),
		)

		if err := c.clock.Sleep(ctx, decision.Wait); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancelled during backoff")
			return &CallError{Op: op, Attempts: attempt, Err: err}
		}
	}
}

// observeAttempt emits the structured per-attempt event and metrics.
func (c *Client) observeAttempt(ctx context.Context, op string, attempt int, outcome string, latency time.Duration, err error) {
	if c.callAttempts != nil {
		c.callAttempts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", outcome),
		))
	}
	if c.callLatency != nil && latency > 0 {
		c.callLatency.Record(ctx, latency.Seconds())
	}

	if c.emitter != nil {
		ev := progress.Event{
			Type:    progress.EventCallAttempt,
			RunID:   c.runID,
			Op:      op,
			Attempt: attempt,
			Outcome: outcome,
			Latency: latency,
		}
		if err != nil {
			ev.Detail = err.Error()
		}
		c.emitter.Emit(ev)
	}
}

// onCircuitChange reports breaker transitions.
func (c *Client) onCircuitChange(from, to CircuitState) {
	c.logger.Warn("circuit state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if c.circuitChanges != nil {
		c.circuitChanges.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("to", to.String()),
		))
	}
	if c.emitter != nil {
		c.emitter.Emit(progress.Event{
			Type:   progress.EventCircuitChange,
			RunID:  c.runID,
			Detail: fmt.Sprintf("%s -> %s", from, to),
		})
	}
}

// initMetrics lazily initializes metrics. Failures degrade
// observability, never the calls themselves.
func (c *Client) initMetrics() {
	c.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		c.callAttempts, err = meter.Int64Counter("vault_call_attempts_total",
			metric.WithDescription("Remote call attempts by outcome"),
		)
		if err != nil {
			initErrors = append(initErrors, "call_attempts: "+err.Error())
		}

		c.callLatency, err = meter.Float64Histogram("vault_call_duration_seconds",
			metric.WithDescription("Remote call attempt latency"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "call_latency: "+err.Error())
		}

		c.circuitChanges, err = meter.Int64Counter("vault_circuit_transitions_total",
			metric.WithDescription("Circuit breaker state transitions"),
		)
		if err != nil {
			initErrors = append(initErrors, "circuit_changes: "+err.Error())
		}

		if len(initErrors) > 0 {
			c.logger.Error("failed to initialize some client metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}
