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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// defaultRetryAfter is used when a 429 response carries no usable
// Retry-After header. Conservative on purpose.
const defaultRetryAfter = 30 * time.Second

// HTTPClient is the production API implementation over a JSON/HTTP
// workspace endpoint.
//
// It performs no retries and no rate limiting of its own; it only
// executes single calls and classifies failures. Resilience lives one
// layer up in services/restore/client.
type HTTPClient struct {
	base   string
	token  string
	client *http.Client
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPDoer replaces the underlying http.Client (tests, proxies).
func WithHTTPDoer(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.client = c
		}
	}
}

// NewHTTPClient creates an API implementation for the given endpoint.
//
// Inputs:
//
//	base - Endpoint root, e.g. "https://api.example.com/v1". Must not be empty.
//	token - Bearer token for every request.
//
// Outputs:
//
//	*HTTPClient - The configured client.
//	error - Non-nil if base is not a valid URL.
func NewHTTPClient(base, token string, opts ...HTTPOption) (*HTTPClient, error) {
	if base == "" {
		return nil, fmt.Errorf("remote: endpoint base must not be empty")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("remote: invalid endpoint base %q: %w", base, err)
	}

	h := &HTTPClient{
		base:   base,
		token:  token,
		client: &http.Client{Timeout: 90 * time.Second},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Create issues a creation call and returns the remote-assigned id.
func (h *HTTPClient) Create(ctx context.Context, req CreateRequest) (string, error) {
	path := fmt.Sprintf("%s/%ss", h.base, req.Kind)
	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers["Idempotency-Key"] = req.IdempotencyKey
	}

	body, err := h.do(ctx, http.MethodPost, path, req.Payload, headers)
	if err != nil {
		return "", err
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return "", &APIError{Kind: KindPermanent, Message: fmt.Sprintf("create response not decodable: %v", err)}
	}
	if created.ID == "" {
		return "", &APIError{Kind: KindPermanent, Message: "create response missing id"}
	}
	return created.ID, nil
}

// Update patches an existing object.
func (h *HTTPClient) Update(ctx context.Context, remoteID string, payload json.RawMessage) error {
	path := fmt.Sprintf("%s/objects/%s", h.base, url.PathEscape(remoteID))
	_, err := h.do(ctx, http.MethodPatch, path, payload, nil)
	return err
}

// Read fetches an object's payload.
func (h *HTTPClient) Read(ctx context.Context, remoteID string) (json.RawMessage, error) {
	path := fmt.Sprintf("%s/objects/%s", h.base, url.PathEscape(remoteID))
	return h.do(ctx, http.MethodGet, path, nil, nil)
}

// Query fetches one page of records in a container.
func (h *HTTPClient) Query(ctx context.Context, containerID string, cursor string) (QueryPage, error) {
	u := fmt.Sprintf("%s/containers/%s/records", h.base, url.PathEscape(containerID))
	if cursor != "" {
		u += "?cursor=" + url.QueryEscape(cursor)
	}

	body, err := h.do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return QueryPage{}, err
	}

	var page struct {
		Results    []json.RawMessage `json:"results"`
		NextCursor string            `json:"next_cursor"`
		HasMore    bool              `json:"has_more"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return QueryPage{}, &APIError{Kind: KindPermanent, Message: fmt.Sprintf("query response not decodable: %v", err)}
	}
	return QueryPage{Results: page.Results, NextCursor: page.NextCursor, HasMore: page.HasMore}, nil
}

// do executes a single HTTP round trip and classifies the outcome.
func (h *HTTPClient) do(ctx context.Context, method, u string, payload []byte, headers map[string]string) (json.RawMessage, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("remote: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		// Transport failure; KindOf classifies this as transient.
		return nil, fmt.Errorf("remote: %s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("remote: reading response body: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	apiErr := &APIError{
		Status:  resp.StatusCode,
		Kind:    ClassifyStatus(resp.StatusCode),
		Message: truncate(string(body), 512),
	}
	if apiErr.Kind == KindRateLimited {
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return nil, apiErr
}

// parseRetryAfter handles the delta-seconds form of Retry-After.
// Absolute dates are rare on rate limits; fall back to a safe default.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultRetryAfter
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
