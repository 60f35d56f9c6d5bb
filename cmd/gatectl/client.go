// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGate/services/guard/config"
	"github.com/AleutianAI/AleutianGate/services/guard/ratelimit"
)

// adminClient talks to the gateway's admin and challenge endpoints.
type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAdminClient(server, token string) *adminClient {
	return &adminClient{
		baseURL: strings.TrimRight(server, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// usageReport mirrors the admin usage endpoint's JSON.
type usageReport struct {
	StableID       string  `json:"stable_id"`
	WindowUSD      float64 `json:"window_usd"`
	DayUSD         float64 `json:"day_usd"`
	DayEntries     int64   `json:"day_entries"`
	ThrottledFor   int64   `json:"throttled_for_seconds"`
	ThrottleReason string  `json:"throttle_reason"`
}

// configReport mirrors the admin config endpoint's JSON.
type configReport struct {
	Effective config.Snapshot   `json:"effective"`
	Overrides map[string]string `json:"overrides"`
}

func (c *adminClient) challenge(ctx context.Context, fingerprint string) (datatypes.ChallengeResponse, error) {
	var resp datatypes.ChallengeResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/auth/challenge", nil, &resp, func(r *http.Request) {
		r.Header.Set("X-Fingerprint", fingerprint)
	})
	return resp, err
}

func (c *adminClient) usage(ctx context.Context, stableID string) (usageReport, error) {
	var resp usageReport
	err := c.do(ctx, http.MethodGet,
		"/api/v1/admin/usage/"+url.PathEscape(stableID), nil, &resp, nil)
	return resp, err
}

func (c *adminClient) limits(ctx context.Context, scope, id string) (ratelimit.Occupancy, error) {
	var resp ratelimit.Occupancy
	err := c.do(ctx, http.MethodGet,
		"/api/v1/admin/limits/"+url.PathEscape(scope)+"/"+url.PathEscape(id), nil, &resp, nil)
	return resp, err
}

func (c *adminClient) liftBan(ctx context.Context, scope, ip string) error {
	return c.do(ctx, http.MethodDelete,
		"/api/v1/admin/bans/"+url.PathEscape(scope)+"/"+url.PathEscape(ip), nil, nil, nil)
}

func (c *adminClient) getConfig(ctx context.Context) (configReport, error) {
	var resp configReport
	err := c.do(ctx, http.MethodGet, "/api/v1/admin/config", nil, &resp, nil)
	return resp, err
}

func (c *adminClient) setConfig(ctx context.Context, key, value string) error {
	body := map[string]string{"value": value}
	return c.do(ctx, http.MethodPut,
		"/api/v1/admin/config/"+url.PathEscape(key), body, nil, nil)
}

// do runs one request, decoding the taxonomy error envelope on
// non-2xx responses so command output names the server's reason.
func (c *adminClient) do(ctx context.Context, method, path string, body, out any, mod func(*http.Request)) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if mod != nil {
		mod(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope datatypes.ErrorResponse
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != "" {
			return fmt.Errorf("%s: %s", envelope.Error, envelope.Message)
		}
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
