// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package botcheck verifies bot-check tokens against the Turnstile
// siteverify API.
//
// Verification is advisory: it never returns an error and never blocks
// a request by itself. The caller downgrades failed or unreachable
// checks to a stricter rate profile instead of rejecting, so an outage
// at the verifier cannot take chat down with it.
package botcheck

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianGate/pkg/secrets"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultVerifyURL is Cloudflare's Turnstile verification endpoint.
	DefaultVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

	// SecretName is the vault entry holding the siteverify secret.
	SecretName = "turnstile"

	// maxTimeout is the hard ceiling on one verification call. The
	// check sits on the chat hot path; it must never hold a request
	// longer than this.
	maxTimeout = 2 * time.Second

	// reasonUnreachable marks any transport, timeout, or decode
	// failure. The caller cannot distinguish these and must not try.
	reasonUnreachable = "unreachable"

	// reasonMissingToken mirrors the siteverify error code for an
	// absent token, decided locally without a network call.
	reasonMissingToken = "missing-input-response"
)

// =============================================================================
// Types
// =============================================================================

// Config tunes the verifier. Zero values take defaults.
type Config struct {
	// VerifyURL overrides the siteverify endpoint (tests, proxies).
	VerifyURL string
	// Timeout caps one verification call; clamped to 2s.
	Timeout time.Duration
	// MaxRPS and Burst bound outbound calls to the verifier so a flood
	// of chat traffic cannot turn the gate into a traffic amplifier.
	MaxRPS float64
	Burst  int
}

func (c Config) withDefaults() Config {
	if c.VerifyURL == "" {
		c.VerifyURL = DefaultVerifyURL
	}
	if c.Timeout <= 0 || c.Timeout > maxTimeout {
		c.Timeout = maxTimeout
	}
	if c.MaxRPS <= 0 {
		c.MaxRPS = 50
	}
	if c.Burst <= 0 {
		c.Burst = 100
	}
	return c
}

// Result is the structured outcome of one verification. Reason is
// empty on success.
type Result struct {
	Success bool
	Reason  string
}

// Verifier checks bot-check tokens.
//
// # Thread Safety
//
// Safe for concurrent use.
type Verifier interface {
	// Verify posts the token to the verification endpoint. It never
	// returns an error; anything that prevents a definitive answer
	// yields {Success: false, Reason: "unreachable"}.
	Verify(ctx context.Context, token, remoteIP string) Result
}

// =============================================================================
// Implementation
// =============================================================================

type verifier struct {
	cfg        Config
	vault      *secrets.Vault
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates a Verifier reading its secret from the vault under
// SecretName.
func New(cfg Config, vault *secrets.Vault) Verifier {
	if vault == nil {
		panic("botcheck: vault is required")
	}
	cfg = cfg.withDefaults()
	return &verifier{
		cfg:        cfg,
		vault:      vault,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.MaxRPS), cfg.Burst),
	}
}

// siteverifyResponse is the subset of the API reply the gate reads.
type siteverifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

func (v *verifier) Verify(ctx context.Context, token, remoteIP string) Result {
	if strings.TrimSpace(token) == "" {
		return Result{Success: false, Reason: reasonMissingToken}
	}

	secret, ok := v.vault.Reveal(SecretName)
	if !ok {
		slog.Warn("Bot-check secret not configured; treating check as unreachable")
		return Result{Success: false, Reason: reasonUnreachable}
	}

	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	if err := v.limiter.Wait(ctx); err != nil {
		slog.Warn("Bot-check outbound limiter saturated", "error", err)
		return Result{Success: false, Reason: reasonUnreachable}
	}

	form := url.Values{
		"secret":   {secret},
		"response": {token},
		"remoteip": {remoteIP},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		v.cfg.VerifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		slog.Warn("Bot-check request build failed", "error", err)
		return Result{Success: false, Reason: reasonUnreachable}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		slog.Warn("Bot-check verification unreachable", "error", err)
		return Result{Success: false, Reason: reasonUnreachable}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("Bot-check verification returned non-200",
			"status", resp.StatusCode)
		return Result{Success: false, Reason: reasonUnreachable}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		slog.Warn("Bot-check response read failed", "error", err)
		return Result{Success: false, Reason: reasonUnreachable}
	}

	var parsed siteverifyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		slog.Warn("Bot-check response decode failed", "error", err)
		return Result{Success: false, Reason: reasonUnreachable}
	}

	if parsed.Success {
		return Result{Success: true}
	}

	reason := "rejected"
	if len(parsed.ErrorCodes) > 0 {
		reason = parsed.ErrorCodes[0]
	}
	slog.Debug("Bot-check rejected token", "reason", reason)
	return Result{Success: false, Reason: reason}
}

var _ Verifier = (*verifier)(nil)
