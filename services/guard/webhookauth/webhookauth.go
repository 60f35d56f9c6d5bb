// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package webhookauth authenticates ingestion webhooks.
//
// Producers sign each delivery with HMAC-SHA256 over the canonical
// string "timestamp.body" and send the hex signature plus the unix
// timestamp in headers. Verification is constant time and bounded by a
// timestamp skew window, so a captured delivery goes stale in minutes.
// Strict deployments additionally record each signature in a local
// nonce cache and reject exact replays inside the skew window.
package webhookauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianGate/pkg/secrets"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// HeaderSignature carries the hex HMAC-SHA256 signature.
	HeaderSignature = "X-Webhook-Signature"

	// HeaderTimestamp carries the unix-seconds signing timestamp.
	HeaderTimestamp = "X-Webhook-Timestamp"

	// SecretName is the vault entry holding the shared HMAC key.
	SecretName = "webhook_hmac"

	// DefaultMaxSkew bounds |now - timestamp|. Five minutes tolerates
	// clock drift and retry queues without leaving a useful replay
	// window; the nonce cache covers the rest in strict mode.
	DefaultMaxSkew = 300 * time.Second
)

// =============================================================================
// Types
// =============================================================================

// Verdict tags the outcome of a verification.
type Verdict string

const (
	// VerdictOK: headers present, timestamp fresh, signature matches.
	VerdictOK Verdict = "ok"

	// VerdictMissingHeaders: signature or timestamp header absent.
	VerdictMissingHeaders Verdict = "missing_headers"

	// VerdictStale: timestamp outside the skew window, or unparseable.
	VerdictStale Verdict = "stale"

	// VerdictBadSignature: signature malformed or mismatched.
	VerdictBadSignature Verdict = "bad_signature"

	// VerdictReplayed: strict mode saw this exact signature before.
	VerdictReplayed Verdict = "replayed"

	// VerdictMissingSecret: no HMAC key is configured; nothing can
	// verify, so everything is rejected.
	VerdictMissingSecret Verdict = "missing_secret"
)

// Config tunes the authenticator. Zero values take defaults.
type Config struct {
	// MaxSkew bounds the timestamp freshness window.
	MaxSkew time.Duration

	// NonceCache enables strict replay protection when non-nil. Entries
	// are kept for twice the skew window.
	NonceCache *NonceCache
}

func (c Config) withDefaults() Config {
	if c.MaxSkew <= 0 {
		c.MaxSkew = DefaultMaxSkew
	}
	return c
}

// Authenticator verifies webhook deliveries.
//
// # Thread Safety
//
// Safe for concurrent use.
type Authenticator struct {
	cfg   Config
	vault *secrets.Vault
	now   func() time.Time
}

// New creates an Authenticator reading its key from the vault under
// SecretName.
func New(cfg Config, vault *secrets.Vault) *Authenticator {
	if vault == nil {
		panic("webhookauth: vault is required")
	}
	return &Authenticator{cfg: cfg.withDefaults(), vault: vault, now: time.Now}
}

// =============================================================================
// Verification
// =============================================================================

// Verify checks one delivery against its headers and raw body.
//
// # Description
//
// The checks run cheapest first: header presence, timestamp freshness,
// then the HMAC itself. The signature comparison is constant time over
// the decoded bytes; malformed hex is folded into VerdictBadSignature
// so the response does not reveal which part failed. No state is
// written unless the delivery fully verifies (strict mode records the
// nonce only after a match, so failed probes cannot fill the cache).
//
// # Inputs
//
//   - ctx: Bounds the nonce cache write in strict mode.
//   - h: Request headers.
//   - body: The raw, unmodified request body bytes.
//
// # Outputs
//
//   - Verdict: VerdictOK or the specific rejection.
func (a *Authenticator) Verify(ctx context.Context, h http.Header, body []byte) Verdict {
	sigHex := h.Get(HeaderSignature)
	tsRaw := h.Get(HeaderTimestamp)
	if sigHex == "" || tsRaw == "" {
		return VerdictMissingHeaders
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return VerdictStale
	}
	skew := a.now().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(a.cfg.MaxSkew/time.Second) {
		return VerdictStale
	}

	secret, ok := a.vault.Reveal(SecretName)
	if !ok {
		return VerdictMissingSecret
	}

	provided, err := hex.DecodeString(sigHex)
	if err != nil {
		return VerdictBadSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(tsRaw))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)

	if subtle.ConstantTimeCompare(expected, provided) != 1 {
		return VerdictBadSignature
	}

	if a.cfg.NonceCache != nil {
		fresh, err := a.cfg.NonceCache.Record(ctx, sigHex, 2*a.cfg.MaxSkew)
		if err != nil {
			// A broken cache must not take ingestion down; the skew
			// window still bounds replays.
			return VerdictOK
		}
		if !fresh {
			return VerdictReplayed
		}
	}

	return VerdictOK
}

// Sign produces the signature header value for a body at a timestamp.
//
// Used by tests and by the gatectl webhook probe; producers implement
// the same canonical form independently.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
