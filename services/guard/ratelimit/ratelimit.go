// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit enforces sliding-window request limits with
// progressive IP bans.
//
// # Description
//
// Every admission runs the same sequence: ban lookup, global windows,
// per-identifier windows. Window state lives in sorted sets keyed by
// (scope, identifier, window); each check is a single store script, so
// concurrent requests cannot interleave past a limit. Limits are scoped
// to the identifier that survives challenge rotation (a stable
// fingerprint segment or the trusted IP), while bans are scoped to the
// trusted IP so that recycling challenges does not reset them.
//
// # Thread Safety
//
// The service holds no mutable state; all methods are safe for
// concurrent use.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianGate/services/guard/store"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// windowKeyPrefix namespaces the sliding-window sorted sets.
	windowKeyPrefix = "rl:"
	// banKeyPrefix namespaces the 24h violation counters.
	banKeyPrefix = "ban:"
	// bannedKeyPrefix namespaces the active ban flags.
	bannedKeyPrefix = "banned:"
)

const (
	suffixMinute = "m"
	suffixHour   = "h"
)

// =============================================================================
// Types
// =============================================================================

// Limits holds one scope's window budgets. A zero value disables that
// window.
type Limits struct {
	PerMinute int
	PerHour   int
}

// BanPolicy controls the progressive ban escalation.
type BanPolicy struct {
	// CounterTTL is the lifetime of the violation counter. Violations
	// further apart than this do not escalate.
	CounterTTL time.Duration

	// Steps are the ban durations applied per violation ordinal. The
	// last step repeats for all further violations.
	Steps []time.Duration
}

func (p BanPolicy) withDefaults() BanPolicy {
	if p.CounterTTL <= 0 {
		p.CounterTTL = 24 * time.Hour
	}
	if len(p.Steps) == 0 {
		p.Steps = []time.Duration{
			60 * time.Second,
			300 * time.Second,
			900 * time.Second,
			3600 * time.Second,
		}
	}
	return p
}

// Check describes one admission request.
type Check struct {
	// Scope is the endpoint family being limited (chat, challenge,
	// health, metrics, probe, admin-usage).
	Scope string

	// Identifier keys the per-identifier windows; usually the stable
	// fingerprint segment, falling back to the trusted IP.
	Identifier string

	// IP is the trusted client IP; it keys ban records.
	IP string

	// DedupKey makes retries of the same request count once. Usually
	// the request ID.
	DedupKey string

	// Limits are the per-identifier budgets for this scope.
	Limits Limits

	// Global are the shared budgets for this scope, counted across all
	// identifiers. Zero limits skip the global windows (admin scopes).
	Global Limits

	// Bans overrides the escalation schedule; zero values use defaults.
	Bans BanPolicy
}

// Kind tags a Decision. The values double as the wire-level "kind"
// field in rejection payloads.
type Kind string

const (
	KindAllowed     Kind = "allowed"
	KindRateLimited Kind = "rate_limited"
	KindBanned      Kind = "banned"
)

// Decision is the outcome of an admission check. Callers dispatch on
// Kind; a store failure is reported through the error return instead,
// so that the caller owns the fail-open choice.
type Decision struct {
	Kind  Kind
	Scope string

	// Global is true when the tripped window was the shared bucket.
	Global bool
	// Window is the length of the tripped window.
	Window time.Duration
	// Limit is the budget of the tripped window.
	Limit int
	// Count is how many entries the tripped window held.
	Count int64

	// RetryAfter is seconds until the caller may retry, at least 1 on
	// any rejection.
	RetryAfter int

	// ViolationCount is the IP's post-increment violation counter.
	ViolationCount int64
	// BanExpiresAt is the unix time the current ban lifts, zero when no
	// ban is active.
	BanExpiresAt int64
}

// Service is the admission check used by the gateway.
type Service interface {
	// Allow runs ban lookup, then global windows, then per-identifier
	// windows, stopping at the first rejection. Any rejection records a
	// violation against the IP and arms (or escalates) its ban. A
	// non-nil error means the store could not decide; callers treat
	// that as allowed and record the degradation.
	Allow(ctx context.Context, c Check) (Decision, error)
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	store *store.Store
	now   func() time.Time
}

// New creates the rate limit Service.
func New(st *store.Store) Service {
	if st == nil {
		panic("ratelimit: store is required")
	}
	return &service{store: st, now: time.Now}
}

func (s *service) Allow(ctx context.Context, c Check) (Decision, error) {
	if c.Scope == "" || c.Identifier == "" || c.DedupKey == "" {
		return Decision{}, fmt.Errorf("ratelimit: scope, identifier, and dedup key are required")
	}
	c.Bans = c.Bans.withDefaults()
	now := s.now().Unix()

	// Step 1: an active ban short-circuits everything, so banned IPs
	// cannot churn window state.
	res, err := runInts(ctx, s.store.Client(), banStatusScript,
		[]string{bannedKey(c.Scope, c.IP)}, 2)
	if err != nil {
		return Decision{}, fmt.Errorf("ban status check: %w", err)
	}
	if ttl := res[0]; ttl > 0 {
		return Decision{
			Kind:           KindBanned,
			Scope:          c.Scope,
			RetryAfter:     int(ttl),
			ViolationCount: res[1],
			BanExpiresAt:   now + ttl,
		}, nil
	}

	// Step 2: global windows first, so per-identifier quota is not
	// burned on requests the shared budget would reject anyway.
	type bucket struct {
		key    string
		window time.Duration
		limit  int
		global bool
	}
	buckets := make([]bucket, 0, 4)
	if c.Global.PerMinute > 0 {
		buckets = append(buckets, bucket{globalKey(c.Scope, suffixMinute), time.Minute, c.Global.PerMinute, true})
	}
	if c.Global.PerHour > 0 {
		buckets = append(buckets, bucket{globalKey(c.Scope, suffixHour), time.Hour, c.Global.PerHour, true})
	}
	if c.Limits.PerMinute > 0 {
		buckets = append(buckets, bucket{windowKey(c.Scope, c.Identifier, suffixMinute), time.Minute, c.Limits.PerMinute, false})
	}
	if c.Limits.PerHour > 0 {
		buckets = append(buckets, bucket{windowKey(c.Scope, c.Identifier, suffixHour), time.Hour, c.Limits.PerHour, false})
	}

	var count int64
	for _, b := range buckets {
		windowSec := int64(b.window / time.Second)
		res, err := runInts(ctx, s.store.Client(), windowScript,
			[]string{b.key}, 3, now, windowSec, b.limit, c.DedupKey)
		if err != nil {
			return Decision{}, fmt.Errorf("sliding window check: %w", err)
		}
		allowed, oldest := res[0] == 1, res[2]
		count = res[1]
		if allowed {
			continue
		}

		d := Decision{
			Kind:       KindRateLimited,
			Scope:      c.Scope,
			Global:     b.global,
			Window:     b.window,
			Limit:      b.limit,
			Count:      count,
			RetryAfter: retryAfter(oldest, windowSec, now),
		}
		d.ViolationCount, d.BanExpiresAt = s.recordViolation(ctx, c, now)
		return d, nil
	}

	return Decision{Kind: KindAllowed, Scope: c.Scope, Count: count}, nil
}

// recordViolation escalates the IP's ban. The rejection stands even if
// the bookkeeping write fails, so errors are logged rather than
// returned.
func (s *service) recordViolation(ctx context.Context, c Check, now int64) (count, expiresAt int64) {
	args := make([]interface{}, 0, 1+len(c.Bans.Steps))
	args = append(args, int64(c.Bans.CounterTTL/time.Second))
	for _, step := range c.Bans.Steps {
		args = append(args, int64(step/time.Second))
	}

	res, err := runInts(ctx, s.store.Client(), violationScript,
		[]string{banKey(c.Scope, c.IP), bannedKey(c.Scope, c.IP)}, 2, args...)
	if err != nil {
		slog.Warn("recording rate limit violation failed",
			"scope", c.Scope,
			"ip", c.IP,
			"error", err)
		return 0, 0
	}
	return res[0], now + res[1]
}

func retryAfter(oldest, window, now int64) int {
	retry := oldest + window - now
	if retry < 1 {
		retry = 1
	}
	return int(retry)
}

func windowKey(scope, identifier, suffix string) string {
	return windowKeyPrefix + scope + ":" + identifier + ":" + suffix
}

func globalKey(scope, suffix string) string {
	return windowKeyPrefix + "global:" + scope + ":" + suffix
}

func banKey(scope, ip string) string {
	return banKeyPrefix + scope + ":" + ip
}

func bannedKey(scope, ip string) string {
	return bannedKeyPrefix + scope + ":" + ip
}

var _ Service = (*service)(nil)
