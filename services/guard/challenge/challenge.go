// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package challenge implements one-shot admission tokens.
//
// A client fetches a challenge before chatting and presents it with the
// chat request, where it is validated and consumed in a single atomic
// step. Tokens are worthless after one use, so a replayed request fails
// even if it races the original.
//
// Issuance is itself defended: a per-identifier minimum spacing stops
// token farming, a cap on outstanding tokens bounds store growth, and a
// rapid re-request inside the spacing window gets the newest still-valid
// token back ("smart reuse") instead of an error, which keeps impatient
// but honest clients working.
package challenge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/AleutianGate/services/guard/store"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// tokenBytes is the entropy of a challenge token. 32 bytes hex-encoded
	// yields the 64-character tokens clients see.
	tokenBytes = 32

	challengeKeyPrefix = "ch:"
	indexKeyPrefix     = "chidx:"
	lastIssueKeyPrefix = "chlast:"

	// minReuseSeconds is the smallest remaining lifetime worth handing
	// back to a client instead of minting. Below this the token would
	// expire in flight.
	minReuseSeconds = 1
)

// =============================================================================
// Types
// =============================================================================

// Policy carries the tunable issuance parameters for one call.
//
// The admission layer reads these from the live config snapshot, so a
// config change applies to the next issuance without a restart.
type Policy struct {
	// TTL is the challenge lifetime. Default 5 minutes.
	TTL time.Duration

	// MinSpacing is the minimum gap between issuances per identifier.
	// The strict profile widens this.
	MinSpacing time.Duration

	// MaxActive caps outstanding challenges per identifier; a mint that
	// would exceed it is rejected until a token expires or is consumed.
	MaxActive int
}

func (p Policy) withDefaults() Policy {
	if p.TTL <= 0 {
		p.TTL = 5 * time.Minute
	}
	if p.MinSpacing <= 0 {
		p.MinSpacing = time.Second
	}
	if p.MaxActive <= 0 {
		p.MaxActive = 15
	}
	return p
}

// IssueOutcome tags the result of an issuance attempt.
type IssueOutcome string

const (
	// IssueMinted means a fresh token was created.
	IssueMinted IssueOutcome = "minted"

	// IssueReused means the newest outstanding token was returned because
	// the request arrived inside the spacing window.
	IssueReused IssueOutcome = "reused"

	// IssueThrottled means the request arrived inside the spacing window
	// and no outstanding token had enough life left to reuse.
	IssueThrottled IssueOutcome = "throttled"

	// IssueTooManyActive means the identifier already holds the maximum
	// outstanding challenges. Existing tokens are left untouched; the
	// caller can retry once the oldest expires.
	IssueTooManyActive IssueOutcome = "too_many_active"
)

// Grant is the result of Issue.
type Grant struct {
	Outcome IssueOutcome

	// Token is set for minted and reused grants.
	Token string

	// ExpiresIn is the remaining token lifetime in seconds.
	ExpiresIn int

	// RetryAfter is set for throttled and too-many-active grants, in
	// seconds.
	RetryAfter int
}

// Verdict tags the result of ValidateAndConsume.
type Verdict string

const (
	// VerdictOK: the token existed, matched, and has been consumed.
	VerdictOK Verdict = "ok"

	// VerdictInvalid: no such token. Covers expired, already consumed,
	// and never issued; the client cannot tell these apart.
	VerdictInvalid Verdict = "invalid"

	// VerdictMismatch: the token exists but belongs to a different
	// identifier. The token is left in place for its rightful owner.
	VerdictMismatch Verdict = "mismatch"
)

// Service issues and consumes challenges.
//
// # Thread Safety
//
// Safe for concurrent use; all state lives in the store and every
// operation is a single atomic script.
type Service interface {
	// Issue returns a challenge for the identifier, applying spacing,
	// reuse, and the active cap. A non-nil error means the store could
	// not be reached; issuance has no fail-open path.
	Issue(ctx context.Context, identifier string, p Policy) (Grant, error)

	// ValidateAndConsume checks token ownership and deletes the token in
	// the same atomic step. A non-nil error means the store was
	// unavailable; callers must treat that as a denial, never as a pass.
	ValidateAndConsume(ctx context.Context, token, identifier string) (Verdict, error)
}

// =============================================================================
// Scripts
// =============================================================================

// issueScript performs the whole issuance decision atomically.
// KEYS[1] = chidx:{identifier} (zset: token scored by absolute expiry)
// KEYS[2] = chlast:{identifier}
// ARGV[1] = now (unix seconds)
// ARGV[2] = ttl (seconds)
// ARGV[3] = spacing (seconds)
// ARGV[4] = max active
// ARGV[5] = candidate token
// ARGV[6] = identifier
// ARGV[7] = challenge key prefix
// Returns {outcome, token, seconds} where seconds is expires-in for
// minted/reused and retry-after for throttled/too_many_active.
var issueScript = redis.NewScript(`
local idx = KEYS[1]
local last_key = KEYS[2]
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local spacing = tonumber(ARGV[3])
local max_active = tonumber(ARGV[4])
local token = ARGV[5]
local identifier = ARGV[6]
local prefix = ARGV[7]

redis.call("ZREMRANGEBYSCORE", idx, "-inf", now)

local last = redis.call("GET", last_key)
if last and (now - tonumber(last)) < spacing then
    local newest = redis.call("ZREVRANGE", idx, 0, 0, "WITHSCORES")
    if newest[1] and (tonumber(newest[2]) - now) >= 1 then
        return {"reused", newest[1], tonumber(newest[2]) - now}
    end
    local wait = spacing - (now - tonumber(last))
    if wait < 1 then
        wait = 1
    end
    return {"throttled", "", wait}
end

local count = redis.call("ZCARD", idx)
if count >= max_active then
    local oldest = redis.call("ZRANGE", idx, 0, 0, "WITHSCORES")
    local wait = 1
    if oldest[2] then
        wait = tonumber(oldest[2]) - now
        if wait < 1 then
            wait = 1
        end
    end
    return {"too_many_active", "", wait}
end

redis.call("SET", prefix .. token, identifier, "EX", ttl)
redis.call("ZADD", idx, now + ttl, token)
redis.call("EXPIRE", idx, ttl)
redis.call("SET", last_key, now, "EX", spacing)
return {"minted", token, ttl}
`)

// consumeScript validates and deletes in one step.
// KEYS[1] = ch:{token}
// KEYS[2] = chidx:{identifier}
// ARGV[1] = identifier
// ARGV[2] = token
var consumeScript = redis.NewScript(`
local value = redis.call("GET", KEYS[1])
if not value then
    return "invalid"
end
if value ~= ARGV[1] then
    return "mismatch"
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[2])
return "ok"
`)

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	store *store.Store
	now   func() time.Time
}

// New creates the challenge Service.
func New(st *store.Store) Service {
	if st == nil {
		panic("challenge: store is required")
	}
	return &service{store: st, now: time.Now}
}

func (s *service) Issue(ctx context.Context, identifier string, p Policy) (Grant, error) {
	p = p.withDefaults()

	token, err := newToken()
	if err != nil {
		return Grant{}, fmt.Errorf("challenge token: %w", err)
	}

	keys := []string{indexKeyPrefix + identifier, lastIssueKeyPrefix + identifier}
	args := []interface{}{
		s.now().Unix(),
		int(p.TTL.Seconds()),
		int(p.MinSpacing.Seconds()),
		p.MaxActive,
		token,
		identifier,
		challengeKeyPrefix,
	}

	res, err := issueScript.Run(ctx, s.store.Client(), keys, args...).Result()
	if err != nil {
		return Grant{}, fmt.Errorf("challenge issue: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 3 {
		return Grant{}, fmt.Errorf("challenge issue: unexpected script reply %T", res)
	}

	outcome, _ := reply[0].(string)
	grantToken, _ := reply[1].(string)
	seconds, _ := reply[2].(int64)

	switch IssueOutcome(outcome) {
	case IssueMinted, IssueReused:
		return Grant{
			Outcome:   IssueOutcome(outcome),
			Token:     grantToken,
			ExpiresIn: int(seconds),
		}, nil
	case IssueThrottled, IssueTooManyActive:
		return Grant{
			Outcome:    IssueOutcome(outcome),
			RetryAfter: int(seconds),
		}, nil
	default:
		return Grant{}, fmt.Errorf("challenge issue: unknown outcome %q", outcome)
	}
}

func (s *service) ValidateAndConsume(ctx context.Context, token, identifier string) (Verdict, error) {
	keys := []string{challengeKeyPrefix + token, indexKeyPrefix + identifier}

	res, err := consumeScript.Run(ctx, s.store.Client(), keys, identifier, token).Result()
	if err != nil {
		return "", fmt.Errorf("challenge consume: %w", err)
	}

	verdict, _ := res.(string)
	switch Verdict(verdict) {
	case VerdictOK, VerdictInvalid, VerdictMismatch:
		return Verdict(verdict), nil
	default:
		return "", fmt.Errorf("challenge consume: unexpected script reply %v", res)
	}
}

// newToken returns a fresh 64-character hex token.
func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ Service = (*service)(nil)
