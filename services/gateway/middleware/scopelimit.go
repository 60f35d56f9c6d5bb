// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGate/services/gateway/observability"
	"github.com/AleutianAI/AleutianGate/services/guard/config"
	"github.com/AleutianAI/AleutianGate/services/guard/ratelimit"
)

// Scope names for the auxiliary endpoint families. The chat scope is
// enforced inside the admission pipeline, not here.
const (
	ScopeChallenge  = "challenge"
	ScopeHealth     = "health"
	ScopeMetrics    = "metrics"
	ScopeProbe      = "probe"
	ScopeAdminUsage = "admin-usage"
)

// ScopeLimit creates middleware that rate-limits one endpoint family.
//
// # Description
//
// Auxiliary endpoints (health, metrics, probe, admin, challenge) skip
// challenge validation, bot-check, and cost metering, but still burn
// their own scope budgets so they cannot be used as free probes.
// Limits come from the live config snapshot on every request, so an
// admin override applies without a restart.
//
// Store failure admits the request and bumps the fail-open counter;
// a health endpoint that 503s because Redis is down would defeat its
// purpose.
//
// # Inputs
//
//   - limiter: The admission check service. Must not be nil.
//   - cfg: Live config. Must not be nil.
//   - metrics: Gate metrics; may be nil (tests).
//   - scope: One of the Scope* constants.
func ScopeLimit(limiter ratelimit.Service, cfg *config.Service, metrics *observability.GateMetrics, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := cfg.Current()
		id := GetIdentity(c)

		check := ratelimit.Check{
			Scope:      scope,
			Identifier: id.StableID,
			IP:         id.ClientIP,
			DedupKey:   GetRequestID(c),
			Limits:     scopeLimits(snap, scope),
		}

		decision, err := limiter.Allow(c.Request.Context(), check)
		if err != nil {
			slog.Warn("scope limit degraded to fail-open",
				"scope", scope,
				"client_ip", id.ClientIP,
				"error", err)
			if metrics != nil {
				metrics.RecordFailOpen("rate_limit")
			}
			c.Next()
			return
		}

		switch decision.Kind {
		case ratelimit.KindAllowed:
			c.Next()

		case ratelimit.KindBanned:
			if metrics != nil {
				metrics.RecordDecision(observability.StageBan, observability.OutcomeDeny)
			}
			c.Header("Retry-After", strconv.Itoa(decision.RetryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, &datatypes.ErrorResponse{
				Error:             datatypes.ErrCodeBanned,
				Message:           "temporarily banned due to repeated violations",
				RequestID:         GetRequestID(c),
				ViolationCount:    int(decision.ViolationCount),
				BanExpiresAt:      decision.BanExpiresAt,
				RetryAfterSeconds: decision.RetryAfter,
			})

		default:
			if metrics != nil {
				metrics.RecordDecision(observability.StageRateLimit, observability.OutcomeDeny)
			}
			c.Header("Retry-After", strconv.Itoa(decision.RetryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, &datatypes.ErrorResponse{
				Error:     datatypes.ErrCodeRateLimited,
				Message:   "rate limit exceeded for " + scope,
				RequestID: GetRequestID(c),
				Limits: &datatypes.LimitInfo{
					PerMinute: check.Limits.PerMinute,
					PerHour:   check.Limits.PerHour,
				},
				ViolationCount:    int(decision.ViolationCount),
				RetryAfterSeconds: decision.RetryAfter,
			})
		}
	}
}

// scopeLimits maps a scope name to its live budgets. Auxiliary scopes
// are minute-only.
func scopeLimits(snap *config.Snapshot, scope string) ratelimit.Limits {
	switch scope {
	case ScopeChallenge:
		return ratelimit.Limits{PerMinute: snap.ChallengePerMinute, PerHour: snap.ChallengePerHour}
	case ScopeHealth:
		return ratelimit.Limits{PerMinute: snap.HealthPerMinute}
	case ScopeMetrics:
		return ratelimit.Limits{PerMinute: snap.MetricsPerMinute}
	case ScopeProbe:
		return ratelimit.Limits{PerMinute: snap.ProbePerMinute}
	case ScopeAdminUsage:
		return ratelimit.Limits{PerMinute: snap.AdminPerMinute}
	default:
		return ratelimit.Limits{}
	}
}
