// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGate/services/gateway/middleware"
	"github.com/AleutianAI/AleutianGate/services/gateway/observability"
	"github.com/AleutianAI/AleutianGate/services/guard/challenge"
	"github.com/AleutianAI/AleutianGate/services/guard/config"
)

// HandleChallenge serves GET /api/v1/auth/challenge.
//
// # Description
//
// Issues a one-shot challenge token bound to the caller's stable
// identity. Spacing, reuse, and the active cap are decided atomically
// by the challenge service; this handler only translates the grant
// into wire shapes. Issuance keeps working while challenge enforcement
// is toggled off so clients warm up before the switch flips.
func HandleChallenge(challenges challenge.Service, live *config.Service, metrics *observability.GateMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := gateTracer.Start(c.Request.Context(), "HandleChallenge")
		defer span.End()

		snap := live.Current()
		grant, err := challenges.Issue(ctx, middleware.GetIdentity(c).StableID, challenge.Policy{
			TTL:        time.Duration(snap.ChallengeTTLSeconds) * time.Second,
			MinSpacing: time.Duration(snap.ChallengeSpacingSeconds) * time.Second,
			MaxActive:  snap.ChallengeMaxActive,
		})
		if err != nil {
			span.RecordError(err)
			writeError(c, http.StatusServiceUnavailable, datatypes.ErrCodeStoreUnavailable,
				"challenge store unavailable")
			recordRequest(metrics, observability.EndpointChallenge, http.StatusServiceUnavailable)
			return
		}

		switch grant.Outcome {
		case challenge.IssueThrottled:
			recordChallengeMetric(metrics, string(grant.Outcome))
			c.Header("Retry-After", strconv.Itoa(grant.RetryAfter))
			writeError(c, http.StatusTooManyRequests, datatypes.ErrCodeRateLimited,
				"challenge requests too frequent")
			recordRequest(metrics, observability.EndpointChallenge, http.StatusTooManyRequests)
			return
		case challenge.IssueTooManyActive:
			recordChallengeMetric(metrics, string(grant.Outcome))
			c.Header("Retry-After", strconv.Itoa(grant.RetryAfter))
			writeError(c, http.StatusTooManyRequests, datatypes.ErrCodeRateLimited,
				"too many outstanding challenges; consume one or wait")
			recordRequest(metrics, observability.EndpointChallenge, http.StatusTooManyRequests)
			return
		}

		recordChallengeMetric(metrics, string(grant.Outcome))
		c.JSON(http.StatusOK, datatypes.ChallengeResponse{
			Challenge:        grant.Token,
			ExpiresInSeconds: grant.ExpiresIn,
		})
		recordRequest(metrics, observability.EndpointChallenge, http.StatusOK)
	}
}
