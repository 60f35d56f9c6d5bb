// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// =============================================================================
// Error Envelope
// =============================================================================

// Error codes carried in ErrorResponse.Error. Stable identifiers that
// clients branch on; Message is the human-readable part.
const (
	ErrCodeInvalidRequest      = "invalid_request"
	ErrCodeSanitizationFailed  = "sanitization_failed"
	ErrCodeInvalidChallenge    = "invalid_challenge"
	ErrCodeChallengeMismatch   = "challenge_mismatch"
	ErrCodeRateLimited         = "rate_limited"
	ErrCodeBanned              = "banned"
	ErrCodeCostThrottled       = "cost_throttled"
	ErrCodeDailyCapExceeded    = "daily_cap_exceeded"
	ErrCodeStoreUnavailable    = "store_unavailable"
	ErrCodeAdminUnauthorized   = "admin_unauthorized"
	ErrCodeWebhookBadSignature = "webhook_bad_signature"
	ErrCodeWebhookStale        = "webhook_stale"
	ErrCodeWebhookReplayed     = "webhook_replayed"
	ErrCodeNotFound            = "not_found"
	ErrCodeMethodNotAllowed    = "method_not_allowed"
	ErrCodeInternal            = "internal_error"
)

// LimitInfo echoes the limits a rejected caller was judged against.
type LimitInfo struct {
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
}

// ErrorResponse is the envelope for every non-2xx JSON body the
// gateway returns.
//
// # Description
//
// Only Error and Message are always present. The remaining fields are
// populated per denial kind: Limits and ViolationCount on rate-limit
// rejections, BanExpiresAt on bans, RetryAfterSeconds on anything that
// also sets a Retry-After header, RequiresVerification when the bot
// check demands a Turnstile token.
type ErrorResponse struct {
	Error                string     `json:"error"`
	Message              string     `json:"message"`
	RequestID            string     `json:"request_id,omitempty"`
	Limits               *LimitInfo `json:"limits,omitempty"`
	ViolationCount       int        `json:"violation_count,omitempty"`
	BanExpiresAt         int64      `json:"ban_expires_at,omitempty"`
	RetryAfterSeconds    int        `json:"retry_after_seconds,omitempty"`
	RequiresVerification bool       `json:"requires_verification,omitempty"`
}

// NewError creates a minimal ErrorResponse.
func NewError(code, message string) *ErrorResponse {
	return &ErrorResponse{Error: code, Message: message}
}
