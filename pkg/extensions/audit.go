// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"time"
)

// AuditEvent represents a security-relevant admission event for
// compliance logging.
//
// # Event Categories
//
// Events are categorized by type for filtering and alerting:
//   - Admission: "admission.allowed", "admission.denied"
//   - Challenge: "challenge.issued", "challenge.consumed", "challenge.rejected"
//   - Limits: "limits.rate_limited", "limits.banned", "limits.cost_throttled"
//   - Webhook: "webhook.accepted", "webhook.rejected"
//   - Admin: "admin.authorized", "admin.unauthorized"
//
// # Compliance Fields
//
// For audit trail integrity, always populate Timestamp, RequestID,
// and StableID. The stable identifier is a browser-derived hash, not
// a user identity; treat it as pseudonymous data.
type AuditEvent struct {
	// EventType categorizes the event for filtering and alerting.
	// Format: "category.action" (e.g., "admission.denied").
	EventType string

	// Timestamp is when the event occurred (always use UTC).
	// If zero, implementations should set to time.Now().UTC().
	Timestamp time.Time

	// RequestID correlates the event with server logs and traces.
	RequestID string

	// StableID is the pseudonymous identifier the decision keyed on.
	StableID string

	// ClientIP is the trust-validated client address.
	ClientIP string

	// Scope is the endpoint family involved (chat, challenge, admin).
	Scope string

	// Outcome indicates the result of the admission step.
	// Values: "allowed", "denied", "degraded", "error".
	Outcome string

	// Reason carries the taxonomy kind behind a denial
	// (rate_limited, banned, cost_throttled, invalid_challenge, ...).
	Reason string

	// Metadata holds additional event-specific data.
	//
	// Common metadata keys:
	//   - "retry_after_seconds": seconds until a denied client may retry
	//   - "violation_count": the IP's current violation counter
	//   - "injection_detected": sanitizer flag
	//   - "strict_profile": bot-check degradation marker
	Metadata map[string]any
}

// AuditLogger records admission events for compliance and forensics.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the gateway logs
// from every request goroutine.
//
// # Error Handling
//
// Log failures must never block or fail the request being audited.
// Implementations should buffer, drop with a metric, or both.
type AuditLogger interface {
	// Log records one event. The context carries the request deadline;
	// implementations must not outlive it on the request path.
	Log(ctx context.Context, event AuditEvent) error
}

// NopAuditLogger discards all events. Default for open source builds.
type NopAuditLogger struct{}

// Log discards the event.
func (NopAuditLogger) Log(_ context.Context, _ AuditEvent) error { return nil }

var _ AuditLogger = NopAuditLogger{}
