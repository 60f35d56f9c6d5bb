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

// BanEvent describes a progressive ban or cost throttle taking effect.
type BanEvent struct {
	// Kind is "banned" or "cost_throttled".
	Kind string

	// Scope is the endpoint family the ban applies to.
	Scope string

	// ClientIP is the banned address. Empty for cost throttles, which
	// key on the stable identifier instead.
	ClientIP string

	// StableID is the throttled identifier. Empty for IP bans.
	StableID string

	// ViolationCount is the post-increment violation counter.
	ViolationCount int64

	// ExpiresAt is when the ban or throttle lifts.
	ExpiresAt time.Time
}

// BanNotifier delivers ban events to external systems (pagers, SIEMs,
// abuse dashboards).
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Error Handling
//
// Delivery failures must never affect the admission decision that
// produced the event.
type BanNotifier interface {
	// Notify delivers one event. Implementations should return quickly;
	// slow sinks belong behind a buffer.
	Notify(ctx context.Context, event BanEvent) error
}

// NopBanNotifier discards all events. Default for open source builds.
type NopBanNotifier struct{}

// Notify discards the event.
func (NopBanNotifier) Notify(_ context.Context, _ BanEvent) error { return nil }

var _ BanNotifier = NopBanNotifier{}
