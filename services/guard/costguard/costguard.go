// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package costguard tracks per-identifier LLM spend and throttles
// identifiers that exceed a short-window threshold or the daily cap.
//
// Spend is recorded twice per request: an estimate before dispatch and
// the settled amount after. Both live in rolling windows keyed by the
// stable identifier, so rotating challenges or IPs does not reset an
// identifier's budget. Every mutation is a single store script.
package costguard

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianGate/services/guard/store"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// windowKeyPrefix namespaces the short-window cost zsets.
	windowKeyPrefix = "cw:"
	// dailyKeyPrefix namespaces the rolling-day cost zsets.
	dailyKeyPrefix = "cd:"
	// throttleKeyPrefix namespaces the throttle flags.
	throttleKeyPrefix = "cost_throttled:"
)

// =============================================================================
// Types
// =============================================================================

// Policy holds the spend budgets. Zero values take defaults.
type Policy struct {
	// Window is the short rolling window the threshold applies to.
	Window time.Duration
	// Day is the rolling window the daily cap applies to.
	Day time.Duration
	// ThresholdUSD is the soft spend limit inside Window.
	ThresholdUSD float64
	// DailyCapUSD is the hard spend limit inside Day.
	DailyCapUSD float64
	// ThrottleTTL is how long a threshold breach blocks the identifier.
	ThrottleTTL time.Duration
	// CapTTL is how long a daily-cap breach blocks the identifier.
	CapTTL time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.Window <= 0 {
		p.Window = 600 * time.Second
	}
	if p.Day <= 0 {
		p.Day = 86400 * time.Second
	}
	if p.ThresholdUSD <= 0 {
		p.ThresholdUSD = 0.01
	}
	if p.DailyCapUSD <= 0 {
		p.DailyCapUSD = 0.13
	}
	if p.ThrottleTTL <= 0 {
		p.ThrottleTTL = 30 * time.Second
	}
	if p.CapTTL <= 0 {
		p.CapTTL = 60 * time.Second
	}
	return p
}

// Status tags a cost decision.
type Status string

const (
	// StatusAllowed admits the request; the estimate was recorded.
	StatusAllowed Status = "allowed"
	// StatusThrottled means an earlier breach's flag is still live.
	StatusThrottled Status = "throttled"
	// StatusWindowExceeded means this request would cross the
	// short-window threshold.
	StatusWindowExceeded Status = "window_threshold_exceeded"
	// StatusDailyCapExceeded means this request would cross the daily
	// cap.
	StatusDailyCapExceeded Status = "daily_cap_exceeded"
)

// Decision is the outcome of a cost check.
type Decision struct {
	Status Status
	// RetryAfter is seconds until the throttle lifts, zero when
	// allowed.
	RetryAfter int
	// Reason is the original breach behind an existing throttle flag.
	Reason string
}

// Denied reports whether the request must not be dispatched.
func (d Decision) Denied() bool { return d.Status != StatusAllowed }

// Usage is a read-only spend report for one identifier.
type Usage struct {
	WindowUSD      float64
	DayUSD         float64
	DayEntries     int64
	ThrottledFor   int
	ThrottleReason string
}

// Service meters spend per stable identifier.
//
// # Thread Safety
//
// Safe for concurrent use; every operation is one atomic script.
type Service interface {
	// CheckAndRecord admits or denies one request and, when admitting,
	// records its estimate in both windows. Retrying with the same
	// request ID replaces the prior record instead of double counting.
	// A non-nil error means the store could not decide; callers treat
	// that as allowed and record the degradation.
	CheckAndRecord(ctx context.Context, stableID, requestID string, estimatedUSD float64, p Policy) (Decision, error)

	// Reconcile replaces the request's estimate with the settled
	// amount at the current time. It reports whether a prior record
	// was replaced; false means the estimate had already expired or
	// was never recorded, and the actual was inserted fresh.
	Reconcile(ctx context.Context, stableID, requestID string, actualUSD float64, p Policy) (bool, error)

	// Usage reports the identifier's current spend and throttle state.
	Usage(ctx context.Context, stableID string, p Policy) (Usage, error)
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	store *store.Store
	now   func() time.Time
}

// New creates the cost guard Service.
func New(st *store.Store) Service {
	if st == nil {
		panic("costguard: store is required")
	}
	return &service{store: st, now: time.Now}
}

func (s *service) CheckAndRecord(ctx context.Context, stableID, requestID string, estimatedUSD float64, p Policy) (Decision, error) {
	if stableID == "" || requestID == "" {
		return Decision{}, fmt.Errorf("costguard: stable id and request id are required")
	}
	if estimatedUSD < 0 {
		return Decision{}, fmt.Errorf("costguard: negative estimate %f", estimatedUSD)
	}
	p = p.withDefaults()

	res, err := checkScript.Run(ctx, s.store.Client(),
		[]string{windowKey(stableID), dailyKey(stableID), throttleKey(stableID)},
		s.now().Unix(),
		int64(p.Window/time.Second),
		int64(p.Day/time.Second),
		formatUSD(p.ThresholdUSD),
		formatUSD(p.DailyCapUSD),
		int64(p.ThrottleTTL/time.Second),
		int64(p.CapTTL/time.Second),
		requestID,
		formatUSD(estimatedUSD),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("cost check: %w", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return Decision{}, fmt.Errorf("cost check: unexpected reply %T", res)
	}
	status, _ := arr[0].(string)
	retry, _ := arr[1].(int64)
	reason, _ := arr[2].(string)

	d := Decision{RetryAfter: int(retry), Reason: reason}
	switch status {
	case "allowed":
		d.Status = StatusAllowed
	case "throttled":
		d.Status = StatusThrottled
	case "window_threshold_exceeded":
		d.Status = StatusWindowExceeded
	case "daily_cap_exceeded":
		d.Status = StatusDailyCapExceeded
	default:
		return Decision{}, fmt.Errorf("cost check: unexpected status %q", status)
	}
	return d, nil
}

func (s *service) Reconcile(ctx context.Context, stableID, requestID string, actualUSD float64, p Policy) (bool, error) {
	if stableID == "" || requestID == "" {
		return false, fmt.Errorf("costguard: stable id and request id are required")
	}
	if actualUSD < 0 {
		actualUSD = 0
	}
	p = p.withDefaults()

	res, err := reconcileScript.Run(ctx, s.store.Client(),
		[]string{windowKey(stableID), dailyKey(stableID)},
		s.now().Unix(),
		int64(p.Window/time.Second),
		int64(p.Day/time.Second),
		requestID,
		formatUSD(actualUSD),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("cost reconcile: %w", err)
	}
	return res > 0, nil
}

func (s *service) Usage(ctx context.Context, stableID string, p Policy) (Usage, error) {
	if stableID == "" {
		return Usage{}, fmt.Errorf("costguard: stable id is required")
	}
	p = p.withDefaults()

	res, err := usageScript.Run(ctx, s.store.Client(),
		[]string{windowKey(stableID), dailyKey(stableID), throttleKey(stableID)},
		s.now().Unix(),
		int64(p.Window/time.Second),
		int64(p.Day/time.Second),
	).Result()
	if err != nil {
		return Usage{}, fmt.Errorf("cost usage: %w", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 5 {
		return Usage{}, fmt.Errorf("cost usage: unexpected reply %T", res)
	}
	var u Usage
	if s, ok := arr[0].(string); ok {
		u.WindowUSD, _ = strconv.ParseFloat(s, 64)
	}
	if s, ok := arr[1].(string); ok {
		u.DayUSD, _ = strconv.ParseFloat(s, 64)
	}
	if n, ok := arr[2].(int64); ok {
		u.DayEntries = n
	}
	if n, ok := arr[3].(int64); ok {
		u.ThrottledFor = int(n)
	}
	if s, ok := arr[4].(string); ok {
		u.ThrottleReason = s
	}
	return u, nil
}

func formatUSD(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func windowKey(stableID string) string { return windowKeyPrefix + stableID }

func dailyKey(stableID string) string { return dailyKeyPrefix + stableID }

func throttleKey(stableID string) string { return throttleKeyPrefix + stableID }

var _ Service = (*service)(nil)
