// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the live-tunable admission limits.
//
// Limits start from environment defaults and are overlaid with values
// from the store (keys prefixed "cfg:"), so operators can retune a
// running fleet without a rollout. A background refresher rebuilds the
// snapshot on an interval and swaps an atomic pointer; request
// handlers read the current snapshot without locks. A store outage
// keeps the last snapshot in place.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianGate/services/guard/store"
)

// =============================================================================
// Constants
// =============================================================================

// ErrBadValue reports an override value that does not parse for its
// key.
var ErrBadValue = errors.New("invalid config value")

const (
	// keyPrefix namespaces the override keys in the store.
	keyPrefix = "cfg:"

	// DefaultRefreshInterval is how often the snapshot is rebuilt.
	DefaultRefreshInterval = 30 * time.Second
)

// =============================================================================
// Snapshot
// =============================================================================

// Snapshot is one immutable view of the tunable limits.
//
// Readers must treat it as read-only; the refresher replaces the whole
// struct rather than mutating fields.
type Snapshot struct {
	// Per-identifier chat windows.
	ChatPerMinute int
	ChatPerHour   int

	// Strict profile applied after a failed bot-check.
	StrictPerMinute int
	StrictPerHour   int

	// Challenge issuance windows.
	ChallengePerMinute int
	ChallengePerHour   int

	// Operational scopes (minute windows only).
	HealthPerMinute  int
	MetricsPerMinute int
	ProbePerMinute   int
	AdminPerMinute   int

	// Shared global windows for the chat scope.
	GlobalEnabled   bool
	GlobalPerMinute int
	GlobalPerHour   int

	// Challenge issuance policy.
	ChallengeEnabled        bool
	ChallengeTTLSeconds     int
	ChallengeSpacingSeconds int
	ChallengeMaxActive      int

	// Bot-check toggle.
	TurnstileEnabled bool

	// Cost throttling policy.
	CostEnabled            bool
	CostThresholdUSD       float64
	CostDailyCapUSD        float64
	CostWindowSeconds      int
	CostThrottleSeconds    int
	CostCapThrottleSeconds int
}

// Defaults returns the production default snapshot. Environment parsing
// in cmd/gateway overlays these before the service starts.
func Defaults() Snapshot {
	return Snapshot{
		ChatPerMinute:      60,
		ChatPerHour:        1000,
		StrictPerMinute:    6,
		StrictPerHour:      60,
		ChallengePerMinute: 10,
		ChallengePerHour:   100,
		HealthPerMinute:    60,
		MetricsPerMinute:   30,
		ProbePerMinute:     120,
		AdminPerMinute:     30,

		GlobalEnabled:   true,
		GlobalPerMinute: 100,
		GlobalPerHour:   10000,

		ChallengeEnabled:        true,
		ChallengeTTLSeconds:     300,
		ChallengeSpacingSeconds: 1,
		ChallengeMaxActive:      15,

		TurnstileEnabled: false,

		CostEnabled:            true,
		CostThresholdUSD:       0.01,
		CostDailyCapUSD:        0.13,
		CostWindowSeconds:      600,
		CostThrottleSeconds:    30,
		CostCapThrottleSeconds: 60,
	}
}

// =============================================================================
// Override Keys
// =============================================================================

// overrideKeys maps store override names onto snapshot fields. The
// names double as the admin API's config keys.
var overrideKeys = map[string]func(s *Snapshot, raw string) error{
	"rate_limit_per_minute":        intField(func(s *Snapshot, v int) { s.ChatPerMinute = v }),
	"rate_limit_per_hour":          intField(func(s *Snapshot, v int) { s.ChatPerHour = v }),
	"strict_rate_limit_per_minute": intField(func(s *Snapshot, v int) { s.StrictPerMinute = v }),
	"strict_rate_limit_per_hour":   intField(func(s *Snapshot, v int) { s.StrictPerHour = v }),
	"challenge_rate_per_minute":    intField(func(s *Snapshot, v int) { s.ChallengePerMinute = v }),
	"challenge_rate_per_hour":      intField(func(s *Snapshot, v int) { s.ChallengePerHour = v }),
	"health_rate_per_minute":       intField(func(s *Snapshot, v int) { s.HealthPerMinute = v }),
	"metrics_rate_per_minute":      intField(func(s *Snapshot, v int) { s.MetricsPerMinute = v }),
	"probe_rate_per_minute":        intField(func(s *Snapshot, v int) { s.ProbePerMinute = v }),
	"admin_rate_per_minute":        intField(func(s *Snapshot, v int) { s.AdminPerMinute = v }),

	"enable_global_rate_limit":     boolField(func(s *Snapshot, v bool) { s.GlobalEnabled = v }),
	"global_rate_limit_per_minute": intField(func(s *Snapshot, v int) { s.GlobalPerMinute = v }),
	"global_rate_limit_per_hour":   intField(func(s *Snapshot, v int) { s.GlobalPerHour = v }),

	"enable_challenge_response":              boolField(func(s *Snapshot, v bool) { s.ChallengeEnabled = v }),
	"challenge_ttl_seconds":                  intField(func(s *Snapshot, v int) { s.ChallengeTTLSeconds = v }),
	"challenge_request_rate_limit_seconds":   intField(func(s *Snapshot, v int) { s.ChallengeSpacingSeconds = v }),
	"max_active_challenges_per_identifier":   intField(func(s *Snapshot, v int) { s.ChallengeMaxActive = v }),

	"enable_turnstile": boolField(func(s *Snapshot, v bool) { s.TurnstileEnabled = v }),

	"enable_cost_throttling":        boolField(func(s *Snapshot, v bool) { s.CostEnabled = v }),
	"high_cost_threshold_usd":       floatField(func(s *Snapshot, v float64) { s.CostThresholdUSD = v }),
	"daily_cost_limit_usd":          floatField(func(s *Snapshot, v float64) { s.CostDailyCapUSD = v }),
	"high_cost_window_seconds":      intField(func(s *Snapshot, v int) { s.CostWindowSeconds = v }),
	"cost_throttle_duration_seconds": intField(func(s *Snapshot, v int) { s.CostThrottleSeconds = v }),
	"daily_cap_duration_seconds":    intField(func(s *Snapshot, v int) { s.CostCapThrottleSeconds = v }),
}

func intField(set func(*Snapshot, int)) func(*Snapshot, string) error {
	return func(s *Snapshot, raw string) error {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return fmt.Errorf("expected non-negative integer, got %q", raw)
		}
		set(s, v)
		return nil
	}
}

func floatField(set func(*Snapshot, float64)) func(*Snapshot, string) error {
	return func(s *Snapshot, raw string) error {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			return fmt.Errorf("expected non-negative number, got %q", raw)
		}
		set(s, v)
		return nil
	}
}

func boolField(set func(*Snapshot, bool)) func(*Snapshot, string) error {
	return func(s *Snapshot, raw string) error {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("expected boolean, got %q", raw)
		}
		set(s, v)
		return nil
	}
}

// Keys returns the recognized override names, sorted. The admin config
// endpoints validate against this list.
func Keys() []string {
	keys := make([]string, 0, len(overrideKeys))
	for k := range overrideKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsKey reports whether name is a recognized override.
func IsKey(name string) bool {
	_, ok := overrideKeys[name]
	return ok
}

// =============================================================================
// Service
// =============================================================================

// Service serves the current snapshot and keeps it fresh.
//
// # Thread Safety
//
// Safe for concurrent use. Current() is a single atomic load.
type Service struct {
	store    *store.Store
	defaults Snapshot
	current  atomic.Pointer[Snapshot]

	stopOnce sync.Once
	done     chan struct{}
}

// New creates the config Service seeded with defaults. The store may
// be nil in tests; Reload then keeps the defaults.
func New(st *store.Store, defaults Snapshot) *Service {
	s := &Service{
		store:    st,
		defaults: defaults,
		done:     make(chan struct{}),
	}
	snap := defaults
	s.current.Store(&snap)
	return s
}

// Current returns the active snapshot. Never nil.
func (s *Service) Current() *Snapshot {
	return s.current.Load()
}

// Reload rebuilds the snapshot from defaults plus store overrides and
// swaps it in. A store error keeps the previous snapshot and is
// returned for the caller to log.
func (s *Service) Reload(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	names := Keys()
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = keyPrefix + n
	}

	values, err := s.store.Client().MGet(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("loading config overrides: %w", err)
	}

	snap := s.defaults
	for i, raw := range values {
		if raw == nil {
			continue
		}
		str, ok := raw.(string)
		if !ok {
			continue
		}
		if err := overrideKeys[names[i]](&snap, str); err != nil {
			slog.Warn("Ignoring malformed config override",
				"key", names[i],
				"error", err)
		}
	}

	s.current.Store(&snap)
	return nil
}

// Start runs the background refresher until Stop or ctx cancellation.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Reload(ctx); err != nil {
					slog.Warn("Config refresh failed; keeping previous snapshot",
						"error", err)
				}
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}()
}

// Stop halts the refresher. Safe to call multiple times.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// =============================================================================
// Admin Overrides
// =============================================================================

// SetOverride validates and writes one override, then reloads so the
// change is visible to this replica immediately. Other replicas pick
// it up on their next refresh.
func (s *Service) SetOverride(ctx context.Context, name, value string) error {
	apply, ok := overrideKeys[name]
	if !ok {
		return fmt.Errorf("unknown config key %q", name)
	}

	// Validate against a scratch snapshot before persisting.
	scratch := s.defaults
	if err := apply(&scratch, value); err != nil {
		return fmt.Errorf("%w for %s: %v", ErrBadValue, name, err)
	}

	if s.store == nil {
		return fmt.Errorf("config overrides require the store")
	}
	if err := s.store.Client().Set(ctx, keyPrefix+name, value, 0).Err(); err != nil {
		return fmt.Errorf("writing config override: %w", err)
	}
	return s.Reload(ctx)
}

// ClearOverride removes one override and reloads.
func (s *Service) ClearOverride(ctx context.Context, name string) error {
	if !IsKey(name) {
		return fmt.Errorf("unknown config key %q", name)
	}
	if s.store == nil {
		return fmt.Errorf("config overrides require the store")
	}
	if err := s.store.Client().Del(ctx, keyPrefix+name).Err(); err != nil {
		return fmt.Errorf("clearing config override: %w", err)
	}
	return s.Reload(ctx)
}

// Overrides returns the overrides currently present in the store.
func (s *Service) Overrides(ctx context.Context) (map[string]string, error) {
	if s.store == nil {
		return map[string]string{}, nil
	}

	names := Keys()
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = keyPrefix + n
	}

	values, err := s.store.Client().MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("listing config overrides: %w", err)
	}

	out := make(map[string]string)
	for i, raw := range values {
		if str, ok := raw.(string); ok {
			out[names[i]] = str
		}
	}
	return out, nil
}
