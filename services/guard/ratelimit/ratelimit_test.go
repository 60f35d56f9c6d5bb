// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGate/services/guard/store"
)

func testService(t *testing.T) (*service, *miniredis.Miniredis, *int64) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { st.Close() })

	now := int64(1_700_000_000)
	svc := &service{
		store: st,
		now:   func() time.Time { return time.Unix(now, 0) },
	}
	return svc, mr, &now
}

// advance moves both the service clock and the store's TTL clock.
func advance(mr *miniredis.Miniredis, now *int64, d time.Duration) {
	*now += int64(d / time.Second)
	mr.FastForward(d)
}

func chatCheck(dedup string) Check {
	return Check{
		Scope:      "chat",
		Identifier: "stable123",
		IP:         "203.0.113.7",
		DedupKey:   dedup,
		Limits:     Limits{PerMinute: 3},
	}
}

func TestAllow_UnderLimit(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := svc.Allow(ctx, chatCheck(fmt.Sprintf("req-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, KindAllowed, d.Kind)
	}
}

func TestAllow_DenyAtLimit(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Allow(ctx, chatCheck(fmt.Sprintf("req-%d", i)))
		require.NoError(t, err)
	}

	d, err := svc.Allow(ctx, chatCheck("req-3"))
	require.NoError(t, err)

	assert.Equal(t, KindRateLimited, d.Kind)
	assert.Equal(t, "chat", d.Scope)
	assert.False(t, d.Global)
	assert.Equal(t, time.Minute, d.Window)
	assert.Equal(t, 3, d.Limit)
	assert.Equal(t, int64(3), d.Count)
	// All entries landed in the same second, so the oldest exits the
	// window one full minute from now.
	assert.Equal(t, 60, d.RetryAfter)
	assert.Equal(t, int64(1), d.ViolationCount)
	assert.NotZero(t, d.BanExpiresAt)
}

func TestAllow_DedupCountsOnce(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()

	c := chatCheck("same-request")
	c.Limits = Limits{PerMinute: 2}

	for i := 0; i < 5; i++ {
		d, err := svc.Allow(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, KindAllowed, d.Kind)
		assert.Equal(t, int64(1), d.Count)
	}
}

func TestAllow_WindowSlides(t *testing.T) {
	svc, mr, now := testService(t)
	ctx := context.Background()

	c := chatCheck("")
	c.Limits = Limits{PerMinute: 2}

	c.DedupKey = "req-0"
	_, err := svc.Allow(ctx, c)
	require.NoError(t, err)
	c.DedupKey = "req-1"
	_, err = svc.Allow(ctx, c)
	require.NoError(t, err)

	advance(mr, now, 61*time.Second)

	c.DedupKey = "req-2"
	d, err := svc.Allow(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, KindAllowed, d.Kind)
}

func TestAllow_BanBlocksSubsequentRequests(t *testing.T) {
	svc, _, now := testService(t)
	ctx := context.Background()

	c := chatCheck("")
	c.Limits = Limits{PerMinute: 1}

	c.DedupKey = "req-0"
	_, err := svc.Allow(ctx, c)
	require.NoError(t, err)
	c.DedupKey = "req-1"
	denied, err := svc.Allow(ctx, c)
	require.NoError(t, err)
	require.Equal(t, KindRateLimited, denied.Kind)

	// The violation armed a first-step ban; the next request never
	// reaches the window counters.
	c.DedupKey = "req-2"
	d, err := svc.Allow(ctx, c)
	require.NoError(t, err)

	assert.Equal(t, KindBanned, d.Kind)
	assert.Equal(t, 60, d.RetryAfter)
	assert.Equal(t, int64(1), d.ViolationCount)
	assert.Equal(t, *now+60, d.BanExpiresAt)
}

func TestAllow_ProgressiveEscalation(t *testing.T) {
	svc, mr, now := testService(t)
	ctx := context.Background()

	c := chatCheck("")
	c.Limits = Limits{PerMinute: 1}

	violate := func(round int) Decision {
		c.DedupKey = fmt.Sprintf("ok-%d", round)
		_, err := svc.Allow(ctx, c)
		require.NoError(t, err)
		c.DedupKey = fmt.Sprintf("over-%d", round)
		d, err := svc.Allow(ctx, c)
		require.NoError(t, err)
		require.Equal(t, KindRateLimited, d.Kind)
		return d
	}

	first := violate(1)
	assert.Equal(t, int64(1), first.ViolationCount)
	assert.Equal(t, *now+60, first.BanExpiresAt)

	// Wait out the first ban and the window; the 24h violation counter
	// survives, so the next violation escalates.
	advance(mr, now, 61*time.Second)
	second := violate(2)
	assert.Equal(t, int64(2), second.ViolationCount)
	assert.Equal(t, *now+300, second.BanExpiresAt)

	advance(mr, now, 301*time.Second)
	third := violate(3)
	assert.Equal(t, int64(3), third.ViolationCount)
	assert.Equal(t, *now+900, third.BanExpiresAt)
}

func TestAllow_GlobalPrecedesPerIdentifier(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()

	base := Check{
		Scope:    "chat",
		IP:       "203.0.113.7",
		Limits:   Limits{PerMinute: 10},
		Global:   Limits{PerMinute: 1},
		DedupKey: "req-0",
	}

	base.Identifier = "user-a"
	d, err := svc.Allow(ctx, base)
	require.NoError(t, err)
	require.Equal(t, KindAllowed, d.Kind)

	base.Identifier = "user-b"
	base.DedupKey = "req-1"
	d, err = svc.Allow(ctx, base)
	require.NoError(t, err)

	assert.Equal(t, KindRateLimited, d.Kind)
	assert.True(t, d.Global)

	// The global rejection must not burn user-b's own quota.
	n, err := svc.store.Client().ZCard(ctx, windowKey("chat", "user-b", suffixMinute)).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAllow_HourWindowTrips(t *testing.T) {
	svc, mr, now := testService(t)
	ctx := context.Background()

	c := chatCheck("")
	c.Limits = Limits{PerMinute: 10, PerHour: 2}

	for i := 0; i < 2; i++ {
		c.DedupKey = fmt.Sprintf("req-%d", i)
		_, err := svc.Allow(ctx, c)
		require.NoError(t, err)
	}

	// Slide past the minute window so only the hour budget can trip.
	advance(mr, now, 2*time.Minute)

	c.DedupKey = "req-2"
	d, err := svc.Allow(ctx, c)
	require.NoError(t, err)

	assert.Equal(t, KindRateLimited, d.Kind)
	assert.Equal(t, time.Hour, d.Window)
	assert.Equal(t, 2, d.Limit)
	// Oldest entry is 120s old; it exits the hour window in 3480s.
	assert.Equal(t, 3480, d.RetryAfter)
}

func TestAllow_ScopesAreIndependent(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()

	c := chatCheck("")
	c.Limits = Limits{PerMinute: 1}
	c.DedupKey = "req-0"
	_, err := svc.Allow(ctx, c)
	require.NoError(t, err)
	c.DedupKey = "req-1"
	denied, err := svc.Allow(ctx, c)
	require.NoError(t, err)
	require.Equal(t, KindRateLimited, denied.Kind)

	// The chat-scope ban does not bleed into the health scope.
	h := Check{
		Scope:      "health",
		Identifier: "stable123",
		IP:         "203.0.113.7",
		DedupKey:   "req-2",
		Limits:     Limits{PerMinute: 60},
	}
	d, err := svc.Allow(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, KindAllowed, d.Kind)
}

func TestAllow_RequiresFields(t *testing.T) {
	svc, _, _ := testService(t)

	_, err := svc.Allow(context.Background(), Check{Scope: "chat"})
	require.Error(t, err)
}

func TestAllow_StoreDownSurfacesError(t *testing.T) {
	mr := miniredis.RunT(t)
	st := store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	svc := &service{store: st, now: time.Now}
	mr.Close()

	_, err := svc.Allow(context.Background(), chatCheck("req-0"))
	require.Error(t, err)
	assert.True(t, store.IsUnavailable(err))
}
