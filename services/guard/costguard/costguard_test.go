// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package costguard

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

func advance(mr *miniredis.Miniredis, now *int64, d time.Duration) {
	*now += int64(d / time.Second)
	mr.FastForward(d)
}

func testPolicy() Policy {
	return Policy{ThresholdUSD: 0.01, DailyCapUSD: 0.13}
}

func TestCheckAndRecord_AllowsAndRecords(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()

	d, err := svc.CheckAndRecord(ctx, "hash02", "req-1", 0.004, testPolicy())
	require.NoError(t, err)
	assert.Equal(t, StatusAllowed, d.Status)
	assert.Zero(t, d.RetryAfter)

	members, err := svc.store.Client().ZRange(ctx, windowKey("hash02"), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "req-1|0.004|estimated", members[0])

	members, err = svc.store.Client().ZRange(ctx, dailyKey("hash02"), 0, -1).Result()
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestCheckAndRecord_WindowThresholdTrips(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()
	p := testPolicy()

	for i := 0; i < 2; i++ {
		d, err := svc.CheckAndRecord(ctx, "hash02", fmt.Sprintf("req-%d", i), 0.004, p)
		require.NoError(t, err)
		require.Equal(t, StatusAllowed, d.Status)
	}

	d, err := svc.CheckAndRecord(ctx, "hash02", "req-2", 0.004, p)
	require.NoError(t, err)
	assert.Equal(t, StatusWindowExceeded, d.Status)
	assert.Equal(t, 30, d.RetryAfter)

	// The denied request's estimate is not recorded.
	n, err := svc.store.Client().ZCard(ctx, windowKey("hash02")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// While the flag lives, further checks report the throttle without
	// touching the windows.
	d, err = svc.CheckAndRecord(ctx, "hash02", "req-3", 0.004, p)
	require.NoError(t, err)
	assert.Equal(t, StatusThrottled, d.Status)
	assert.Equal(t, "window_threshold_exceeded", d.Reason)
	assert.LessOrEqual(t, d.RetryAfter, 30)
	assert.Positive(t, d.RetryAfter)
}

func TestCheckAndRecord_DailyCapCheckedFirst(t *testing.T) {
	svc, _, _ := testService(t)

	// The estimate crosses both budgets; the cap wins.
	p := Policy{ThresholdUSD: 0.012, DailyCapUSD: 0.013}
	d, err := svc.CheckAndRecord(context.Background(), "hash02", "req-1", 0.014, p)
	require.NoError(t, err)

	assert.Equal(t, StatusDailyCapExceeded, d.Status)
	assert.Equal(t, 60, d.RetryAfter)
}

func TestCheckAndRecord_WindowReleasesSpend(t *testing.T) {
	svc, mr, now := testService(t)
	ctx := context.Background()
	p := testPolicy()

	for i := 0; i < 2; i++ {
		_, err := svc.CheckAndRecord(ctx, "hash02", fmt.Sprintf("req-%d", i), 0.004, p)
		require.NoError(t, err)
	}
	d, err := svc.CheckAndRecord(ctx, "hash02", "req-2", 0.004, p)
	require.NoError(t, err)
	require.Equal(t, StatusWindowExceeded, d.Status)

	// Once the short window slides past the old spend, the identifier
	// is admitted again; the daily window still remembers it.
	advance(mr, now, 601*time.Second)
	d, err = svc.CheckAndRecord(ctx, "hash02", "req-3", 0.004, p)
	require.NoError(t, err)
	assert.Equal(t, StatusAllowed, d.Status)

	u, err := svc.Usage(ctx, "hash02", p)
	require.NoError(t, err)
	assert.InDelta(t, 0.004, u.WindowUSD, 1e-9)
	assert.InDelta(t, 0.012, u.DayUSD, 1e-9)
}

func TestCheckAndRecord_SameRequestIDReplaces(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()
	p := testPolicy()

	for i := 0; i < 2; i++ {
		d, err := svc.CheckAndRecord(ctx, "hash02", "req-1", 0.004, p)
		require.NoError(t, err)
		require.Equal(t, StatusAllowed, d.Status)
	}

	n, err := svc.store.Client().ZCard(ctx, windowKey("hash02")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestReconcile_ReplacesEstimate(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()
	p := testPolicy()

	_, err := svc.CheckAndRecord(ctx, "hash02", "req-1", 0.004, p)
	require.NoError(t, err)

	replaced, err := svc.Reconcile(ctx, "hash02", "req-1", 0.009, p)
	require.NoError(t, err)
	assert.True(t, replaced)

	for _, key := range []string{windowKey("hash02"), dailyKey("hash02")} {
		members, err := svc.store.Client().ZRange(ctx, key, 0, -1).Result()
		require.NoError(t, err)
		require.Len(t, members, 1)
		assert.Equal(t, "req-1|0.009|actual", members[0])
	}

	// The settled amount now counts against the threshold.
	d, err := svc.CheckAndRecord(ctx, "hash02", "req-2", 0.004, p)
	require.NoError(t, err)
	assert.Equal(t, StatusWindowExceeded, d.Status)
}

func TestReconcile_WithoutEstimateInsertsFresh(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()

	replaced, err := svc.Reconcile(ctx, "hash02", "req-9", 0.002, testPolicy())
	require.NoError(t, err)
	assert.False(t, replaced)

	u, err := svc.Usage(ctx, "hash02", testPolicy())
	require.NoError(t, err)
	assert.InDelta(t, 0.002, u.DayUSD, 1e-9)
}

func TestReconcile_IsIdempotent(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()
	p := testPolicy()

	_, err := svc.CheckAndRecord(ctx, "hash02", "req-1", 0.004, p)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := svc.Reconcile(ctx, "hash02", "req-1", 0.009, p)
		require.NoError(t, err)
	}

	n, err := svc.store.Client().ZCard(ctx, dailyKey("hash02")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUsage_ReportsThrottleState(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()
	p := testPolicy()

	u, err := svc.Usage(ctx, "hash02", p)
	require.NoError(t, err)
	assert.Zero(t, u.ThrottledFor)
	assert.Empty(t, u.ThrottleReason)

	_, err = svc.CheckAndRecord(ctx, "hash02", "req-1", 0.02, Policy{ThresholdUSD: 0.01, DailyCapUSD: 0.25})
	require.NoError(t, err)

	u, err = svc.Usage(ctx, "hash02", p)
	require.NoError(t, err)
	assert.Positive(t, u.ThrottledFor)
	assert.Equal(t, "window_threshold_exceeded", u.ThrottleReason)
}

func TestCostguard_StoreDownSurfacesError(t *testing.T) {
	mr := miniredis.RunT(t)
	st := store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	svc := &service{store: st, now: time.Now}
	mr.Close()

	_, err := svc.CheckAndRecord(context.Background(), "hash02", "req-1", 0.004, testPolicy())
	require.Error(t, err)
	assert.True(t, store.IsUnavailable(err))
}
