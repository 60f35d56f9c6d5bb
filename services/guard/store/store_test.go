// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresAddr(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "addr is required")
}

func TestNew_AppliesTimeoutDefaults(t *testing.T) {
	st, err := New(Config{Addr: "localhost:6379"})
	require.NoError(t, err)
	require.NotNil(t, st.Client())
}

func TestStore_PingAndHealthy(t *testing.T) {
	mr := miniredis.RunT(t)
	st := NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.Ping(ctx))
	assert.True(t, st.Healthy(ctx))

	mr.Close()
	assert.Error(t, st.Ping(ctx))
	assert.False(t, st.Healthy(ctx))
}

func TestIsUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil error", err: nil, want: false},
		{name: "redis nil miss", err: redis.Nil, want: false},
		{name: "wrapped redis nil", err: errors.Join(errors.New("lookup"), redis.Nil), want: false},
		{name: "network error", err: errors.New("dial tcp: connection refused"), want: true},
		{name: "context deadline", err: context.DeadlineExceeded, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUnavailable(tt.err))
		})
	}
}
