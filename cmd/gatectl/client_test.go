// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adminServer(t *testing.T) (*httptest.Server, *string) {
	t.Helper()
	var lastAuth string

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/admin/usage/{id}", func(w http.ResponseWriter, r *http.Request) {
		lastAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{
			"stable_id": r.PathValue("id"),
			"window_usd": 0.41, "day_usd": 1.25, "day_entries": 12,
		})
	})
	mux.HandleFunc("GET /api/v1/admin/limits/{scope}/{id}", func(w http.ResponseWriter, r *http.Request) {
		lastAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{
			"scope": r.PathValue("scope"), "identifier": r.PathValue("id"),
			"minute_count": 3, "hour_count": 40,
		})
	})
	mux.HandleFunc("DELETE /api/v1/admin/bans/{scope}/{ip}", func(w http.ResponseWriter, r *http.Request) {
		lastAuth = r.Header.Get("Authorization")
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "admin_unauthorized", "message": "valid admin token required",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "lifted"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &lastAuth
}

func TestAdminClient_Usage(t *testing.T) {
	srv, lastAuth := adminServer(t)
	c := newAdminClient(srv.URL, "tok")

	report, err := c.usage(context.Background(), "stable123")
	require.NoError(t, err)
	assert.Equal(t, "stable123", report.StableID)
	assert.InDelta(t, 1.25, report.DayUSD, 1e-9)
	assert.Equal(t, "Bearer tok", *lastAuth)
}

func TestAdminClient_Limits(t *testing.T) {
	srv, _ := adminServer(t)
	c := newAdminClient(srv.URL, "tok")

	occ, err := c.limits(context.Background(), "chat", "stable123")
	require.NoError(t, err)
	assert.Equal(t, int64(3), occ.MinuteCount)
	assert.Equal(t, int64(40), occ.HourCount)
}

func TestAdminClient_ErrorEnvelope(t *testing.T) {
	srv, _ := adminServer(t)
	c := newAdminClient(srv.URL, "wrong")

	err := c.liftBan(context.Background(), "chat", "203.0.113.9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin_unauthorized")
}

func TestAdminClient_Unreachable(t *testing.T) {
	c := newAdminClient("http://127.0.0.1:1", "tok")
	_, err := c.usage(context.Background(), "stable123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway unreachable")
}

func TestWatchModel_Rows(t *testing.T) {
	m := newWatchModel(nil, "stable123", "chat", 0)

	var s snapshotMsg
	s.usage = usageReport{WindowUSD: 0.5, DayUSD: 2, DayEntries: 9,
		ThrottledFor: 30, ThrottleReason: "velocity"}
	s.limits.minute = 4
	s.limits.hour = 80

	rows := m.rows(s)
	require.Len(t, rows, 6)
	assert.Equal(t, "$0.5000", rows[0][1])
	assert.Equal(t, "velocity (30s)", rows[3][1])
	assert.Equal(t, "4", rows[4][1])
}
