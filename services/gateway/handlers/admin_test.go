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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGate/services/guard/config"
	"github.com/AleutianAI/AleutianGate/services/guard/ratelimit"
)

func adminRouter(e *env) *gin.Engine {
	inspector := ratelimit.NewInspector(e.limiter)
	r := gin.New()
	admin := r.Group("/api/v1/admin")
	admin.GET("/usage/:stable_id", HandleAdminUsage(e.cost, e.live))
	admin.GET("/limits/:scope/:id", HandleAdminLimits(inspector))
	admin.DELETE("/bans/:scope/:ip", HandleAdminLiftBan(inspector))
	admin.GET("/config", HandleAdminGetConfig(e.live))
	admin.PUT("/config/:key", HandleAdminSetConfig(e.live))
	return r
}

func TestHandleAdminUsage(t *testing.T) {
	e := newEnv(t, config.Defaults())
	r := adminRouter(e)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/usage/stable123", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "stable123", body["stable_id"])
	assert.EqualValues(t, 0, body["day_usd"])
}

func TestHandleAdminLimits(t *testing.T) {
	e := newEnv(t, config.Defaults())
	r := adminRouter(e)

	// Put two entries in the chat window first.
	for _, dedup := range []string{"fp-1", "fp-2"} {
		_, err := e.limiter.Allow(context.Background(), ratelimit.Check{
			Scope:      "chat",
			Identifier: "stable123",
			IP:         "203.0.113.7",
			DedupKey:   dedup,
			Limits:     ratelimit.Limits{PerMinute: 10, PerHour: 100},
		})
		require.NoError(t, err)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/limits/chat/stable123", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var occ ratelimit.Occupancy
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &occ))
	assert.EqualValues(t, 2, occ.MinuteCount)
	assert.EqualValues(t, 2, occ.HourCount)
}

func TestHandleAdminLiftBan(t *testing.T) {
	e := newEnv(t, config.Defaults())
	r := adminRouter(e)

	// Arm a ban by blowing a one-per-minute budget.
	check := ratelimit.Check{
		Scope:      "chat",
		Identifier: "stable123",
		IP:         "203.0.113.7",
		Limits:     ratelimit.Limits{PerMinute: 1},
	}
	check.DedupKey = "fp-1"
	_, err := e.limiter.Allow(context.Background(), check)
	require.NoError(t, err)
	check.DedupKey = "fp-2"
	decision, err := e.limiter.Allow(context.Background(), check)
	require.NoError(t, err)
	require.Equal(t, ratelimit.KindRateLimited, decision.Kind)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/admin/bans/chat/203.0.113.7", nil))
	require.Equal(t, http.StatusOK, w.Code)

	inspector := ratelimit.NewInspector(e.limiter)
	status, err := inspector.BanStatus(context.Background(), "chat", "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, status.Banned)
	assert.Zero(t, status.ViolationCount)
}

func TestHandleAdminConfig_RoundTrip(t *testing.T) {
	e := newEnv(t, config.Defaults())
	r := adminRouter(e)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/v1/admin/config/rate_limit_per_minute",
		strings.NewReader(`{"value":"25"}`)))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, 25, e.live.Current().ChatPerMinute,
		"the override takes effect on the reload SetOverride triggers")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/config", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Overrides map[string]string `json:"overrides"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "25", body.Overrides["rate_limit_per_minute"])
}

func TestHandleAdminSetConfig_UnknownKey(t *testing.T) {
	e := newEnv(t, config.Defaults())
	r := adminRouter(e)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/v1/admin/config/no_such_knob",
		strings.NewReader(`{"value":"1"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleAdminSetConfig_MissingValue(t *testing.T) {
	e := newEnv(t, config.Defaults())
	r := adminRouter(e)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/v1/admin/config/rate_limit_per_minute",
		strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleAdmin_RejectsMalformedIdentifiers(t *testing.T) {
	e := newEnv(t, config.Defaults())
	r := adminRouter(e)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/usage/bad%2Aid", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/limits/CHAT/stable123", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/admin/bans/chat/not-an-ip", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
