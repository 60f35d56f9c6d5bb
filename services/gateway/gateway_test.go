// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
)

// testService assembles a full gateway against miniredis with exporters
// off. Metrics stay disabled so repeated construction does not collide
// in the default prometheus registry.
func testService(t *testing.T) Service {
	t.Helper()
	t.Setenv("ALEUTIAN_INSECURE_MEMORY", "true")
	t.Setenv("OTEL_TRACES_EXPORTER", "none")
	t.Setenv("OTEL_METRICS_EXPORTER", "none")
	t.Setenv("GATEWAY_ADMIN_TOKENS", "admin-tok")
	t.Setenv("GATEWAY_WEBHOOK_SECRET", "whsec")

	mr := miniredis.RunT(t)

	svc, err := New(Config{
		GinMode:       gin.TestMode,
		RedisAddr:     mr.Addr(),
		OpenAIBaseURL: "http://localhost:1/v1",
	}, nil)
	require.NoError(t, err)
	return svc
}

func TestNew_WiresRoutes(t *testing.T) {
	svc := testService(t)
	r := svc.Router()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/challenge", nil)
	req.Header.Set("X-Fingerprint", "fp:v2:stable123")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.ChallengeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Challenge)
}

func TestNew_AdminTokenFromEnv(t *testing.T) {
	svc := testService(t)
	r := svc.Router()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/config", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/config", nil)
	req.Header.Set("Authorization", "Bearer admin-tok")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNew_RequiresChatBackend(t *testing.T) {
	t.Setenv("ALEUTIAN_INSECURE_MEMORY", "true")
	t.Setenv("OTEL_TRACES_EXPORTER", "none")
	t.Setenv("OTEL_METRICS_EXPORTER", "none")

	mr := miniredis.RunT(t)

	_, err := New(Config{GinMode: gin.TestMode, RedisAddr: mr.Addr()}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat backend")
}

func TestApplyConfigDefaults(t *testing.T) {
	cfg := applyConfigDefaults(Config{})
	assert.Equal(t, 12310, cfg.Port)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	assert.Positive(t, cfg.MaxBodyBytes)
	assert.Positive(t, cfg.Guard.ChatPerMinute)
}
