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
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGate/services/guard/config"
)

func TestHandleLive(t *testing.T) {
	r := gin.New()
	r.GET("/health/live", HandleLive())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleReady(t *testing.T) {
	e := newEnv(t, config.Defaults())
	r := gin.New()
	r.GET("/health/ready", HandleReady(e.st))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, w.Code)

	e.mr.Close()
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleDetailedHealth(t *testing.T) {
	probes := map[string]Prober{
		"store":    func(context.Context) error { return nil },
		"weaviate": func(context.Context) error { return errors.New("connection refused") },
	}

	r := gin.New()
	r.GET("/health/detailed", HandleDetailedHealth(probes))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))

	// A soft dependency being down degrades the report without
	// flipping readiness.
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status     string                       `json:"status"`
		Components map[string]map[string]string `json:"components"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Components["store"]["status"])
	assert.Equal(t, "down", body.Components["weaviate"]["status"])
	assert.Contains(t, body.Components["weaviate"]["error"], "refused")
}

func TestHandleDetailedHealth_StoreDown(t *testing.T) {
	probes := map[string]Prober{
		"store": func(context.Context) error { return errors.New("dial tcp: refused") },
	}

	r := gin.New()
	r.GET("/health/detailed", HandleDetailedHealth(probes))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
