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
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianGate/services/guard/store"
)

const (
	readyTimeout = 2 * time.Second
	probeTimeout = 5 * time.Second
)

// Prober checks one dependency. A nil error means healthy.
type Prober func(ctx context.Context) error

// HandleLive serves GET /health and /health/live. Touches nothing; a
// responding process is alive.
func HandleLive() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// HandleReady serves GET /health/ready. The store is the gateway's
// only hard dependency: without it challenges cannot be validated and
// everything else fails open, so readiness gates on the ping alone.
func HandleReady(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
		defer cancel()

		if err := st.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// HandleDetailedHealth serves GET /health/detailed (admin only).
//
// # Description
//
// Probes every registered dependency in parallel and reports each
// component's state. One failing soft dependency degrades the report
// without failing it; the response is 503 only when the store probe
// (name "store") fails.
func HandleDetailedHealth(probes map[string]Prober) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
		defer cancel()

		var mu sync.Mutex
		components := make(map[string]gin.H, len(probes))

		g, gctx := errgroup.WithContext(ctx)
		for name, probe := range probes {
			g.Go(func() error {
				err := probe(gctx)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					components[name] = gin.H{"status": "down", "error": err.Error()}
				} else {
					components[name] = gin.H{"status": "ok"}
				}
				return nil // probes never abort their siblings
			})
		}
		_ = g.Wait()

		status := "ok"
		code := http.StatusOK
		for name, comp := range components {
			if comp["status"] == "down" {
				status = "degraded"
				if name == "store" {
					code = http.StatusServiceUnavailable
				}
			}
		}
		c.JSON(code, gin.H{"status": status, "components": components})
	}
}
