// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes binds the gateway's endpoints to their middleware
// chains. Chat traffic is limited inside the admission pipeline; every
// auxiliary family burns its own scope budget here so none of them
// can serve as a free probe.
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianGate/pkg/secrets"
	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGate/services/gateway/handlers"
	"github.com/AleutianAI/AleutianGate/services/gateway/middleware"
	"github.com/AleutianAI/AleutianGate/services/gateway/observability"
	"github.com/AleutianAI/AleutianGate/services/guard/challenge"
	"github.com/AleutianAI/AleutianGate/services/guard/config"
	"github.com/AleutianAI/AleutianGate/services/guard/costguard"
	"github.com/AleutianAI/AleutianGate/services/guard/identity"
	"github.com/AleutianAI/AleutianGate/services/guard/ratelimit"
	"github.com/AleutianAI/AleutianGate/services/guard/store"
	"github.com/AleutianAI/AleutianGate/services/guard/webhookauth"
	"github.com/AleutianAI/AleutianGate/services/ingest"
)

// Deps carries everything the route table wires together.
type Deps struct {
	Chat       handlers.ChatDeps
	Challenges challenge.Service
	Cost       costguard.Service
	Limiter    ratelimit.Service
	Live       *config.Service
	Store      *store.Store
	Vault      *secrets.Vault
	Extractor  *identity.Extractor
	Webhooks   *webhookauth.Authenticator
	Ingestor   ingest.Ingestor
	Metrics    *observability.GateMetrics
	Probes     map[string]handlers.Prober

	// Production hardens the security headers (HSTS).
	Production bool

	// MaxBodyBytes caps request bodies; zero takes the default.
	MaxBodyBytes int64
}

// SetupRoutes registers all endpoints on the router.
func SetupRoutes(router *gin.Engine, d Deps) {
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = middleware.DefaultMaxBodyBytes
	}

	router.Use(middleware.SecurityHeaders(d.Production))
	router.Use(middleware.RequestID())
	router.Use(middleware.Identity(d.Extractor))

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, datatypes.NewError(datatypes.ErrCodeNotFound, "no such endpoint"))
	})
	router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed,
			datatypes.NewError(datatypes.ErrCodeMethodNotAllowed, "method not allowed"))
	})

	scoped := func(scope string) gin.HandlerFunc {
		return middleware.ScopeLimit(d.Limiter, d.Live, d.Metrics, scope)
	}

	// Health family. Liveness shares the health scope budget with
	// readiness so the endpoints cannot serve as a free probe.
	router.GET("/health", scoped(middleware.ScopeHealth), handlers.HandleLive())
	router.GET("/health/live", scoped(middleware.ScopeHealth), handlers.HandleLive())
	router.GET("/health/ready", scoped(middleware.ScopeHealth), handlers.HandleReady(d.Store))
	router.GET("/health/detailed",
		scoped(middleware.ScopeProbe),
		middleware.AdminAuth(d.Vault),
		handlers.HandleDetailedHealth(d.Probes))

	router.GET("/metrics", scoped(middleware.ScopeMetrics), gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/auth/challenge",
			scoped(middleware.ScopeChallenge),
			handlers.HandleChallenge(d.Challenges, d.Live, d.Metrics))

		chat := v1.Group("")
		chat.Use(middleware.BodyLimit(d.MaxBodyBytes), middleware.AdminDetect(d.Vault))
		{
			chat.POST("/chat", handlers.HandleChat(d.Chat))
			chat.POST("/chat/stream", handlers.HandleChatStream(d.Chat))
		}
		v1.GET("/chat/ws", middleware.AdminDetect(d.Vault), handlers.HandleChatWS(d.Chat))

		v1.POST("/webhooks/ingest",
			middleware.BodyLimit(d.MaxBodyBytes),
			handlers.HandleWebhookIngest(d.Webhooks, d.Ingestor, d.Metrics))

		admin := v1.Group("/admin")
		admin.Use(scoped(middleware.ScopeAdminUsage), middleware.AdminAuth(d.Vault))
		{
			admin.GET("/usage/:stable_id", handlers.HandleAdminUsage(d.Cost, d.Live))
			admin.GET("/limits/:scope/:id", handlers.HandleAdminLimits(ratelimit.NewInspector(d.Limiter)))
			admin.DELETE("/bans/:scope/:ip", handlers.HandleAdminLiftBan(ratelimit.NewInspector(d.Limiter)))
			admin.GET("/config", handlers.HandleAdminGetConfig(d.Live))
			admin.PUT("/config/:key", handlers.HandleAdminSetConfig(d.Live))
		}
	}
}
