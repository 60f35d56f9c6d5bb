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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianGate/pkg/validation"
	"github.com/AleutianAI/AleutianGate/services/gateway/admission"
	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGate/services/guard/config"
	"github.com/AleutianAI/AleutianGate/services/guard/costguard"
	"github.com/AleutianAI/AleutianGate/services/guard/ratelimit"
)

// HandleAdminUsage serves GET /api/v1/admin/usage/:stable_id.
func HandleAdminUsage(cost costguard.Service, live *config.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := gateTracer.Start(c.Request.Context(), "HandleAdminUsage")
		defer span.End()

		stableID := c.Param("stable_id")
		if err := validation.ValidateStableID(stableID); err != nil {
			writeError(c, http.StatusBadRequest, datatypes.ErrCodeInvalidRequest, err.Error())
			return
		}

		report, err := cost.Usage(ctx, stableID, admission.CostPolicyFrom(live.Current()))
		if err != nil {
			span.RecordError(err)
			writeError(c, http.StatusServiceUnavailable, datatypes.ErrCodeStoreUnavailable,
				"usage store unavailable")
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"stable_id":             stableID,
			"window_usd":            report.WindowUSD,
			"day_usd":               report.DayUSD,
			"day_entries":           report.DayEntries,
			"throttled_for_seconds": report.ThrottledFor,
			"throttle_reason":       report.ThrottleReason,
		})
	}
}

// HandleAdminLimits serves GET /api/v1/admin/limits/:scope/:id.
func HandleAdminLimits(inspector *ratelimit.Inspector) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := gateTracer.Start(c.Request.Context(), "HandleAdminLimits")
		defer span.End()

		scope, id := c.Param("scope"), c.Param("id")
		if err := validation.ValidateScope(scope); err != nil {
			writeError(c, http.StatusBadRequest, datatypes.ErrCodeInvalidRequest, err.Error())
			return
		}

		occ, err := inspector.Occupancy(ctx, scope, id)
		if err != nil {
			span.RecordError(err)
			writeError(c, http.StatusServiceUnavailable, datatypes.ErrCodeStoreUnavailable,
				"limit store unavailable")
			return
		}
		c.JSON(http.StatusOK, occ)
	}
}

// HandleAdminLiftBan serves DELETE /api/v1/admin/bans/:scope/:ip.
// Lifts the active ban and resets the violation escalation.
func HandleAdminLiftBan(inspector *ratelimit.Inspector) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := gateTracer.Start(c.Request.Context(), "HandleAdminLiftBan")
		defer span.End()

		scope, ip := c.Param("scope"), c.Param("ip")
		if err := validation.ValidateScope(scope); err != nil {
			writeError(c, http.StatusBadRequest, datatypes.ErrCodeInvalidRequest, err.Error())
			return
		}
		if err := validation.ValidateIP(ip); err != nil {
			writeError(c, http.StatusBadRequest, datatypes.ErrCodeInvalidRequest, err.Error())
			return
		}

		if err := inspector.LiftBan(ctx, scope, ip); err != nil {
			span.RecordError(err)
			writeError(c, http.StatusServiceUnavailable, datatypes.ErrCodeStoreUnavailable,
				"ban store unavailable")
			return
		}

		slog.Info("ban lifted by admin", "scope", scope, "ip", ip)
		c.JSON(http.StatusOK, gin.H{"status": "lifted", "scope": scope, "ip": ip})
	}
}

// HandleAdminGetConfig serves GET /api/v1/admin/config: the effective
// snapshot plus the raw store overrides behind it.
func HandleAdminGetConfig(live *config.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := gateTracer.Start(c.Request.Context(), "HandleAdminGetConfig")
		defer span.End()

		overrides, err := live.Overrides(ctx)
		if err != nil {
			// Effective config is still answerable from the snapshot.
			slog.Warn("config overrides unreadable", "error", err)
			overrides = map[string]string{}
		}

		c.JSON(http.StatusOK, gin.H{
			"effective": live.Current(),
			"overrides": overrides,
		})
	}
}

// configUpdate is the PUT /api/v1/admin/config/:key body.
type configUpdate struct {
	Value string `json:"value" binding:"required"`
}

// HandleAdminSetConfig serves PUT /api/v1/admin/config/:key. The
// override takes effect on the next snapshot reload.
func HandleAdminSetConfig(live *config.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := gateTracer.Start(c.Request.Context(), "HandleAdminSetConfig")
		defer span.End()

		key := c.Param("key")
		if !config.IsKey(key) {
			writeError(c, http.StatusBadRequest, datatypes.ErrCodeInvalidRequest,
				"unknown config key")
			return
		}

		var update configUpdate
		if err := c.ShouldBindJSON(&update); err != nil {
			writeError(c, http.StatusBadRequest, datatypes.ErrCodeInvalidRequest,
				"body requires a value field")
			return
		}

		if err := live.SetOverride(ctx, key, update.Value); err != nil {
			span.RecordError(err)
			if errors.Is(err, config.ErrBadValue) {
				writeError(c, http.StatusBadRequest, datatypes.ErrCodeInvalidRequest, err.Error())
				return
			}
			writeError(c, http.StatusServiceUnavailable, datatypes.ErrCodeStoreUnavailable,
				"config store unavailable")
			return
		}

		slog.Info("config override set", "key", key, "value", update.Value)
		c.JSON(http.StatusOK, gin.H{"key": key, "value": update.Value})
	}
}
