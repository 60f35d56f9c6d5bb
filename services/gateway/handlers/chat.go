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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGate/services/gateway/middleware"
	"github.com/AleutianAI/AleutianGate/services/gateway/observability"
)

// HandleChat serves POST /api/v1/chat.
//
// # Description
//
// Binds and validates the body, walks the admission pipeline, and
// dispatches admitted requests to the answer backend. The cost
// estimate recorded at admission is settled against real token usage
// when the backend reports it, and against zero when dispatch failed
// outright.
func HandleChat(deps ChatDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := gateTracer.Start(c.Request.Context(), "HandleChat")
		defer span.End()

		var req datatypes.ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			span.RecordError(err)
			writeError(c, http.StatusBadRequest, datatypes.ErrCodeInvalidRequest, "invalid request body")
			recordRequest(deps.Metrics, observability.EndpointChat, http.StatusBadRequest)
			return
		}
		if err := req.Validate(); err != nil {
			span.RecordError(err)
			writeError(c, http.StatusBadRequest, datatypes.ErrCodeInvalidRequest, err.Error())
			recordRequest(deps.Metrics, observability.EndpointChat, http.StatusBadRequest)
			return
		}
		if req.RequestID == "" {
			req.RequestID = middleware.GetRequestID(c)
		}
		req.EnsureDefaults()

		ticket, denial := admitChat(ctx, c, deps, &req)
		if denial != nil {
			writeDenial(c, req.RequestID, denial)
			recordRequest(deps.Metrics, observability.EndpointChat, denial.Status)
			return
		}

		answer, tokenUsage, err := deps.Dispatcher.Answer(ctx, promptFor(&req, ticket))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("chat dispatch failed",
				"request_id", req.RequestID, "error", err)
			settleAndRecord(ctx, deps, ticket, tokenUsage, settleValue(deps, ticket, tokenUsage, answer.Text))
			writeError(c, http.StatusInternalServerError, datatypes.ErrCodeInternal, "answer backend failed")
			recordRequest(deps.Metrics, observability.EndpointChat, http.StatusInternalServerError)
			return
		}

		cost := settleValue(deps, ticket, tokenUsage, answer.Text)
		settleAndRecord(ctx, deps, ticket, tokenUsage, cost)

		resp := datatypes.NewChatResponse(req.RequestID, req.SessionID, answer.Text)
		resp.Sources = sourceInfos(answer.Sources)
		resp.CostUSD = cost
		c.JSON(http.StatusOK, resp)
		recordRequest(deps.Metrics, observability.EndpointChat, http.StatusOK)
	}
}
