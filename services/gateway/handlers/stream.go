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
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGate/services/gateway/middleware"
	"github.com/AleutianAI/AleutianGate/services/gateway/observability"
)

// writeSSE writes one event in SSE framing and flushes it out.
func writeSSE(c *gin.Context, event datatypes.StreamEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling stream event: %w", err)
	}
	if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event.Type, payload); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

// HandleChatStream serves POST /api/v1/chat/stream.
//
// # Description
//
// Identical admission to HandleChat; denials are plain JSON since no
// SSE bytes have been committed yet. Admitted requests stream
// status/token/sources/done events. The cost estimate settles even
// when the client disconnects mid-stream: tokens already generated
// were already paid for.
func HandleChatStream(deps ChatDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := gateTracer.Start(c.Request.Context(), "HandleChatStream")
		defer span.End()

		var req datatypes.ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			span.RecordError(err)
			writeError(c, http.StatusBadRequest, datatypes.ErrCodeInvalidRequest, "invalid request body")
			recordRequest(deps.Metrics, observability.EndpointChatStream, http.StatusBadRequest)
			return
		}
		if err := req.Validate(); err != nil {
			span.RecordError(err)
			writeError(c, http.StatusBadRequest, datatypes.ErrCodeInvalidRequest, err.Error())
			recordRequest(deps.Metrics, observability.EndpointChatStream, http.StatusBadRequest)
			return
		}
		if req.RequestID == "" {
			req.RequestID = middleware.GetRequestID(c)
		}
		req.EnsureDefaults()

		ticket, denial := admitChat(ctx, c, deps, &req)
		if denial != nil {
			writeDenial(c, req.RequestID, denial)
			recordRequest(deps.Metrics, observability.EndpointChatStream, denial.Status)
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("X-Accel-Buffering", "no")

		if deps.Metrics != nil {
			deps.Metrics.StreamStarted(observability.EndpointChatStream)
			defer deps.Metrics.StreamEnded(observability.EndpointChatStream)
		}

		_ = writeSSE(c, datatypes.StatusEvent("dispatching"))

		answer, tokenUsage, err := deps.Dispatcher.Stream(ctx, promptFor(&req, ticket),
			func(token string) error {
				return writeSSE(c, datatypes.TokenEvent(token))
			})

		cost := settleValue(deps, ticket, tokenUsage, answer.Text)
		settleAndRecord(ctx, deps, ticket, tokenUsage, cost)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Warn("chat stream ended early",
				"request_id", req.RequestID, "error", err)
			// Best effort; the connection may be the reason we are here.
			_ = writeSSE(c, datatypes.ErrorEvent(datatypes.ErrCodeInternal))
			recordRequest(deps.Metrics, observability.EndpointChatStream, http.StatusInternalServerError)
			return
		}

		if infos := sourceInfos(answer.Sources); infos != nil {
			_ = writeSSE(c, datatypes.SourcesEvent(infos))
		}
		_ = writeSSE(c, datatypes.DoneEvent(req.RequestID, cost))
		recordRequest(deps.Metrics, observability.EndpointChatStream, http.StatusOK)
	}
}
