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
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGate/services/gateway/observability"
)

var upgrader = websocket.Upgrader{
	// The gateway fronts browser clients on arbitrary origins; the
	// challenge handshake is the actual access control.
	CheckOrigin: func(r *http.Request) bool { return true },

	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// HandleChatWS serves GET /api/v1/chat/ws.
//
// # Description
//
// Each client frame is a complete chat request and goes through the
// same admission walk as the JSON endpoint; the connection surviving
// one turn grants nothing for the next. Denials come back as error
// frames carrying the taxonomy code, and the connection stays open so
// the client can fetch a fresh challenge and retry.
func HandleChatWS(deps ChatDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "error", err)
			return
		}
		defer ws.Close()

		if deps.Metrics != nil {
			deps.Metrics.StreamStarted(observability.EndpointChatWS)
			defer deps.Metrics.StreamEnded(observability.EndpointChatWS)
		}

		for {
			var req datatypes.ChatRequest
			if err := ws.ReadJSON(&req); err != nil {
				return // client gone or sent garbage framing
			}

			ctx, span := gateTracer.Start(c.Request.Context(), "HandleChatWS.turn")

			if err := req.Validate(); err != nil {
				span.RecordError(err)
				span.End()
				if sendFrame(ws, datatypes.ErrorEvent(datatypes.ErrCodeInvalidRequest)) != nil {
					return
				}
				continue
			}
			req.EnsureDefaults()

			ticket, denial := admitChat(ctx, c, deps, &req)
			if denial != nil {
				span.End()
				frame := datatypes.ErrorEvent(denial.Kind)
				frame.RequestID = req.RequestID
				if sendFrame(ws, frame) != nil {
					return
				}
				recordRequest(deps.Metrics, observability.EndpointChatWS, denial.Status)
				continue
			}

			answer, tokenUsage, err := deps.Dispatcher.Stream(ctx, promptFor(&req, ticket),
				func(token string) error {
					return ws.WriteJSON(datatypes.TokenEvent(token))
				})

			cost := settleValue(deps, ticket, tokenUsage, answer.Text)
			settleAndRecord(ctx, deps, ticket, tokenUsage, cost)

			if err != nil {
				span.RecordError(err)
				span.End()
				slog.Warn("websocket turn failed",
					"request_id", req.RequestID, "error", err)
				if sendFrame(ws, datatypes.ErrorEvent(datatypes.ErrCodeInternal)) != nil {
					return
				}
				recordRequest(deps.Metrics, observability.EndpointChatWS, http.StatusInternalServerError)
				continue
			}
			span.End()

			if infos := sourceInfos(answer.Sources); infos != nil {
				if sendFrame(ws, datatypes.SourcesEvent(infos)) != nil {
					return
				}
			}
			if sendFrame(ws, datatypes.DoneEvent(req.RequestID, cost)) != nil {
				return
			}
			recordRequest(deps.Metrics, observability.EndpointChatWS, http.StatusOK)
		}
	}
}

func sendFrame(ws *websocket.Conn, event datatypes.StreamEvent) error {
	if err := ws.WriteJSON(event); err != nil {
		slog.Warn("websocket write failed", "error", err)
		return err
	}
	return nil
}
