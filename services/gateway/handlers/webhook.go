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
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGate/services/gateway/observability"
	"github.com/AleutianAI/AleutianGate/services/guard/webhookauth"
	"github.com/AleutianAI/AleutianGate/services/ingest"
)

// HandleWebhookIngest serves POST /api/v1/webhooks/ingest.
//
// # Description
//
// Verifies the HMAC signature over the raw body before parsing
// anything, then hands the document to the ingestor. The caller gets
// 202 once the content is stored; chunk-level rejects are logged, not
// surfaced, since the sender cannot act on them.
func HandleWebhookIngest(auth *webhookauth.Authenticator, ingestor ingest.Ingestor, metrics *observability.GateMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := gateTracer.Start(c.Request.Context(), "HandleWebhookIngest")
		defer span.End()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			writeError(c, http.StatusBadRequest, datatypes.ErrCodeInvalidRequest, "unreadable body")
			recordRequest(metrics, observability.EndpointWebhook, http.StatusBadRequest)
			return
		}

		verdict := auth.Verify(ctx, c.Request.Header, body)
		if verdict != webhookauth.VerdictOK {
			status, code := webhookDenial(verdict)
			slog.Warn("webhook rejected", "verdict", string(verdict), "ip", c.ClientIP())
			writeError(c, status, code, "webhook authentication failed")
			recordRequest(metrics, observability.EndpointWebhook, status)
			return
		}

		var doc ingest.Document
		if err := json.Unmarshal(body, &doc); err != nil {
			writeError(c, http.StatusBadRequest, datatypes.ErrCodeInvalidRequest, "invalid document body")
			recordRequest(metrics, observability.EndpointWebhook, http.StatusBadRequest)
			return
		}

		receipt, err := ingestor.Ingest(ctx, doc)
		if err != nil {
			span.RecordError(err)
			slog.Error("webhook ingestion failed", "source", doc.Source, "error", err)
			writeError(c, http.StatusInternalServerError, datatypes.ErrCodeInternal, "ingestion failed")
			recordRequest(metrics, observability.EndpointWebhook, http.StatusInternalServerError)
			return
		}

		c.JSON(http.StatusAccepted, receipt)
		recordRequest(metrics, observability.EndpointWebhook, http.StatusAccepted)
	}
}

// webhookDenial maps an authenticator verdict onto the error taxonomy.
// Everything defaults to the signature code; a forged timestamp and a
// forged signature are the same offense to the caller.
func webhookDenial(v webhookauth.Verdict) (int, string) {
	switch v {
	case webhookauth.VerdictStale:
		return http.StatusUnauthorized, datatypes.ErrCodeWebhookStale
	case webhookauth.VerdictReplayed:
		return http.StatusUnauthorized, datatypes.ErrCodeWebhookReplayed
	default:
		return http.StatusUnauthorized, datatypes.ErrCodeWebhookBadSignature
	}
}
