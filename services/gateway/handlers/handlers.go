// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the gateway's HTTP endpoints.
//
// # Description
//
// Every handler is a free function taking its collaborators and
// returning a gin.HandlerFunc. Handlers own wire concerns only:
// binding, validation, status codes, and the error envelope. Admission
// decisions live in the admission pipeline; guard semantics live in
// the guard services.
package handlers

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianGate/services/gateway/admission"
	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGate/services/gateway/middleware"
	"github.com/AleutianAI/AleutianGate/services/gateway/observability"
	"github.com/AleutianAI/AleutianGate/services/guard/costguard"
	"github.com/AleutianAI/AleutianGate/services/rag"
	"github.com/AleutianAI/AleutianGate/services/usage"
)

var gateTracer = otel.Tracer("aleutian.gateway.handlers")

// HeaderBotToken carries the Turnstile response token on chat calls.
const HeaderBotToken = "CF-Turnstile-Response"

// ChatDeps bundles what the chat endpoints (JSON, SSE, WebSocket)
// share. Metrics and Usage may be nil.
type ChatDeps struct {
	Pipeline   *admission.Pipeline
	Dispatcher rag.Dispatcher
	Estimator  *costguard.Estimator
	Metrics    *observability.GateMetrics
	Usage      usage.Recorder
}

// =============================================================================
// Shared Helpers
// =============================================================================

// writeError writes a taxonomy error envelope.
func writeError(c *gin.Context, status int, code, message string) {
	env := datatypes.NewError(code, message)
	env.RequestID = middleware.GetRequestID(c)
	c.JSON(status, env)
}

// writeDenial writes an admission denial, including Retry-After when
// the denial carries one.
func writeDenial(c *gin.Context, requestID string, d *admission.Denial) {
	if d.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(d.RetryAfter))
	}
	c.JSON(d.Status, d.Envelope(requestID))
}

// admitChat runs the request through the admission pipeline. The body
// must already be validated and defaulted.
func admitChat(ctx context.Context, c *gin.Context, deps ChatDeps, req *datatypes.ChatRequest) (*admission.Ticket, *admission.Denial) {
	return deps.Pipeline.Admit(ctx, admission.AdmitRequest{
		RequestID:  req.RequestID,
		Identity:   middleware.GetIdentity(c),
		Query:      req.Query,
		History:    req.HistoryContents(),
		BotToken:   c.GetHeader(HeaderBotToken),
		SkipGlobal: middleware.IsAdmin(c),
	})
}

// promptFor assembles the dispatch prompt from the admitted ticket.
// History roles come from the original request; contents come from the
// sanitizer's output on the ticket.
func promptFor(req *datatypes.ChatRequest, ticket *admission.Ticket) rag.Prompt {
	turns := make([]rag.Turn, 0, len(req.ChatHistory))
	for i, msg := range req.ChatHistory {
		content := msg.Content
		if i < len(ticket.History) {
			content = ticket.History[i]
		}
		turns = append(turns, rag.Turn{Role: msg.Role, Content: content})
	}
	return rag.Prompt{
		Query:     ticket.Query,
		History:   turns,
		SessionID: req.SessionID,
		RequestID: req.RequestID,
	}
}

// settleValue decides what an admitted request actually cost. Real
// token counts trump the estimate; a dispatch that produced nothing
// costs nothing.
func settleValue(deps ChatDeps, ticket *admission.Ticket, u rag.Usage, answerText string) float64 {
	if u.Reported() && deps.Estimator != nil {
		return deps.Estimator.ActualCost(ticket.Model, u.PromptTokens, u.CompletionTokens)
	}
	if answerText == "" {
		return 0
	}
	return ticket.EstimatedUSD
}

// settleAndRecord settles the ticket and writes the usage ledger
// entry. Runs on a cancel-proof context so a client disconnect cannot
// abort settlement.
func settleAndRecord(ctx context.Context, deps ChatDeps, ticket *admission.Ticket, u rag.Usage, usd float64) {
	settleCtx := context.WithoutCancel(ctx)
	_ = ticket.Settle(settleCtx, usd)

	if deps.Usage == nil || usd <= 0 {
		return
	}
	deps.Usage.Record(settleCtx, usage.Entry{
		RequestID:        ticket.RequestID,
		StableID:         ticket.Identity.StableID,
		Model:            ticket.Model,
		Scope:            admission.ScopeChat,
		USD:              usd,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
	})
}

func sourceInfos(sources []rag.Source) []datatypes.SourceInfo {
	if len(sources) == 0 {
		return nil
	}
	infos := make([]datatypes.SourceInfo, len(sources))
	for i, s := range sources {
		infos[i] = datatypes.SourceInfo{Source: s.Source, Snippet: s.Snippet, Score: s.Score}
	}
	return infos
}

// Nil-tolerant metric wrappers; handlers run without a registry in
// tests.

func recordRequest(m *observability.GateMetrics, endpoint observability.Endpoint, status int) {
	if m != nil {
		m.RecordRequest(endpoint, strconv.Itoa(status))
	}
}

func recordChallengeMetric(m *observability.GateMetrics, event string) {
	if m != nil {
		m.RecordChallenge(event)
	}
}
