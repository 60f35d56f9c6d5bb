// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rag dispatches admitted chat requests to an answer backend.
//
// # Description
//
// The gateway never generates answers itself. After admission it hands
// the sanitized prompt to a Dispatcher: either the internal RAG service
// over REST (the standard deployment) or an OpenAI-compatible backend
// directly (single-box deployments without the RAG tier).
//
// Both implementations report token usage so the cost throttler can
// settle the request's estimate against what the call actually cost.
package rag

import (
	"context"
	"errors"
)

// =============================================================================
// Types
// =============================================================================

// Turn is one prior conversation exchange.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Prompt is the sanitized input for one dispatch.
type Prompt struct {
	Query     string `json:"query"`
	History   []Turn `json:"chat_history,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Source identifies one retrieved document behind an answer.
type Source struct {
	Source  string  `json:"source"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// Answer is the backend's complete response.
type Answer struct {
	Text    string   `json:"answer"`
	Sources []Source `json:"sources,omitempty"`
}

// Usage reports what one dispatch consumed. Zero counts mean the
// backend did not report usage; the caller settles with its estimate
// semantics in that case.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Reported is true when the backend returned real token counts.
func (u Usage) Reported() bool {
	return u.PromptTokens > 0 || u.CompletionTokens > 0
}

// ErrEmptyAnswer is returned when the backend produced no content.
var ErrEmptyAnswer = errors.New("backend returned no answer")

// =============================================================================
// Dispatcher
// =============================================================================

// Dispatcher produces answers for admitted prompts.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Dispatcher interface {
	// Answer runs one complete request-response exchange.
	Answer(ctx context.Context, p Prompt) (Answer, Usage, error)

	// Stream runs one exchange, invoking onToken for each content
	// fragment as it arrives. The returned Answer carries the
	// assembled text and sources. A non-nil onToken error cancels the
	// stream and is returned unchanged (client disconnects surface
	// this way); usage reflects whatever was consumed before the
	// cancel.
	Stream(ctx context.Context, p Prompt, onToken func(token string) error) (Answer, Usage, error)
}
