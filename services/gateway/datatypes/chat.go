// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the wire types for the gateway service.
//
// This file contains request and response types for the chat endpoints.
// The error envelope lives in errors.go; streaming event types in
// stream.go.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single history
	// entry. Byte length, not rune count, to bound memory.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxHistoryPerRequest is the maximum number of history entries in
	// a request.
	MaxHistoryPerRequest = 100
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxMessageContentBytes on string fields.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Chat Request Types
// =============================================================================

// Message is one conversation turn in the chat history.
type Message struct {
	// Role is "user" or "assistant".
	Role string `json:"role" validate:"required,oneof=user assistant"`

	// Content is the turn's text, capped at 32KB.
	Content string `json:"content" validate:"required,maxbytes"`
}

// ChatRequest is the body of POST /api/v1/chat and /api/v1/chat/stream.
//
// # Description
//
// Query is the live user input; it runs through the full sanitizer.
// ChatHistory entries only get byte-level cleaning, since they were
// sanitized when they were the live query. RequestID is optional;
// clients that retry should send the same ID so rate and cost
// accounting treats the retries as one logical request.
//
// # Validation
//
//   - Query: required (length policy is the sanitizer's, not the
//     validator's, so the limit can be retuned without a redeploy)
//   - ChatHistory: at most 100 entries, each validated
//   - RequestID: UUID v4 when present
type ChatRequest struct {
	Query       string    `json:"query" validate:"required"`
	ChatHistory []Message `json:"chat_history" validate:"max=100,dive"`
	RequestID   string    `json:"request_id" validate:"omitempty,uuid4"`
	SessionID   string    `json:"session_id" validate:"omitempty,uuid4"`
}

// Validate validates the ChatRequest fields.
func (r *ChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// EnsureDefaults populates RequestID and SessionID when absent.
//
// The request ID is the idempotency key for cost accounting, so it is
// generated exactly once per logical request, here at the edge.
func (r *ChatRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
	if r.SessionID == "" {
		r.SessionID = uuid.NewString()
	}
}

// HistoryContents returns the history entry texts in order.
func (r *ChatRequest) HistoryContents() []string {
	if len(r.ChatHistory) == 0 {
		return nil
	}
	out := make([]string, len(r.ChatHistory))
	for i, m := range r.ChatHistory {
		out[i] = m.Content
	}
	return out
}

// =============================================================================
// Chat Response Types
// =============================================================================

// SourceInfo identifies one retrieved document behind an answer.
type SourceInfo struct {
	Source  string  `json:"source"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// ChatResponse is the body of a successful non-streaming chat call.
type ChatResponse struct {
	Answer    string       `json:"answer"`
	Sources   []SourceInfo `json:"sources,omitempty"`
	SessionID string       `json:"session_id"`
	RequestID string       `json:"request_id"`
	Timestamp int64        `json:"timestamp"`
	CostUSD   float64      `json:"cost_usd"`
}

// NewChatResponse creates a ChatResponse with the timestamp set.
func NewChatResponse(requestID, sessionID, answer string) *ChatResponse {
	return &ChatResponse{
		Answer:    answer,
		SessionID: sessionID,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// =============================================================================
// Challenge Types
// =============================================================================

// ChallengeResponse is the body of GET /api/v1/auth/challenge.
type ChallengeResponse struct {
	Challenge        string `json:"challenge"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}
