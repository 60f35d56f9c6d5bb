// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// =============================================================================
// Streaming Event Types
// =============================================================================

// Stream event type identifiers, used both as the SSE "event:" field
// and as the "type" field of WebSocket frames.
const (
	StreamEventStatus  = "status"
	StreamEventToken   = "token"
	StreamEventSources = "sources"
	StreamEventDone    = "done"
	StreamEventError   = "error"
)

// StreamEvent is one unit of a streamed chat response.
type StreamEvent struct {
	Type      string       `json:"type"`
	Status    string       `json:"status,omitempty"`
	Token     string       `json:"token,omitempty"`
	Sources   []SourceInfo `json:"sources,omitempty"`
	RequestID string       `json:"request_id,omitempty"`
	CostUSD   float64      `json:"cost_usd,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// StatusEvent creates a status StreamEvent.
func StatusEvent(status string) StreamEvent {
	return StreamEvent{Type: StreamEventStatus, Status: status}
}

// SourcesEvent creates a sources StreamEvent.
func SourcesEvent(sources []SourceInfo) StreamEvent {
	return StreamEvent{Type: StreamEventSources, Sources: sources}
}

// TokenEvent creates a token StreamEvent.
func TokenEvent(token string) StreamEvent {
	return StreamEvent{Type: StreamEventToken, Token: token}
}

// DoneEvent creates the terminal StreamEvent for a request.
func DoneEvent(requestID string, costUSD float64) StreamEvent {
	return StreamEvent{Type: StreamEventDone, RequestID: requestID, CostUSD: costUSD}
}

// ErrorEvent creates an error StreamEvent.
func ErrorEvent(code string) StreamEvent {
	return StreamEvent{Type: StreamEventError, Error: code}
}
