// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rag

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// answerPath and streamPath are the internal RAG service routes.
	answerPath = "/api/v1/rag/answer"
	streamPath = "/api/v1/rag/answer/stream"

	// defaultRESTTimeout caps a non-streaming exchange end to end.
	defaultRESTTimeout = 120 * time.Second
)

// =============================================================================
// REST Dispatcher
// =============================================================================

// RESTDispatcher proxies prompts to the internal RAG service.
//
// # Description
//
// The standard deployment: retrieval, prompt assembly, and generation
// live in a separate service; the gateway only fronts it with
// admission. The wire contract is JSON for complete answers and SSE
// (`data: {...}` lines) for streams, mirroring what the gateway itself
// serves outward.
//
// # Thread Safety
//
// Safe for concurrent use.
type RESTDispatcher struct {
	baseURL string
	// httpClient serves complete answers under a hard timeout;
	// streamClient has none, streams are bounded by the request context.
	httpClient   *http.Client
	streamClient *http.Client
}

// RESTConfig configures the REST dispatcher.
type RESTConfig struct {
	// BaseURL locates the RAG service, e.g. "http://rag:8001".
	BaseURL string
	// Timeout caps one non-streaming exchange. Streams use the request
	// context instead; a stream may legitimately outlive any fixed cap.
	Timeout time.Duration
}

// NewRESTDispatcher creates the REST dispatcher.
func NewRESTDispatcher(cfg RESTConfig) (*RESTDispatcher, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("rag service base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRESTTimeout
	}
	return &RESTDispatcher{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		streamClient: &http.Client{},
	}, nil
}

// restAnswer is the RAG service's complete-answer body.
type restAnswer struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
	Usage   Usage    `json:"usage"`
}

// restStreamEvent is one SSE data payload from the RAG service.
type restStreamEvent struct {
	Type    string   `json:"type"`
	Token   string   `json:"token,omitempty"`
	Sources []Source `json:"sources,omitempty"`
	Usage   *Usage   `json:"usage,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Answer implements Dispatcher.
func (d *RESTDispatcher) Answer(ctx context.Context, p Prompt) (Answer, Usage, error) {
	resp, err := d.post(ctx, answerPath, p, "")
	if err != nil {
		return Answer{}, Usage{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Answer{}, Usage{}, fmt.Errorf("rag service returned %d", resp.StatusCode)
	}

	var body restAnswer
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Answer{}, Usage{}, fmt.Errorf("decoding rag answer: %w", err)
	}
	if body.Answer == "" {
		return Answer{}, body.Usage, ErrEmptyAnswer
	}
	return Answer{Text: body.Answer, Sources: body.Sources}, body.Usage, nil
}

// Stream implements Dispatcher.
func (d *RESTDispatcher) Stream(ctx context.Context, p Prompt, onToken func(string) error) (Answer, Usage, error) {
	resp, err := d.post(ctx, streamPath, p, "text/event-stream")
	if err != nil {
		return Answer{}, Usage{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Answer{}, Usage{}, fmt.Errorf("rag service returned %d", resp.StatusCode)
	}

	var (
		text    []byte
		sources []Source
		usage   Usage
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		payload, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}

		var event restStreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue // tolerate keepalive noise
		}

		switch event.Type {
		case "token":
			text = append(text, event.Token...)
			if err := onToken(event.Token); err != nil {
				return Answer{Text: string(text), Sources: sources}, usage, err
			}
		case "sources":
			sources = event.Sources
		case "done":
			if event.Usage != nil {
				usage = *event.Usage
			}
		case "error":
			return Answer{Text: string(text), Sources: sources}, usage,
				fmt.Errorf("rag service stream error: %s", event.Error)
		}
	}
	if err := scanner.Err(); err != nil {
		return Answer{Text: string(text), Sources: sources}, usage,
			fmt.Errorf("reading rag stream: %w", err)
	}

	if len(text) == 0 {
		return Answer{}, usage, ErrEmptyAnswer
	}
	return Answer{Text: string(text), Sources: sources}, usage, nil
}

func (d *RESTDispatcher) post(ctx context.Context, path string, p Prompt, accept string) (*http.Response, error) {
	client := d.httpClient
	if accept == "text/event-stream" {
		client = d.streamClient
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building rag request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if p.RequestID != "" {
		req.Header.Set("X-Request-ID", p.RequestID)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling rag service: %w", err)
	}
	return resp, nil
}
