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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// defaultSystemPrompt frames the assistant when no persona is
// configured.
const defaultSystemPrompt = "You are a helpful assistant. Answer from the provided context when possible."

// OpenAIDispatcher dispatches directly to an OpenAI-compatible backend.
//
// # Description
//
// Serves single-box deployments without a RAG tier: no retrieval, so
// answers carry no sources. Works against api.openai.com or any
// compatible local server (Ollama, vLLM) via BaseURL.
//
// # Thread Safety
//
// Safe for concurrent use.
type OpenAIDispatcher struct {
	client *openai.Client
	model  string
	system string
}

// OpenAIConfig configures the direct backend.
type OpenAIConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint for compatible local servers.
	BaseURL string
	// Model defaults to gpt-4o-mini.
	Model string
	// SystemPrompt overrides the assistant persona.
	SystemPrompt string
}

// NewOpenAIDispatcher creates the direct dispatcher.
func NewOpenAIDispatcher(cfg OpenAIConfig) (*OpenAIDispatcher, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai dispatcher requires an API key or a base URL")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
		slog.Warn("model not set, defaulting to gpt-4o-mini")
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	slog.Info("initializing openai dispatcher", "model", cfg.Model, "base_url", clientCfg.BaseURL)
	return &OpenAIDispatcher{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		system: cfg.SystemPrompt,
	}, nil
}

// Answer implements Dispatcher.
func (d *OpenAIDispatcher) Answer(ctx context.Context, p Prompt) (Answer, Usage, error) {
	resp, err := d.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    d.model,
		Messages: d.messages(p),
	})
	if err != nil {
		return Answer{}, Usage{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Answer{}, Usage{}, ErrEmptyAnswer
	}

	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	return Answer{Text: resp.Choices[0].Message.Content}, usage, nil
}

// Stream implements Dispatcher.
func (d *OpenAIDispatcher) Stream(ctx context.Context, p Prompt, onToken func(string) error) (Answer, Usage, error) {
	stream, err := d.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    d.model,
		Messages: d.messages(p),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	})
	if err != nil {
		return Answer{}, Usage{}, fmt.Errorf("chat completion stream failed: %w", err)
	}
	defer stream.Close()

	var text []byte
	var usage Usage
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Answer{Text: string(text)}, usage, fmt.Errorf("stream receive failed: %w", err)
		}

		// The final chunk carries usage with an empty choice list.
		if chunk.Usage != nil {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		token := chunk.Choices[0].Delta.Content
		if token == "" {
			continue
		}
		text = append(text, token...)
		if err := onToken(token); err != nil {
			return Answer{Text: string(text)}, usage, err
		}
	}

	if len(text) == 0 {
		return Answer{}, usage, ErrEmptyAnswer
	}
	return Answer{Text: string(text)}, usage, nil
}

func (d *OpenAIDispatcher) messages(p Prompt) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(p.History)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: d.system,
	})
	for _, turn := range p.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	return append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: p.Query,
	})
}
