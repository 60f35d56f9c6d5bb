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

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatRequest_Validate(t *testing.T) {
	req := &ChatRequest{Query: "what is the fee schedule?"}
	assert.NoError(t, req.Validate())

	req = &ChatRequest{}
	assert.Error(t, req.Validate(), "empty query must fail")

	req = &ChatRequest{Query: "hi", RequestID: "not-a-uuid"}
	assert.Error(t, req.Validate())

	req = &ChatRequest{Query: "hi", RequestID: uuid.NewString()}
	assert.NoError(t, req.Validate())
}

func TestChatRequest_Validate_History(t *testing.T) {
	req := &ChatRequest{
		Query: "hi",
		ChatHistory: []Message{
			{Role: "user", Content: "earlier question"},
			{Role: "assistant", Content: "earlier answer"},
		},
	}
	assert.NoError(t, req.Validate())

	req.ChatHistory = append(req.ChatHistory, Message{Role: "system", Content: "x"})
	assert.Error(t, req.Validate(), "unknown role must fail")

	req.ChatHistory = []Message{
		{Role: "user", Content: strings.Repeat("a", MaxMessageContentBytes+1)},
	}
	assert.Error(t, req.Validate(), "oversized entry must fail")

	req.ChatHistory = make([]Message, MaxHistoryPerRequest+1)
	for i := range req.ChatHistory {
		req.ChatHistory[i] = Message{Role: "user", Content: "x"}
	}
	assert.Error(t, req.Validate(), "too many entries must fail")
}

func TestChatRequest_EnsureDefaults(t *testing.T) {
	req := &ChatRequest{Query: "hi"}
	req.EnsureDefaults()

	require.NotEmpty(t, req.RequestID)
	require.NotEmpty(t, req.SessionID)
	_, err := uuid.Parse(req.RequestID)
	assert.NoError(t, err)

	// Caller-supplied IDs survive.
	fixed := uuid.NewString()
	req = &ChatRequest{Query: "hi", RequestID: fixed}
	req.EnsureDefaults()
	assert.Equal(t, fixed, req.RequestID)
}

func TestChatRequest_HistoryContents(t *testing.T) {
	req := &ChatRequest{Query: "hi"}
	assert.Nil(t, req.HistoryContents())

	req.ChatHistory = []Message{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "two"},
	}
	assert.Equal(t, []string{"one", "two"}, req.HistoryContents())
}
