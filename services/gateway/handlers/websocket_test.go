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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGate/services/guard/config"
)

func dialWS(t *testing.T, e *env, fingerprint string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(e.router())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/chat/ws"
	header := http.Header{}
	if fingerprint != "" {
		header.Set("X-Fingerprint", fingerprint)
	}

	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	return ws
}

// readUntilTerminal collects frames until a done or error frame.
func readUntilTerminal(t *testing.T, ws *websocket.Conn) []datatypes.StreamEvent {
	t.Helper()
	var events []datatypes.StreamEvent
	for {
		var ev datatypes.StreamEvent
		require.NoError(t, ws.ReadJSON(&ev))
		events = append(events, ev)
		if ev.Type == datatypes.StreamEventDone || ev.Type == datatypes.StreamEventError {
			return events
		}
	}
}

func TestHandleChatWS_Turn(t *testing.T) {
	e := newEnv(t, noChallengeDefaults())
	ws := dialWS(t, e, "fp:v2:stable123")

	require.NoError(t, ws.WriteJSON(datatypes.ChatRequest{Query: "when does the market open?"}))
	events := readUntilTerminal(t, ws)

	var tokens []string
	for _, ev := range events {
		if ev.Type == datatypes.StreamEventToken {
			tokens = append(tokens, ev.Token)
		}
	}
	assert.Equal(t, []string{"the market ", "opens at 09:30"}, tokens)

	last := events[len(events)-1]
	require.Equal(t, datatypes.StreamEventDone, last.Type)
	assert.NotEmpty(t, last.RequestID)
	assert.Positive(t, last.CostUSD)
}

func TestHandleChatWS_DenialKeepsConnection(t *testing.T) {
	// Challenge enforcement on, no valid token: each turn is denied
	// but the socket survives for a retry.
	e := newEnv(t, config.Defaults())
	ws := dialWS(t, e, "fp:v2:stable123")

	require.NoError(t, ws.WriteJSON(datatypes.ChatRequest{Query: "q"}))
	events := readUntilTerminal(t, ws)
	require.Equal(t, datatypes.StreamEventError, events[len(events)-1].Type)
	assert.Equal(t, datatypes.ErrCodeInvalidChallenge, events[len(events)-1].Error)

	// Still open: an invalid body frame gets an error frame back too.
	require.NoError(t, ws.WriteJSON(map[string]any{"query": ""}))
	events = readUntilTerminal(t, ws)
	assert.Equal(t, datatypes.ErrCodeInvalidRequest, events[len(events)-1].Error)
}
