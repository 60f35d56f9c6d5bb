// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package usage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_LedgerAccumulates(t *testing.T) {
	s, err := New(context.Background(), Config{})
	require.NoError(t, err)
	defer s.Close()

	day := time.Date(2025, 11, 3, 14, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return day }

	s.Record(context.Background(), Entry{RequestID: "r1", USD: 0.01})
	s.Record(context.Background(), Entry{RequestID: "r2", USD: 0.02, At: day.Add(time.Minute)})

	payload, err := s.ledgerPayload("2025-11-03")
	require.NoError(t, err)

	var ledger dayLedger
	require.NoError(t, json.Unmarshal(payload, &ledger))
	require.Len(t, ledger.Entries, 2)
	assert.Equal(t, "r1", ledger.Entries[0].RequestID)
	assert.InDelta(t, 0.03, ledger.TotalUSD, 1e-9)
}

func TestRecord_PrunesOldDays(t *testing.T) {
	s, err := New(context.Background(), Config{})
	require.NoError(t, err)
	defer s.Close()

	old := time.Date(2025, 11, 1, 8, 0, 0, 0, time.UTC)
	s.Record(context.Background(), Entry{RequestID: "old", At: old})

	// A record well past retention sweeps the stale day out.
	s.Record(context.Background(), Entry{RequestID: "new", At: old.AddDate(0, 0, 10)})

	s.mu.Lock()
	_, kept := s.ledger["2025-11-01"]
	s.mu.Unlock()
	assert.False(t, kept)
}

func TestRecord_WritesInfluxPoint(t *testing.T) {
	var (
		mu   sync.Mutex
		body string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/write") {
			raw, _ := io.ReadAll(r.Body)
			mu.Lock()
			body += string(raw)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, err := New(context.Background(), Config{
		InfluxURL:    srv.URL,
		InfluxToken:  "token",
		InfluxOrg:    "aleutian",
		InfluxBucket: "gate",
	})
	require.NoError(t, err)

	s.Record(context.Background(), Entry{
		Model: "gpt-4o-mini",
		Scope: "chat",
		USD:   0.0123,
		At:    time.Now(),
	})
	s.Close() // flushes the async writer

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, body, "gate_cost")
	assert.Contains(t, body, "model=gpt-4o-mini")
	assert.Contains(t, body, "scope=chat")
}

func TestArchive_NopWithoutBucket(t *testing.T) {
	s, err := New(context.Background(), Config{})
	require.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.Archive(context.Background(), time.Now()))
}

func TestNilServiceIsSafe(t *testing.T) {
	var s *Service
	s.Record(context.Background(), Entry{})
	assert.NoError(t, s.Archive(context.Background(), time.Now()))
	s.Close()
}
