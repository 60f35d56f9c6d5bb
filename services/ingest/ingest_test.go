// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitter_ChunksLongContent(t *testing.T) {
	s := newSplitter()

	chunks, err := s.SplitText(strings.Repeat("market hours and holidays. ", 200))
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), chunkSize)
	}
}

func TestBuildObjects(t *testing.T) {
	doc := Document{Source: "docs/hours.md", ContentType: "text/markdown"}
	objects := buildObjects(doc, []string{"part one", "part two"}, 1700000000000)

	require.Len(t, objects, 2)
	assert.Equal(t, ClassName, objects[0].Class)
	assert.Equal(t, "part one", objects[0].Properties.(map[string]interface{})["content"])
	assert.Equal(t, 0, objects[0].Properties.(map[string]interface{})["chunk_index"])
	assert.Equal(t, "docs/hours.md", objects[1].Properties.(map[string]interface{})["source"])
	assert.NotEqual(t, objects[0].ID, objects[1].ID)
}

func TestChunkID_Deterministic(t *testing.T) {
	assert.Equal(t, chunkID("docs/hours.md", 3), chunkID("docs/hours.md", 3),
		"redelivery must map to the same object")
	assert.NotEqual(t, chunkID("docs/hours.md", 3), chunkID("docs/hours.md", 4))
	assert.NotEqual(t, chunkID("docs/hours.md", 3), chunkID("docs/fees.md", 3))
}

func TestNopIngestor(t *testing.T) {
	var ing Ingestor = Nop{}

	receipt, err := ing.Ingest(context.Background(), Document{Source: "x", Content: "y"})
	require.NoError(t, err)
	assert.Equal(t, "x", receipt.Source)
	assert.Zero(t, receipt.Stored)

	_, err = ing.Ingest(context.Background(), Document{})
	assert.Error(t, err)
}
