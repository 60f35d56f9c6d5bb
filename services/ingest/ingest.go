// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingest stores webhook-delivered content for retrieval.
//
// # Description
//
// Authenticated webhook deliveries carry documents that should become
// retrievable context. This package chunks the content with a
// recursive character splitter and batch-imports the chunks into the
// GateContent Weaviate class under deterministic ids, so redelivering
// the same document overwrites rather than duplicates.
package ingest

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// ClassName is the Weaviate class holding ingested chunks.
	ClassName = "GateContent"

	chunkSize    = 1000
	chunkOverlap = 200
)

// =============================================================================
// Types
// =============================================================================

// Document is one webhook-delivered content item.
type Document struct {
	// Source identifies the document, e.g. "docs/runbook.md". Chunk
	// ids derive from it, so redelivery replaces prior chunks.
	Source string `json:"source"`

	// ContentType hints at the content format, e.g. "text/markdown".
	ContentType string `json:"content_type,omitempty"`

	// Content is the full document text.
	Content string `json:"content"`
}

// Receipt summarizes one ingestion.
type Receipt struct {
	Source string `json:"source"`
	Chunks int    `json:"chunks"`
	Stored int    `json:"stored"`
}

// Ingestor accepts documents for storage.
type Ingestor interface {
	Ingest(ctx context.Context, doc Document) (Receipt, error)
}

// =============================================================================
// Weaviate Ingestor
// =============================================================================

// WeaviateIngestor chunks documents into the GateContent class.
//
// # Thread Safety
//
// Safe for concurrent use.
type WeaviateIngestor struct {
	client   *weaviate.Client
	splitter textsplitter.RecursiveCharacter
	now      func() time.Time
}

var _ Ingestor = (*WeaviateIngestor)(nil)

// NewWeaviateIngestor creates an ingestor against the given Weaviate
// URL, e.g. "http://weaviate:8080".
func NewWeaviateIngestor(rawURL string) (*WeaviateIngestor, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid weaviate URL %q", rawURL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("creating weaviate client: %w", err)
	}

	return &WeaviateIngestor{
		client:   client,
		splitter: newSplitter(),
		now:      time.Now,
	}, nil
}

func newSplitter() textsplitter.RecursiveCharacter {
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(chunkOverlap),
	)
}

// EnsureSchema creates the GateContent class if absent. Idempotent.
func (w *WeaviateIngestor) EnsureSchema(ctx context.Context) error {
	if _, err := w.client.Schema().ClassGetter().WithClassName(ClassName).Do(ctx); err == nil {
		return nil
	}

	slog.Info("creating weaviate class", "class", ClassName)
	if err := w.client.Schema().ClassCreator().WithClass(gateContentSchema()).Do(ctx); err != nil {
		return fmt.Errorf("creating %s schema: %w", ClassName, err)
	}
	return nil
}

func gateContentSchema() *models.Class {
	return &models.Class{
		Class:       ClassName,
		Description: "Chunked webhook-ingested content.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "content", DataType: []string{"text"}},
			{Name: "source", DataType: []string{"text"}},
			{Name: "content_type", DataType: []string{"text"}},
			{Name: "chunk_index", DataType: []string{"int"}},
			{Name: "ingested_at", DataType: []string{"int"}},
		},
	}
}

// Ingest implements Ingestor.
func (w *WeaviateIngestor) Ingest(ctx context.Context, doc Document) (Receipt, error) {
	if doc.Source == "" || doc.Content == "" {
		return Receipt{}, fmt.Errorf("document needs a source and content")
	}

	chunks, err := w.splitter.SplitText(doc.Content)
	if err != nil {
		return Receipt{}, fmt.Errorf("splitting %s: %w", doc.Source, err)
	}

	objects := buildObjects(doc, chunks, w.now().UnixMilli())
	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("storing %s: %w", doc.Source, err)
	}

	stored := 0
	for _, obj := range resp {
		if obj.Result == nil || obj.Result.Errors == nil {
			stored++
			continue
		}
		for _, e := range obj.Result.Errors.Error {
			if e != nil {
				slog.Error("chunk rejected", "source", doc.Source, "error", e.Message)
			}
		}
	}

	slog.Info("document ingested",
		"source", doc.Source, "chunks", len(chunks), "stored", stored)
	return Receipt{Source: doc.Source, Chunks: len(chunks), Stored: stored}, nil
}

// buildObjects assembles batch objects with deterministic ids: the
// same source and chunk index always map to the same UUID.
func buildObjects(doc Document, chunks []string, ingestedAt int64) []*models.Object {
	objects := make([]*models.Object, len(chunks))
	for i, chunk := range chunks {
		objects[i] = &models.Object{
			Class: ClassName,
			ID:    strfmt.UUID(chunkID(doc.Source, i)),
			Properties: map[string]interface{}{
				"content":      chunk,
				"source":       doc.Source,
				"content_type": doc.ContentType,
				"chunk_index":  i,
				"ingested_at":  ingestedAt,
			},
		}
	}
	return objects
}

func chunkID(source string, index int) string {
	hash := sha256.Sum256(fmt.Appendf(nil, "%s#%d", source, index))
	id, _ := uuid.FromBytes(hash[:16])
	return id.String()
}

// =============================================================================
// Nop
// =============================================================================

// Nop is an Ingestor that accepts and discards documents, used when
// Weaviate is not configured.
type Nop struct{}

// Ingest implements Ingestor.
func (Nop) Ingest(_ context.Context, doc Document) (Receipt, error) {
	if doc.Source == "" || doc.Content == "" {
		return Receipt{}, fmt.Errorf("document needs a source and content")
	}
	return Receipt{Source: doc.Source}, nil
}
