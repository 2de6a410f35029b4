// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval implements candidate search against the Weaviate
// knowledge base.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianRelay/datatypes"
)

var tracer = otel.Tracer("aleutian.relay.retrieval")

// ChunkClassName is the Weaviate class holding the knowledge base chunks.
const ChunkClassName = "KnowledgeChunk"

// maxEmbedLength caps the text sent to the embedding service.
const maxEmbedLength = 8192

// WeaviateRetriever searches the knowledge base by vector or hybrid query.
//
// # Description
//
// Semantic search embeds the query through the embedding sidecar and runs a
// nearVector query; hybrid search combines the same vector with BM25 via
// Weaviate's hybrid operator. Results below the similarity threshold are
// dropped. Certainty (always in [0,1]) is the similarity score for semantic
// search; the hybrid relative score is used for hybrid.
type WeaviateRetriever struct {
	client   *weaviate.Client
	embedder EmbeddingProvider
}

func NewWeaviateRetriever(client *weaviate.Client, embedder EmbeddingProvider) *WeaviateRetriever {
	return &WeaviateRetriever{client: client, embedder: embedder}
}

// Search returns up to cfg.MaxResults chunks matching the query, best first.
func (r *WeaviateRetriever) Search(ctx context.Context, query string,
	cfg datatypes.SearchConfig) ([]datatypes.RetrievedChunk, error) {

	ctx, span := tracer.Start(ctx, "WeaviateRetriever.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("search_type", cfg.SearchType),
		attribute.Int("max_results", cfg.MaxResults),
		attribute.Float64("similarity_threshold", cfg.SimilarityThreshold),
	)

	truncated := query
	if len(query) > maxEmbedLength {
		truncated = query[:maxEmbedLength]
		slog.Debug("Truncated query for embedding", "originalLen", len(query), "truncatedLen", len(truncated))
	}
	vector, err := r.embedder.Embed(ctx, truncated)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "document_id"},
		{Name: "document_title"},
		{Name: "document_source"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "certainty"},
			{Name: "score"},
		}},
	}

	get := r.client.GraphQL().Get().
		WithClassName(ChunkClassName).
		WithFields(fields...).
		WithLimit(cfg.MaxResults)

	switch cfg.SearchType {
	case datatypes.SearchTypeHybrid:
		hybrid := r.client.GraphQL().HybridArgumentBuilder().
			WithQuery(truncated).
			WithVector(vector).
			WithAlpha(0.5)
		get = get.WithHybrid(hybrid)
	default:
		nearVector := r.client.GraphQL().NearVectorArgBuilder().
			WithVector(vector)
		get = get.WithNearVector(nearVector)
	}

	result, err := get.Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		err := fmt.Errorf("weaviate search failed: %s", result.Errors[0].Message)
		span.RecordError(err)
		return nil, err
	}

	chunks := parseChunkResults(result, cfg)
	span.SetAttributes(attribute.Int("chunks_found", len(chunks)))
	return chunks, nil
}

// ChunkCount returns the total number of chunks in the knowledge base.
func (r *WeaviateRetriever) ChunkCount(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "WeaviateRetriever.ChunkCount")
	defer span.End()

	agg, err := r.client.GraphQL().Aggregate().
		WithClassName(ChunkClassName).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("weaviate aggregate failed: %w", err)
	}
	if len(agg.Errors) > 0 {
		return 0, fmt.Errorf("weaviate aggregate failed: %s", agg.Errors[0].Message)
	}

	// Aggregate { KnowledgeChunk [ { meta { count } } ] }
	aggMap, ok := agg.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("unexpected aggregate response shape")
	}
	groups, ok := aggMap[ChunkClassName].([]interface{})
	if !ok || len(groups) == 0 {
		return 0, nil
	}
	group, ok := groups[0].(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("unexpected aggregate group shape")
	}
	meta, ok := group["meta"].(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("unexpected aggregate meta shape")
	}
	count, _ := meta["count"].(float64)
	return int(count), nil
}

func parseChunkResults(result *models.GraphQLResponse, cfg datatypes.SearchConfig) []datatypes.RetrievedChunk {
	chunks := []datatypes.RetrievedChunk{}
	getMap, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return chunks
	}
	rows, ok := getMap[ChunkClassName].([]interface{})
	if !ok {
		return chunks
	}

	for _, row := range rows {
		obj, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		additional, _ := obj["_additional"].(map[string]interface{})

		similarity := 0.0
		if cfg.SearchType == datatypes.SearchTypeHybrid {
			// Hybrid score arrives as a string in _additional.
			if s, ok := additional["score"].(string); ok {
				fmt.Sscanf(s, "%f", &similarity)
			}
		} else if c, ok := additional["certainty"].(float64); ok {
			similarity = c
		}
		if similarity < cfg.SimilarityThreshold {
			continue
		}

		id, _ := additional["id"].(string)
		content, _ := obj["content"].(string)
		documentID, _ := obj["document_id"].(string)
		title, _ := obj["document_title"].(string)
		source, _ := obj["document_source"].(string)

		chunks = append(chunks, datatypes.RetrievedChunk{
			ChunkId:        id,
			DocumentId:     documentID,
			Content:        content,
			Similarity:     similarity,
			DocumentTitle:  title,
			DocumentSource: source,
			Metadata:       map[string]any{},
		})
	}
	return chunks
}

// GetChunkSchema describes the knowledge base chunk class.
func GetChunkSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       ChunkClassName,
		Description: "One retrievable chunk of an ingested document.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:        "content",
				DataType:    []string{"text"},
				Description: "The chunk text.",
			},
			{
				Name:            "document_id",
				DataType:        []string{"text"},
				Description:     "Stable id of the source document.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "document_title",
				DataType:    []string{"text"},
				Description: "Human readable title of the source document.",
			},
			{
				Name:            "document_source",
				DataType:        []string{"text"},
				Description:     "Origin of the source document (path or URL).",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
		},
	}
}

// EnsureSchema creates the chunk class when it does not exist yet.
func EnsureSchema(ctx context.Context, client *weaviate.Client) error {
	class := GetChunkSchema()
	_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
	if err == nil {
		slog.Info("Schema already exists", "class", class.Class)
		return nil
	}
	slog.Info("Schema not found, creating it...", "class", class.Class)
	if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("failed to create schema for class %s: %w", class.Class, err)
	}
	slog.Info("Successfully created schema", "class", class.Class)
	return nil
}

// IngestChunk stores one chunk with its embedding. Used by ingestion tooling
// and by tests that seed a live knowledge base.
func (r *WeaviateRetriever) IngestChunk(ctx context.Context, chunk datatypes.RetrievedChunk) (string, error) {
	vector, err := r.embedder.Embed(ctx, chunk.Content)
	if err != nil {
		return "", fmt.Errorf("failed to embed chunk: %w", err)
	}

	id := chunk.ChunkId
	if id == "" {
		id = uuid.New().String()
	}
	_, err = r.client.Data().Creator().
		WithClassName(ChunkClassName).
		WithID(string(strfmt.UUID(id))).
		WithProperties(map[string]interface{}{
			"content":         chunk.Content,
			"document_id":     chunk.DocumentId,
			"document_title":  chunk.DocumentTitle,
			"document_source": chunk.DocumentSource,
		}).
		WithVector(vector).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to store chunk: %w", err)
	}
	return id, nil
}
