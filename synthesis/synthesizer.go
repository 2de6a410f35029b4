// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package synthesis builds the final answer from client-approved chunks.
package synthesis

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianRelay/datatypes"
	"github.com/AleutianAI/AleutianRelay/llm"
)

var tracer = otel.Tracer("aleutian.relay.synthesis")

const synthesisPromptTemplate = `You are a helpful assistant answering questions using only the approved sources below.

Approved sources:
%s

Question: %s

Answer the question using only information from the approved sources. Cite sources as [Source: Chunk N of Title]. If the sources do not contain the answer, say so plainly.`

// LLMSynthesizer produces a grounded answer from the selected chunks.
type LLMSynthesizer struct {
	client    llm.Client
	maxTokens int
}

func NewLLMSynthesizer(client llm.Client) *LLMSynthesizer {
	return &LLMSynthesizer{client: client, maxTokens: 2048}
}

// Synthesize answers the query from only the given chunks. Each chunk is
// labeled so the model can cite it back.
func (s *LLMSynthesizer) Synthesize(ctx context.Context, query string,
	chunks []datatypes.RetrievedChunk) (string, error) {

	ctx, span := tracer.Start(ctx, "LLMSynthesizer.Synthesize")
	defer span.End()
	span.SetAttributes(attribute.Int("chunks", len(chunks)))

	if len(chunks) == 0 {
		return "", fmt.Errorf("no approved chunks to synthesize from")
	}

	prompt := fmt.Sprintf(synthesisPromptTemplate, FormatContext(chunks), query)
	params := llm.GenerationParams{MaxTokens: &s.maxTokens}
	answer, err := s.client.Generate(ctx, prompt, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("llm generation failed: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

// FormatContext renders chunks as labeled source blocks separated by rules.
func FormatContext(chunks []datatypes.RetrievedChunk) string {
	blocks := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		title := chunk.DocumentTitle
		if title == "" {
			title = chunk.DocumentId
		}
		blocks = append(blocks, fmt.Sprintf("[Source: Chunk %d of %s]\n%s",
			chunk.ChunkIndex, title, chunk.Content))
	}
	return strings.Join(blocks, "\n---\n")
}
