// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianRelay/datatypes"
)

// StaticRetriever serves a fixed in-memory corpus. Used in lightweight mode
// when no Weaviate instance is configured, and by tests.
//
// Scoring is term overlap: the fraction of query terms found in the chunk.
type StaticRetriever struct {
	mu     sync.RWMutex
	chunks []datatypes.RetrievedChunk
}

func NewStaticRetriever(chunks []datatypes.RetrievedChunk) *StaticRetriever {
	return &StaticRetriever{chunks: chunks}
}

// Add appends chunks to the corpus.
func (r *StaticRetriever) Add(chunks ...datatypes.RetrievedChunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunks...)
}

func (r *StaticRetriever) Search(ctx context.Context, query string,
	cfg datatypes.SearchConfig) ([]datatypes.RetrievedChunk, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := strings.Fields(strings.ToLower(query))

	r.mu.RLock()
	defer r.mu.RUnlock()

	matches := []datatypes.RetrievedChunk{}
	for _, chunk := range r.chunks {
		score := termOverlap(strings.ToLower(chunk.Content), terms)
		if score < cfg.SimilarityThreshold {
			continue
		}
		c := chunk
		c.Similarity = score
		matches = append(matches, c)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > cfg.MaxResults {
		matches = matches[:cfg.MaxResults]
	}
	return matches, nil
}

func (r *StaticRetriever) ChunkCount(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chunks), nil
}

func termOverlap(content string, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	hits := 0
	for _, term := range terms {
		if strings.Contains(content, term) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
