// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the in-memory retriever

package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/datatypes"
)

func corpus() []datatypes.RetrievedChunk {
	return []datatypes.RetrievedChunk{
		{ChunkId: "c1", DocumentId: "d1", Content: "gophers burrow underground"},
		{ChunkId: "c2", DocumentId: "d1", Content: "gophers eat roots and tubers"},
		{ChunkId: "c3", DocumentId: "d2", Content: "hawks hunt from above"},
	}
}

func cfg(threshold float64, max int) datatypes.SearchConfig {
	return datatypes.SearchConfig{
		SimilarityThreshold: threshold,
		MaxResults:          max,
		SearchType:          datatypes.SearchTypeSemantic,
	}
}

func TestStaticRetriever_FiltersByThreshold(t *testing.T) {
	r := NewStaticRetriever(corpus())

	// "gophers burrow" fully matches c1, half-matches c2, misses c3.
	got, err := r.Search(context.Background(), "gophers burrow", cfg(0.75, 10))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ChunkId)
	assert.Equal(t, 1.0, got[0].Similarity)
}

func TestStaticRetriever_OrdersBySimilarity(t *testing.T) {
	r := NewStaticRetriever(corpus())

	got, err := r.Search(context.Background(), "gophers burrow", cfg(0.1, 10))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c1", got[0].ChunkId)
	assert.Equal(t, "c2", got[1].ChunkId)
	assert.Greater(t, got[0].Similarity, got[1].Similarity)
}

func TestStaticRetriever_CapsAtMaxResults(t *testing.T) {
	r := NewStaticRetriever(corpus())

	got, err := r.Search(context.Background(), "gophers burrow", cfg(0.1, 1))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ChunkId)
}

func TestStaticRetriever_NoMatches(t *testing.T) {
	r := NewStaticRetriever(corpus())

	got, err := r.Search(context.Background(), "submarine volcanoes", cfg(0.5, 10))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStaticRetriever_CancelledContext(t *testing.T) {
	r := NewStaticRetriever(corpus())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Search(ctx, "gophers", cfg(0.5, 10))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStaticRetriever_ChunkCountTracksAdds(t *testing.T) {
	r := NewStaticRetriever(corpus())

	n, err := r.ChunkCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	r.Add(datatypes.RetrievedChunk{ChunkId: "c4", DocumentId: "d2", Content: "more"})
	n, err = r.ChunkCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestStaticRetriever_DoesNotMutateCorpus(t *testing.T) {
	chunks := corpus()
	r := NewStaticRetriever(chunks)

	got, err := r.Search(context.Background(), "gophers burrow", cfg(0.1, 10))
	require.NoError(t, err)
	got[0].Approved = true

	again, err := r.Search(context.Background(), "gophers burrow", cfg(0.1, 10))
	require.NoError(t, err)
	assert.False(t, again[0].Approved)
}
