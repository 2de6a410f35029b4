// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the run controller

package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/approval"
	"github.com/AleutianAI/AleutianRelay/datatypes"
	"github.com/AleutianAI/AleutianRelay/state"
	"github.com/AleutianAI/AleutianRelay/stream"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeRetriever struct {
	mu      sync.Mutex
	chunks  []datatypes.RetrievedChunk
	total   int
	err     error
	lastCfg datatypes.SearchConfig
}

func (f *fakeRetriever) Search(ctx context.Context, query string,
	cfg datatypes.SearchConfig) ([]datatypes.RetrievedChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCfg = cfg
	if f.err != nil {
		return nil, f.err
	}
	out := make([]datatypes.RetrievedChunk, len(f.chunks))
	copy(out, f.chunks)
	return out, nil
}

func (f *fakeRetriever) ChunkCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total, nil
}

func (f *fakeRetriever) seenConfig() datatypes.SearchConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCfg
}

type fakeSynthesizer struct {
	mu     sync.Mutex
	err    error
	chunks []datatypes.RetrievedChunk
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, query string,
	chunks []datatypes.RetrievedChunk) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.chunks = append([]datatypes.RetrievedChunk(nil), chunks...)
	return fmt.Sprintf("answer to %q from %d chunks", query, len(chunks)), nil
}

func (f *fakeSynthesizer) seenChunks() []datatypes.RetrievedChunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunks
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	store       *state.Store
	stream      *stream.Stream
	gate        *approval.Gate
	retriever   *fakeRetriever
	synthesizer *fakeSynthesizer
	ctrl        *Controller
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:       state.NewStore(),
		gate:        approval.NewGate(),
		retriever:   &fakeRetriever{total: 100},
		synthesizer: &fakeSynthesizer{},
	}
	h.stream = stream.New("run-test", func() (datatypes.RunState, uint64) {
		return h.store.Read()
	})
	h.ctrl = NewController("run-test", h.store, h.stream, h.gate,
		h.retriever, h.synthesizer, cfg, nil)
	require.NoError(t, h.ctrl.Start())
	return h
}

func testChunks() []datatypes.RetrievedChunk {
	return []datatypes.RetrievedChunk{
		{ChunkId: "c1", DocumentId: "d1", Content: "alpha", Similarity: 0.9},
		{ChunkId: "c2", DocumentId: "d1", Content: "beta", Similarity: 0.8},
		{ChunkId: "c3", DocumentId: "d2", Content: "gamma", Similarity: 0.7},
	}
}

// startQuery launches RunQuery and waits until it suspends at the gate.
func (h *harness) startQuery(t *testing.T, query string) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- h.ctrl.RunQuery(context.Background(), query)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := h.gate.Pending(); ok {
			return done
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("query never reached the approval checkpoint")
	return done
}

// =============================================================================
// Query Step Tests
// =============================================================================

func TestController_QueryReachesApproval(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.retriever.chunks = testChunks()

	done := h.startQuery(t, "what is alpha")

	st, _ := h.store.Read()
	assert.True(t, st.AwaitingApproval)
	assert.False(t, st.IsSearching)
	assert.Len(t, st.RetrievedChunks, 3)
	assert.Equal(t, 100, st.TotalChunksInKB)
	require.NotNil(t, st.CurrentQuery)
	assert.Equal(t, "what is alpha", st.CurrentQuery.Query)
	require.Len(t, st.SearchHistory, 1)

	// Chunk indices are 1-based within each source document.
	assert.Equal(t, 1, st.RetrievedChunks[0].ChunkIndex)
	assert.Equal(t, 2, st.RetrievedChunks[1].ChunkIndex)
	assert.Equal(t, 1, st.RetrievedChunks[2].ChunkIndex)

	pending, ok := h.gate.Pending()
	require.True(t, ok)
	require.NoError(t, h.gate.Resolve(pending.CheckpointId, approval.DecisionRejected, nil))
	require.NoError(t, <-done)
}

func TestController_ApproveSubsetSynthesizesFromSelection(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.retriever.chunks = testChunks()
	done := h.startQuery(t, "what is alpha")

	pending, _ := h.gate.Pending()
	require.NoError(t, h.gate.Resolve(pending.CheckpointId, approval.DecisionApproved,
		&datatypes.ApprovalResponsePayload{SelectedIds: []string{"c1", "c3"}}))
	require.NoError(t, <-done)

	st, _ := h.store.Read()
	assert.False(t, st.AwaitingApproval)
	assert.False(t, st.IsSynthesizing)
	assert.Equal(t, []string{"c1", "c3"}, st.ApprovedChunkIds)
	assert.True(t, st.RetrievedChunks[0].Approved)
	assert.False(t, st.RetrievedChunks[1].Approved)
	assert.True(t, st.RetrievedChunks[2].Approved)
	assert.Contains(t, st.LastAnswer, "2 chunks")

	used := h.synthesizer.seenChunks()
	require.Len(t, used, 2)
	assert.Equal(t, "c1", used[0].ChunkId)
	assert.Equal(t, "c3", used[1].ChunkId)

	require.Len(t, st.ApprovalHistory, 1)
	assert.Equal(t, string(approval.DecisionApproved), st.ApprovalHistory[0].Decision)
}

func TestController_RejectSkipsSynthesis(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.retriever.chunks = testChunks()
	done := h.startQuery(t, "what is alpha")

	pending, _ := h.gate.Pending()
	require.NoError(t, h.gate.Resolve(pending.CheckpointId, approval.DecisionRejected, nil))
	require.NoError(t, <-done)

	st, _ := h.store.Read()
	assert.False(t, st.AwaitingApproval)
	assert.Empty(t, st.ApprovedChunkIds)
	assert.Empty(t, st.LastAnswer)
	assert.Empty(t, h.synthesizer.seenChunks())
	require.Len(t, st.ApprovalHistory, 1)
	assert.Equal(t, string(approval.DecisionRejected), st.ApprovalHistory[0].Decision)
}

func TestController_EmptySelectionSynthesizesNothing(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.retriever.chunks = testChunks()
	done := h.startQuery(t, "what is alpha")

	pending, _ := h.gate.Pending()
	require.NoError(t, h.gate.Resolve(pending.CheckpointId, approval.DecisionApproved,
		&datatypes.ApprovalResponsePayload{SelectedIds: []string{}}))
	require.NoError(t, <-done)

	st, _ := h.store.Read()
	assert.Empty(t, st.LastAnswer)
	assert.False(t, st.IsSynthesizing)
	assert.Empty(t, h.synthesizer.seenChunks())
}

func TestController_NoResultsSkipsCheckpoint(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.retriever.chunks = nil

	require.NoError(t, h.ctrl.RunQuery(context.Background(), "nothing matches"))

	st, _ := h.store.Read()
	assert.False(t, st.AwaitingApproval)
	assert.Empty(t, st.RetrievedChunks)
	_, ok := h.gate.Pending()
	assert.False(t, ok)
}

func TestController_NewSearchResetsApprovals(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.retriever.chunks = testChunks()
	done := h.startQuery(t, "first")
	pending, _ := h.gate.Pending()
	require.NoError(t, h.gate.Resolve(pending.CheckpointId, approval.DecisionApproved,
		&datatypes.ApprovalResponsePayload{SelectedIds: []string{"c1"}}))
	require.NoError(t, <-done)

	done = h.startQuery(t, "second")
	st, _ := h.store.Read()
	assert.Empty(t, st.ApprovedChunkIds, "a new search clears earlier approvals")
	assert.True(t, st.AwaitingApproval)

	pending, _ = h.gate.Pending()
	require.NoError(t, h.gate.Resolve(pending.CheckpointId, approval.DecisionRejected, nil))
	require.NoError(t, <-done)
}

func TestController_SearchHistoryCapped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SearchHistoryLimit = 3
	h := newHarness(t, cfg)
	h.retriever.chunks = nil

	for i := 0; i < 5; i++ {
		require.NoError(t, h.ctrl.RunQuery(context.Background(), fmt.Sprintf("q%d", i)))
	}

	st, _ := h.store.Read()
	require.Len(t, st.SearchHistory, 3)
	assert.Equal(t, "q2", st.SearchHistory[0].Query)
	assert.Equal(t, "q4", st.SearchHistory[2].Query)
}

func TestController_OnlyOneStepInFlight(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.retriever.chunks = testChunks()
	done := h.startQuery(t, "first")

	err := h.ctrl.RunQuery(context.Background(), "second")
	assert.ErrorIs(t, err, ErrRunBusy)

	pending, _ := h.gate.Pending()
	require.NoError(t, h.gate.Resolve(pending.CheckpointId, approval.DecisionRejected, nil))
	require.NoError(t, <-done)
}

// =============================================================================
// Config Interplay Tests
// =============================================================================

func TestController_ConfigReadFreshPerStep(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.retriever.chunks = nil
	merger := state.NewMerger(h.store)

	require.NoError(t, h.ctrl.RunQuery(context.Background(), "first"))
	assert.Equal(t, 10, h.retriever.seenConfig().MaxResults)

	_, _, err := merger.Apply(map[string]any{"max_results": 3, "search_type": "hybrid"})
	require.NoError(t, err)

	require.NoError(t, h.ctrl.RunQuery(context.Background(), "second"))
	assert.Equal(t, 3, h.retriever.seenConfig().MaxResults)
	assert.Equal(t, "hybrid", h.retriever.seenConfig().SearchType)
}

func TestController_ConfigWritableWhileAwaitingApproval(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.retriever.chunks = testChunks()
	done := h.startQuery(t, "first")
	merger := state.NewMerger(h.store)

	// The open checkpoint must not block a config write.
	_, _, err := merger.Apply(map[string]any{"max_results": 5})
	require.NoError(t, err)

	pending, _ := h.gate.Pending()
	require.NoError(t, h.gate.Resolve(pending.CheckpointId, approval.DecisionRejected, nil))
	require.NoError(t, <-done)

	// The changed config applies to the next retrieval.
	h.retriever.chunks = nil
	require.NoError(t, h.ctrl.RunQuery(context.Background(), "second"))
	assert.Equal(t, 5, h.retriever.seenConfig().MaxResults)
}

// =============================================================================
// Failure and Timeout Tests
// =============================================================================

func TestController_RetrieverFailureIsRunFatal(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.retriever.err = errors.New("vector store down")

	err := h.ctrl.RunQuery(context.Background(), "query")
	require.Error(t, err)

	st, _ := h.store.Read()
	require.NotNil(t, st.ErrorMessage)
	assert.Contains(t, *st.ErrorMessage, "retrieval failed")
	assert.Equal(t, datatypes.KBStatusError, st.KnowledgeBaseStatus)
	assert.True(t, h.ctrl.Failed())

	assert.ErrorIs(t, h.ctrl.RunQuery(context.Background(), "again"), ErrRunFailed)
}

func TestController_SynthesisFailureIsRunFatal(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.retriever.chunks = testChunks()
	h.synthesizer.err = errors.New("llm unreachable")
	done := h.startQuery(t, "query")

	pending, _ := h.gate.Pending()
	require.NoError(t, h.gate.Resolve(pending.CheckpointId, approval.DecisionApproved,
		&datatypes.ApprovalResponsePayload{SelectedIds: []string{"c1"}}))
	require.Error(t, <-done)

	st, _ := h.store.Read()
	require.NotNil(t, st.ErrorMessage)
	assert.Contains(t, *st.ErrorMessage, "synthesis failed")
	assert.False(t, st.IsSynthesizing)
	assert.True(t, h.ctrl.Failed())
}

func TestController_TimeoutAbortPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApprovalTimeout = 20 * time.Millisecond
	cfg.TimeoutPolicy = TimeoutPolicyAbort
	h := newHarness(t, cfg)
	h.retriever.chunks = testChunks()

	require.NoError(t, h.ctrl.RunQuery(context.Background(), "query"))

	st, _ := h.store.Read()
	require.NotNil(t, st.ErrorMessage)
	assert.Contains(t, *st.ErrorMessage, "timed out")
	assert.True(t, h.ctrl.Failed())
	require.Len(t, st.ApprovalHistory, 1)
	assert.Equal(t, string(approval.DecisionTimedOut), st.ApprovalHistory[0].Decision)
}

func TestController_TimeoutSkipPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApprovalTimeout = 20 * time.Millisecond
	cfg.TimeoutPolicy = TimeoutPolicySkip
	h := newHarness(t, cfg)
	h.retriever.chunks = testChunks()

	require.NoError(t, h.ctrl.RunQuery(context.Background(), "query"))

	st, _ := h.store.Read()
	assert.Nil(t, st.ErrorMessage)
	assert.False(t, st.AwaitingApproval)
	assert.False(t, h.ctrl.Failed())

	// The run keeps accepting queries.
	require.NoError(t, h.ctrl.RunQuery(context.Background(), "next"))
}

func TestController_CloseCancelsPendingStep(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.retriever.chunks = testChunks()
	done := h.startQuery(t, "query")

	h.ctrl.Close()
	assert.ErrorIs(t, <-done, ErrRunClosed)
	assert.ErrorIs(t, h.ctrl.RunQuery(context.Background(), "after close"), ErrRunClosed)
}

// =============================================================================
// Event Publication Tests
// =============================================================================

func TestController_PatchesFlowAsDeltas(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.retriever.chunks = nil

	require.NoError(t, h.ctrl.RunQuery(context.Background(), "query"))

	// The initial snapshot plus at least the searching and results deltas
	// are waiting in the disconnect buffer.
	assert.GreaterOrEqual(t, h.stream.Buffered(), 3)
}

// =============================================================================
// Write Routing Tests
// =============================================================================

func TestController_ApplyWriteRoutesConfig(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	merger := state.NewMerger(h.store)

	err := h.ctrl.ApplyWrite(merger, datatypes.ClientWrite{
		Kind:   datatypes.WriteKindConfig,
		Fields: map[string]any{"max_results": 4},
	})
	require.NoError(t, err)

	st, _ := h.store.Read()
	assert.Equal(t, 4, st.SearchConfig.MaxResults)
}

func TestController_ApplyWriteRoutesApproval(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.retriever.chunks = testChunks()
	done := h.startQuery(t, "query")
	pending, _ := h.gate.Pending()
	merger := state.NewMerger(h.store)

	err := h.ctrl.ApplyWrite(merger, datatypes.ClientWrite{
		Kind:            datatypes.WriteKindApprovalResponse,
		CheckpointId:    pending.CheckpointId,
		Decision:        datatypes.DecisionApproved,
		ResponsePayload: &datatypes.ApprovalResponsePayload{SelectedIds: []string{"c2"}},
	})
	require.NoError(t, err)
	require.NoError(t, <-done)

	st, _ := h.store.Read()
	assert.Equal(t, []string{"c2"}, st.ApprovedChunkIds)
}

func TestController_ApplyWriteNoPendingApproval(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	merger := state.NewMerger(h.store)

	err := h.ctrl.ApplyWrite(merger, datatypes.ClientWrite{
		Kind:         datatypes.WriteKindApprovalResponse,
		CheckpointId: "c1",
		Decision:     datatypes.DecisionApproved,
	})
	assert.ErrorIs(t, err, approval.ErrNoSuchPendingApproval)
}
