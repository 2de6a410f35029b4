// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package run drives one human-gated retrieval run: it owns the step
// sequencing between the state store, the event stream, the approval gate,
// and the retrieval/synthesis collaborators.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianRelay/approval"
	"github.com/AleutianAI/AleutianRelay/datatypes"
	"github.com/AleutianAI/AleutianRelay/observability"
	"github.com/AleutianAI/AleutianRelay/state"
	"github.com/AleutianAI/AleutianRelay/stream"
)

// Controller errors.
var (
	// ErrRunBusy means a retrieval step is already in flight for this run.
	ErrRunBusy = errors.New("run: a step is already in progress")
	// ErrRunClosed means the run was reset or torn down.
	ErrRunClosed = errors.New("run: closed")
	// ErrRunFailed means a previous step failed and the run stopped
	// progressing. The error is recorded in the client-visible state.
	ErrRunFailed = errors.New("run: failed, reset to recover")
)

// TimeoutPolicy decides what the controller does when an approval checkpoint
// times out. The gate only reports the outcome; the policy lives here.
type TimeoutPolicy string

const (
	// TimeoutPolicyAbort records an error in state and stops the run.
	TimeoutPolicyAbort TimeoutPolicy = "abort"
	// TimeoutPolicySkip clears the pending step and keeps the run alive;
	// nothing is synthesized.
	TimeoutPolicySkip TimeoutPolicy = "skip"
)

// Config holds the controller's tunables.
type Config struct {
	// ApprovalTimeout bounds how long a checkpoint stays open.
	ApprovalTimeout time.Duration
	// TimeoutPolicy is applied when a checkpoint times out.
	TimeoutPolicy TimeoutPolicy
	// SearchHistoryLimit caps the retained query history.
	SearchHistoryLimit int
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		ApprovalTimeout:    30 * time.Second,
		TimeoutPolicy:      TimeoutPolicyAbort,
		SearchHistoryLimit: 10,
	}
}

// Controller sequences one run.
//
// # Description
//
// A query step reads the search config fresh from the store, retrieves
// candidates, publishes them, opens an approval checkpoint, and acts on the
// decision. Exactly one step may progress at a time; state patches, config
// merges, and stream attaches stay available throughout, including while a
// checkpoint is open. Collaborator failures are run-fatal: the error lands
// in a client-visible state field and the run stops progressing, leaving
// retries to the caller.
//
// # Thread Safety
//
// Safe for concurrent use. Step progression is serialized; everything else
// delegates to the store, gate, and stream, which serialize internally.
type Controller struct {
	runID       string
	store       *state.Store
	stream      *stream.Stream
	gate        *approval.Gate
	retriever   Retriever
	synthesizer Synthesizer
	cfg         Config
	metrics     *observability.RelayMetrics

	stepMu      sync.Mutex
	closed      atomic.Bool
	failed      atomic.Bool
	checkpoints atomic.Uint64
}

// NewController wires a controller to one run's store, stream, and gate.
// metrics may be nil outside the service process.
func NewController(runID string, st *state.Store, es *stream.Stream, gate *approval.Gate,
	retriever Retriever, synthesizer Synthesizer, cfg Config,
	metrics *observability.RelayMetrics) *Controller {

	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = DefaultConfig().ApprovalTimeout
	}
	if cfg.SearchHistoryLimit <= 0 {
		cfg.SearchHistoryLimit = DefaultConfig().SearchHistoryLimit
	}
	if cfg.TimeoutPolicy == "" {
		cfg.TimeoutPolicy = TimeoutPolicyAbort
	}

	c := &Controller{
		runID:       runID,
		store:       st,
		stream:      es,
		gate:        gate,
		retriever:   retriever,
		synthesizer: synthesizer,
		cfg:         cfg,
		metrics:     metrics,
	}

	// Every committed patch flows out as a delta against the previous
	// version. The store serializes listener calls, so prev tracks the
	// committed sequence exactly.
	prev, _ := st.Read()
	st.Subscribe(func(next datatypes.RunState, version uint64) {
		patch := state.Diff(prev, next)
		prev = next
		if len(patch) == 0 {
			return
		}
		if err := es.Publish(version, datatypes.EventKindDelta, patch); err != nil {
			c.notePublishFailure(err)
			return
		}
		c.countEvent(datatypes.EventKindDelta)
	})

	return c
}

// RunID returns the run this controller drives.
func (c *Controller) RunID() string {
	return c.runID
}

// Start publishes the initial snapshot so the stream's history begins with a
// complete picture even before any client attaches.
func (c *Controller) Start() error {
	st, version := c.store.Read()
	if err := c.stream.Publish(version, datatypes.EventKindSnapshot, st); err != nil {
		return fmt.Errorf("run %s: publish initial snapshot: %w", c.runID, err)
	}
	c.countEvent(datatypes.EventKindSnapshot)
	slog.Info("run started", "runId", c.runID)
	return nil
}

// RunQuery performs one retrieval step and, when candidates are found, opens
// an approval checkpoint and acts on its resolution. Only one step may be in
// flight per run.
func (c *Controller) RunQuery(ctx context.Context, query string) error {
	if c.closed.Load() {
		return ErrRunClosed
	}
	if c.failed.Load() {
		return ErrRunFailed
	}
	if !c.stepMu.TryLock() {
		return ErrRunBusy
	}
	defer c.stepMu.Unlock()

	cfg := c.readConfig()
	searchQuery := datatypes.SearchQuery{
		Query:      query,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		MatchCount: cfg.MaxResults,
		SearchType: cfg.SearchType,
	}
	c.patch(func(s *datatypes.RunState) {
		s.IsSearching = true
		s.ErrorMessage = nil
		s.CurrentQuery = &searchQuery
	})

	slog.Info("retrieval started", "runId", c.runID, "query", query,
		"searchType", cfg.SearchType, "maxResults", cfg.MaxResults,
		"similarityThreshold", cfg.SimilarityThreshold)

	started := time.Now()
	chunks, err := c.retriever.Search(ctx, query, cfg)
	if c.metrics != nil {
		c.metrics.RetrievalDurationSeconds.Observe(time.Since(started).Seconds())
	}
	if err != nil {
		c.fail(fmt.Sprintf("retrieval failed: %v", err), func(s *datatypes.RunState) {
			s.IsSearching = false
			s.RetrievedChunks = []datatypes.RetrievedChunk{}
			s.KnowledgeBaseStatus = datatypes.KBStatusError
		})
		return fmt.Errorf("run %s: retrieval: %w", c.runID, err)
	}
	assignChunkIndices(chunks)

	total, countErr := c.retriever.ChunkCount(ctx)
	if countErr != nil {
		slog.Warn("knowledge base count unavailable", "runId", c.runID, "error", countErr)
	}

	c.patch(func(s *datatypes.RunState) {
		s.RetrievedChunks = chunks
		s.IsSearching = false
		s.AwaitingApproval = len(chunks) > 0
		s.ApprovedChunkIds = []string{}
		s.KnowledgeBaseStatus = datatypes.KBStatusReady
		if countErr == nil {
			s.TotalChunksInKB = total
		}
		s.SearchHistory = append(s.SearchHistory, searchQuery)
		if len(s.SearchHistory) > c.cfg.SearchHistoryLimit {
			s.SearchHistory = s.SearchHistory[len(s.SearchHistory)-c.cfg.SearchHistoryLimit:]
		}
	})

	slog.Info("retrieval completed", "runId", c.runID, "query", query, "chunksFound", len(chunks))
	if len(chunks) == 0 {
		return nil
	}

	checkpointID := fmt.Sprintf("c%d", c.checkpoints.Add(1))
	waitStart := time.Now()
	res, err := c.gate.Request(ctx, checkpointID, chunks, c.cfg.ApprovalTimeout)
	if err != nil {
		// Two pending checkpoints means the step protocol itself broke.
		c.fail(fmt.Sprintf("checkpoint protocol violation at %s: %v", checkpointID, err), nil)
		return fmt.Errorf("run %s: %w", c.runID, err)
	}
	c.observeApproval(res.Decision, time.Since(waitStart))

	if c.closed.Load() || res.Decision == approval.DecisionCancelled {
		// Reset owns the state now; leave no trace of this step.
		return ErrRunClosed
	}

	record := datatypes.ApprovalRecord{
		CheckpointId: checkpointID,
		Decision:     string(res.Decision),
		ResolvedAt:   time.Now().UTC(),
	}

	switch res.Decision {
	case approval.DecisionApproved:
		return c.synthesize(ctx, query, res.Payload, record)
	case approval.DecisionRejected:
		slog.Info("candidates rejected", "runId", c.runID, "checkpointId", checkpointID)
		c.patch(func(s *datatypes.RunState) {
			s.AwaitingApproval = false
			s.ApprovedChunkIds = []string{}
			s.ApprovalHistory = append(s.ApprovalHistory, record)
		})
		return nil
	case approval.DecisionTimedOut:
		return c.handleTimeout(checkpointID, record)
	default:
		return nil
	}
}

// synthesize marks the client's selection and produces the answer from only
// the selected chunks.
func (c *Controller) synthesize(ctx context.Context, query string,
	payload *datatypes.ApprovalResponsePayload, record datatypes.ApprovalRecord) error {

	var selectedIds []string
	if payload != nil {
		selectedIds = payload.SelectedIds
	}

	st := c.patch(func(s *datatypes.RunState) {
		selected := make(map[string]bool, len(selectedIds))
		for _, id := range selectedIds {
			selected[id] = true
		}
		kept := make([]string, 0, len(selectedIds))
		for i := range s.RetrievedChunks {
			approved := selected[s.RetrievedChunks[i].ChunkId]
			s.RetrievedChunks[i].Approved = approved
			if approved {
				kept = append(kept, s.RetrievedChunks[i].ChunkId)
			}
		}
		s.ApprovedChunkIds = kept
		s.AwaitingApproval = false
		s.IsSynthesizing = true
		s.ApprovalHistory = append(s.ApprovalHistory, record)
	})

	var approvedChunks []datatypes.RetrievedChunk
	for _, chunk := range st.RetrievedChunks {
		if chunk.Approved {
			approvedChunks = append(approvedChunks, chunk)
		}
	}
	slog.Info("synthesis started", "runId", c.runID,
		"approvedChunks", len(approvedChunks), "totalChunks", len(st.RetrievedChunks))

	if len(approvedChunks) == 0 {
		c.patch(func(s *datatypes.RunState) { s.IsSynthesizing = false })
		return nil
	}

	started := time.Now()
	answer, err := c.synthesizer.Synthesize(ctx, query, approvedChunks)
	if c.metrics != nil {
		c.metrics.SynthesisDurationSeconds.Observe(time.Since(started).Seconds())
	}
	if err != nil {
		c.fail(fmt.Sprintf("synthesis failed: %v", err), func(s *datatypes.RunState) {
			s.IsSynthesizing = false
		})
		return fmt.Errorf("run %s: synthesis: %w", c.runID, err)
	}

	c.patch(func(s *datatypes.RunState) {
		s.IsSynthesizing = false
		s.LastAnswer = answer
	})
	slog.Info("synthesis completed", "runId", c.runID, "chunksUsed", len(approvedChunks))
	return nil
}

func (c *Controller) handleTimeout(checkpointID string, record datatypes.ApprovalRecord) error {
	slog.Warn("approval checkpoint timed out", "runId", c.runID,
		"checkpointId", checkpointID, "policy", c.cfg.TimeoutPolicy)

	if c.cfg.TimeoutPolicy == TimeoutPolicySkip {
		c.patch(func(s *datatypes.RunState) {
			s.AwaitingApproval = false
			s.ApprovedChunkIds = []string{}
			s.ApprovalHistory = append(s.ApprovalHistory, record)
		})
		return nil
	}

	c.fail(fmt.Sprintf("approval timed out at checkpoint %s", checkpointID),
		func(s *datatypes.RunState) {
			s.ApprovalHistory = append(s.ApprovalHistory, record)
		})
	return nil
}

// ApplyWrite routes one inbound client write into the run.
func (c *Controller) ApplyWrite(merger *state.Merger, w datatypes.ClientWrite) error {
	if c.closed.Load() {
		return ErrRunClosed
	}
	switch w.Kind {
	case datatypes.WriteKindConfig:
		_, _, err := merger.Apply(w.Fields)
		return err
	case datatypes.WriteKindApprovalResponse:
		decision := approval.DecisionRejected
		if w.Decision == datatypes.DecisionApproved {
			decision = approval.DecisionApproved
		}
		return c.gate.Resolve(w.CheckpointId, decision, w.ResponsePayload)
	default:
		return fmt.Errorf("run %s: unsupported write kind %q", c.runID, w.Kind)
	}
}

// Close stops the run: any pending checkpoint resolves as cancelled and
// in-flight steps terminate on their next interaction with the store or
// gate. Safe to call at any time, and idempotent.
func (c *Controller) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.gate.Cancel()
	c.stream.Close()
	slog.Info("run closed", "runId", c.runID)
}

// Failed reports whether the run stopped on a fatal error.
func (c *Controller) Failed() bool {
	return c.failed.Load()
}

// readConfig reads the client-writable config fresh from the store. Never
// cache it across steps: the client may have changed it since the last use.
func (c *Controller) readConfig() datatypes.SearchConfig {
	st, _ := c.store.Read()
	return st.SearchConfig
}

// patch commits a mutation unless the run is closed, in which case in-flight
// steps must leave no side effects.
func (c *Controller) patch(mut state.Mutator) datatypes.RunState {
	if c.closed.Load() {
		st, _ := c.store.Read()
		return st
	}
	st, _ := c.store.Patch(mut)
	return st
}

// fail records a run-fatal error in the client-visible state and stops
// progression. extra, when non-nil, is applied in the same patch.
func (c *Controller) fail(msg string, extra state.Mutator) {
	c.failed.Store(true)
	slog.Error("run failed", "runId", c.runID, "error", msg)
	c.patch(func(s *datatypes.RunState) {
		m := msg
		s.ErrorMessage = &m
		s.AwaitingApproval = false
		if extra != nil {
			extra(s)
		}
	})
}

func (c *Controller) observeApproval(decision approval.Decision, wait time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.ApprovalsTotal.WithLabelValues(string(decision)).Inc()
	c.metrics.ApprovalWaitSeconds.Observe(wait.Seconds())
}

func (c *Controller) countEvent(kind string) {
	if c.metrics != nil {
		c.metrics.EventsPublishedTotal.WithLabelValues(kind).Inc()
	}
}

func (c *Controller) notePublishFailure(err error) {
	if errors.Is(err, stream.ErrStreamExpired) {
		if c.metrics != nil {
			c.metrics.StreamExpirationsTotal.Inc()
		}
		return
	}
	slog.Warn("event publish failed", "runId", c.runID, "error", err)
}

// assignChunkIndices numbers chunks 1..n within each source document, in
// retrieval order.
func assignChunkIndices(chunks []datatypes.RetrievedChunk) {
	counts := make(map[string]int)
	for i := range chunks {
		counts[chunks[i].DocumentId]++
		chunks[i].ChunkIndex = counts[chunks[i].DocumentId]
	}
}
