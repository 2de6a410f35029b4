// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianRelay/datatypes"
)

// =============================================================================
// Patch Types
// =============================================================================

// Op replaces the value at a field path. Optional fields that were cleared
// carry a JSON null Value (e.g. error_message resetting to absent).
type Op struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Patch is an ordered list of field replacements sufficient to reconstruct
// the newer of two adjacent state versions from the older one.
type Patch []Op

// Field paths emitted by Diff. The set is closed: Apply rejects anything
// else, which surfaces schema drift between producer and consumer.
const (
	pathRetrievedChunks     = "retrieved_chunks"
	pathCurrentQuery        = "current_query"
	pathSearchHistory       = "search_history"
	pathTotalChunksInKB     = "total_chunks_in_kb"
	pathKnowledgeBaseStatus = "knowledge_base_status"
	pathApprovedChunkIds    = "approved_chunk_ids"
	pathAwaitingApproval    = "awaiting_approval"
	pathApprovalHistory     = "approval_history"
	pathSimilarityThreshold = "search_config.similarity_threshold"
	pathMaxResults          = "search_config.max_results"
	pathSearchType          = "search_config.search_type"
	pathIsSearching         = "is_searching"
	pathIsSynthesizing      = "is_synthesizing"
	pathLastAnswer          = "last_answer"
	pathErrorMessage        = "error_message"
)

// =============================================================================
// Diff
// =============================================================================

// Diff computes the structural patch that turns prev into cur.
//
// # Description
//
// Fields are visited in a fixed order and values are compared by their JSON
// encoding, so identical inputs always yield a byte-identical patch. The
// candidate collection is replaced wholesale whenever its membership changes
// (a new retrieval); when membership is stable only the per-candidate fields
// that changed are emitted (an approval flip), addressed by index.
//
// Diff is side-effect free and never mutates its inputs.
func Diff(prev, cur datatypes.RunState) Patch {
	var p Patch

	p = diffChunks(p, prev.RetrievedChunks, cur.RetrievedChunks)
	p = appendIfChanged(p, pathCurrentQuery, prev.CurrentQuery, cur.CurrentQuery)
	p = appendIfChanged(p, pathSearchHistory, prev.SearchHistory, cur.SearchHistory)
	p = appendIfChanged(p, pathTotalChunksInKB, prev.TotalChunksInKB, cur.TotalChunksInKB)
	p = appendIfChanged(p, pathKnowledgeBaseStatus, prev.KnowledgeBaseStatus, cur.KnowledgeBaseStatus)
	p = appendIfChanged(p, pathApprovedChunkIds, prev.ApprovedChunkIds, cur.ApprovedChunkIds)
	p = appendIfChanged(p, pathAwaitingApproval, prev.AwaitingApproval, cur.AwaitingApproval)
	p = appendIfChanged(p, pathApprovalHistory, prev.ApprovalHistory, cur.ApprovalHistory)
	p = appendIfChanged(p, pathSimilarityThreshold, prev.SearchConfig.SimilarityThreshold, cur.SearchConfig.SimilarityThreshold)
	p = appendIfChanged(p, pathMaxResults, prev.SearchConfig.MaxResults, cur.SearchConfig.MaxResults)
	p = appendIfChanged(p, pathSearchType, prev.SearchConfig.SearchType, cur.SearchConfig.SearchType)
	p = appendIfChanged(p, pathIsSearching, prev.IsSearching, cur.IsSearching)
	p = appendIfChanged(p, pathIsSynthesizing, prev.IsSynthesizing, cur.IsSynthesizing)
	p = appendIfChanged(p, pathLastAnswer, prev.LastAnswer, cur.LastAnswer)
	p = appendIfChanged(p, pathErrorMessage, prev.ErrorMessage, cur.ErrorMessage)

	return p
}

// diffChunks emits either one wholesale replacement or per-index updates.
func diffChunks(p Patch, prev, cur []datatypes.RetrievedChunk) Patch {
	if !sameMembership(prev, cur) {
		return append(p, Op{Path: pathRetrievedChunks, Value: mustJSON(cur)})
	}
	for i := range cur {
		pv, cv := mustJSON(prev[i]), mustJSON(cur[i])
		if !bytes.Equal(pv, cv) {
			p = append(p, Op{Path: fmt.Sprintf("%s.%d", pathRetrievedChunks, i), Value: cv})
		}
	}
	return p
}

// sameMembership reports whether the two slices hold the same chunks in the
// same order, ignoring mutable per-chunk fields.
func sameMembership(prev, cur []datatypes.RetrievedChunk) bool {
	if len(prev) != len(cur) {
		return false
	}
	for i := range cur {
		if prev[i].ChunkId != cur[i].ChunkId {
			return false
		}
	}
	return true
}

func appendIfChanged(p Patch, path string, prev, cur any) Patch {
	pv, cv := mustJSON(prev), mustJSON(cur)
	if bytes.Equal(pv, cv) {
		return p
	}
	return append(p, Op{Path: path, Value: cv})
}

// mustJSON marshals a value that is known to be JSON-serializable. The state
// model contains only JSON types, so a failure here is a programming error.
func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("state: unmarshalable state field: %v", err))
	}
	return data
}

// =============================================================================
// Apply
// =============================================================================

// Apply reconstructs the newer state by applying a patch to prev. It is the
// inverse of Diff for any pair of states produced by one store patch.
func Apply(prev datatypes.RunState, p Patch) (datatypes.RunState, error) {
	out := prev.Clone()
	for _, op := range p {
		if err := applyOp(&out, op); err != nil {
			return datatypes.RunState{}, err
		}
	}
	return out, nil
}

func applyOp(st *datatypes.RunState, op Op) error {
	if idx, ok := chunkIndexPath(op.Path); ok {
		if idx < 0 || idx >= len(st.RetrievedChunks) {
			return fmt.Errorf("state: patch index %d out of range for %q", idx, op.Path)
		}
		return decodeInto(op, &st.RetrievedChunks[idx])
	}

	switch op.Path {
	case pathRetrievedChunks:
		return decodeInto(op, &st.RetrievedChunks)
	case pathCurrentQuery:
		return decodeInto(op, &st.CurrentQuery)
	case pathSearchHistory:
		return decodeInto(op, &st.SearchHistory)
	case pathTotalChunksInKB:
		return decodeInto(op, &st.TotalChunksInKB)
	case pathKnowledgeBaseStatus:
		return decodeInto(op, &st.KnowledgeBaseStatus)
	case pathApprovedChunkIds:
		return decodeInto(op, &st.ApprovedChunkIds)
	case pathAwaitingApproval:
		return decodeInto(op, &st.AwaitingApproval)
	case pathApprovalHistory:
		return decodeInto(op, &st.ApprovalHistory)
	case pathSimilarityThreshold:
		return decodeInto(op, &st.SearchConfig.SimilarityThreshold)
	case pathMaxResults:
		return decodeInto(op, &st.SearchConfig.MaxResults)
	case pathSearchType:
		return decodeInto(op, &st.SearchConfig.SearchType)
	case pathIsSearching:
		return decodeInto(op, &st.IsSearching)
	case pathIsSynthesizing:
		return decodeInto(op, &st.IsSynthesizing)
	case pathLastAnswer:
		return decodeInto(op, &st.LastAnswer)
	case pathErrorMessage:
		return decodeInto(op, &st.ErrorMessage)
	default:
		return fmt.Errorf("state: unknown patch path %q", op.Path)
	}
}

// chunkIndexPath parses "retrieved_chunks.N" paths.
func chunkIndexPath(path string) (int, bool) {
	rest, ok := strings.CutPrefix(path, pathRetrievedChunks+".")
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return idx, true
}

func decodeInto(op Op, dst any) error {
	if err := json.Unmarshal(op.Value, dst); err != nil {
		return fmt.Errorf("state: decode patch value at %q: %w", op.Path, err)
	}
	return nil
}
