// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package run

import (
	"context"

	"github.com/AleutianAI/AleutianRelay/datatypes"
)

// Retriever is the knowledge-base collaborator. Implementations rank results
// and honor the supplied config (threshold, result cap, search type); the
// controller only requires that results come back in the RetrievedChunk
// shape, ordered by relevance.
type Retriever interface {
	// Search returns the chunks matching query under cfg.
	Search(ctx context.Context, query string, cfg datatypes.SearchConfig) ([]datatypes.RetrievedChunk, error)

	// ChunkCount reports how many chunks the knowledge base holds.
	ChunkCount(ctx context.Context) (int, error)
}

// Synthesizer produces the final answer from the client-selected chunks.
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, chunks []datatypes.RetrievedChunk) (string, error)
}
