package datatypes

import "time"

// SearchType values accepted in SearchConfig and SearchQuery.
const (
	SearchTypeSemantic = "semantic"
	SearchTypeHybrid   = "hybrid"
)

// KnowledgeBaseStatus values surfaced to clients.
const (
	KBStatusReady    = "ready"
	KBStatusIndexing = "indexing"
	KBStatusError    = "error"
)

// RetrievedChunk is one unit of evidence pulled from the knowledge base and
// shown to the client for approval. Only the Approved flag is client-writable;
// everything else is set at retrieval time and replaced wholesale on the next
// search.
type RetrievedChunk struct {
	ChunkId        string         `json:"chunk_id"`
	DocumentId     string         `json:"document_id"`
	Content        string         `json:"content"`
	Similarity     float64        `json:"similarity"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	DocumentTitle  string         `json:"document_title"`
	DocumentSource string         `json:"document_source"`
	// ChunkIndex is the 1-based position of this chunk within its source
	// document, assigned in retrieval order (Chunk 2 of Document A).
	ChunkIndex int  `json:"chunk_index"`
	Approved   bool `json:"approved"`
}

// SearchQuery records one search the run performed.
type SearchQuery struct {
	Query      string `json:"query"`
	Timestamp  string `json:"timestamp"`
	MatchCount int    `json:"match_count"`
	SearchType string `json:"search_type"`
}

// SearchConfig holds the client-writable retrieval parameters. Clients adjust
// these between steps; the run re-reads them at the start of every retrieval.
// Bounds are enforced by the state merge schema and the validate tags.
type SearchConfig struct {
	SimilarityThreshold float64 `json:"similarity_threshold" validate:"gte=0,lte=1"`
	MaxResults          int     `json:"max_results" validate:"gt=0,lte=50"`
	SearchType          string  `json:"search_type" validate:"oneof=semantic hybrid"`
}

// DefaultSearchConfig returns the SearchConfig a fresh run starts with.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		SimilarityThreshold: 0.5,
		MaxResults:          10,
		SearchType:          SearchTypeSemantic,
	}
}

// ApprovalRecord is one resolved checkpoint, kept in the run state so a client
// can always reconstruct how the run got where it is, even after a reconnect.
type ApprovalRecord struct {
	CheckpointId string    `json:"checkpoint_id"`
	Decision     string    `json:"decision"`
	ResolvedAt   time.Time `json:"resolved_at"`
}

// RunState is the single authoritative state object for one run. The server
// owns it; clients observe it through the event stream and write back only the
// fields the merge schema allows (search_config) plus approval responses.
//
// Field names are the wire contract with the frontend and must not drift.
type RunState struct {
	// Retrieval results (server -> client).
	RetrievedChunks []RetrievedChunk `json:"retrieved_chunks"`
	CurrentQuery    *SearchQuery     `json:"current_query,omitempty"`
	SearchHistory   []SearchQuery    `json:"search_history"`

	// Knowledge base info.
	TotalChunksInKB     int    `json:"total_chunks_in_kb"`
	KnowledgeBaseStatus string `json:"knowledge_base_status"`

	// Human-in-the-loop approval workflow (client <-> server).
	ApprovedChunkIds []string         `json:"approved_chunk_ids"`
	AwaitingApproval bool             `json:"awaiting_approval"`
	ApprovalHistory  []ApprovalRecord `json:"approval_history"`

	// Client-writable retrieval parameters (client -> server).
	SearchConfig SearchConfig `json:"search_config"`

	// Progress hints (derived, server-only).
	IsSearching    bool    `json:"is_searching"`
	IsSynthesizing bool    `json:"is_synthesizing"`
	LastAnswer     string  `json:"last_answer,omitempty"`
	ErrorMessage   *string `json:"error_message,omitempty"`
}

// NewRunState returns the initial state for a fresh run.
func NewRunState() RunState {
	return RunState{
		RetrievedChunks:     []RetrievedChunk{},
		SearchHistory:       []SearchQuery{},
		ApprovedChunkIds:    []string{},
		ApprovalHistory:     []ApprovalRecord{},
		KnowledgeBaseStatus: KBStatusReady,
		SearchConfig:        DefaultSearchConfig(),
	}
}

// Clone returns a deep copy. The state store hands copies to mutators and
// listeners so no caller ever aliases the committed state.
func (s RunState) Clone() RunState {
	out := s
	if s.RetrievedChunks != nil {
		out.RetrievedChunks = make([]RetrievedChunk, len(s.RetrievedChunks))
		for i, c := range s.RetrievedChunks {
			out.RetrievedChunks[i] = c.clone()
		}
	}
	if s.CurrentQuery != nil {
		q := *s.CurrentQuery
		out.CurrentQuery = &q
	}
	if s.SearchHistory != nil {
		out.SearchHistory = append([]SearchQuery(nil), s.SearchHistory...)
	}
	if s.ApprovedChunkIds != nil {
		out.ApprovedChunkIds = append([]string(nil), s.ApprovedChunkIds...)
	}
	if s.ApprovalHistory != nil {
		out.ApprovalHistory = append([]ApprovalRecord(nil), s.ApprovalHistory...)
	}
	if s.ErrorMessage != nil {
		msg := *s.ErrorMessage
		out.ErrorMessage = &msg
	}
	return out
}

func (c RetrievedChunk) clone() RetrievedChunk {
	out := c
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
