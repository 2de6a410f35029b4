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
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRelay/approval"
	"github.com/AleutianAI/AleutianRelay/datatypes"
	"github.com/AleutianAI/AleutianRelay/observability"
	"github.com/AleutianAI/AleutianRelay/state"
	"github.com/AleutianAI/AleutianRelay/stream"
)

// ErrRunNotFound means the registry has no run under the given id.
var ErrRunNotFound = errors.New("run: not found")

// Run bundles the per-run collaborators the handlers need.
type Run struct {
	ID         string
	Store      *state.Store
	Stream     *stream.Stream
	Gate       *approval.Gate
	Controller *Controller
	Merger     *state.Merger
}

// Registry owns the lifecycle of all live runs in the process.
//
// # Description
//
// Create builds a run's store, stream, gate, merger, and controller as one
// unit and publishes the initial snapshot. Reset tears the old unit down
// (pending checkpoints resolve as cancelled, attached streams close) and
// rebuilds a fresh one under the same run id, so a client can recover from a
// failed run without losing its URL. Remove tears down and forgets.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	retriever   Retriever
	synthesizer Synthesizer
	cfg         Config
	metrics     *observability.RelayMetrics

	mu   sync.Mutex
	runs map[string]*Run
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(retriever Retriever, synthesizer Synthesizer, cfg Config,
	metrics *observability.RelayMetrics) *Registry {
	return &Registry{
		retriever:   retriever,
		synthesizer: synthesizer,
		cfg:         cfg,
		metrics:     metrics,
		runs:        make(map[string]*Run),
	}
}

// Create starts a new run and returns it. The run id is server-assigned.
func (r *Registry) Create() (*Run, error) {
	id := uuid.New().String()
	ru, err := r.build(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.runs[id] = ru
	n := len(r.runs)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveRuns.Set(float64(n))
	}
	return ru, nil
}

// Get returns the live run for id.
func (r *Registry) Get(id string) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ru, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return ru, nil
}

// Reset replaces the run's entire unit under the same id. The old stream
// closes, so attached clients see end-of-stream and must re-attach; the new
// stream's sequence restarts at 1 with a fresh snapshot.
func (r *Registry) Reset(id string) (*Run, error) {
	r.mu.Lock()
	old, ok := r.runs[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	old.Controller.Close()
	fresh, err := r.build(id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.runs[id] = fresh
	r.mu.Unlock()
	slog.Info("run reset", "runId", id)
	return fresh, nil
}

// Remove tears down the run and forgets it.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	ru, ok := r.runs[id]
	if ok {
		delete(r.runs, id)
	}
	n := len(r.runs)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	ru.Controller.Close()
	if r.metrics != nil {
		r.metrics.ActiveRuns.Set(float64(n))
	}
	return nil
}

// Shutdown closes every live run. Used on process exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	runs := make([]*Run, 0, len(r.runs))
	for _, ru := range r.runs {
		runs = append(runs, ru)
	}
	r.runs = make(map[string]*Run)
	r.mu.Unlock()

	for _, ru := range runs {
		ru.Controller.Close()
	}
	if r.metrics != nil {
		r.metrics.ActiveRuns.Set(0)
	}
	slog.Info("all runs closed", "count", len(runs))
}

func (r *Registry) build(id string) (*Run, error) {
	st := state.NewStore()
	es := stream.New(id, func() (datatypes.RunState, uint64) {
		return st.Read()
	})
	gate := approval.NewGate()
	ctrl := NewController(id, st, es, gate, r.retriever, r.synthesizer, r.cfg, r.metrics)
	if err := ctrl.Start(); err != nil {
		return nil, err
	}
	return &Run{
		ID:         id,
		Store:      st,
		Stream:     es,
		Gate:       gate,
		Controller: ctrl,
		Merger:     state.NewMerger(st),
	}, nil
}
