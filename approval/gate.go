// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package approval implements the gate that suspends a run at a named
// checkpoint until a client decision arrives, a timeout fires, or the run is
// reset.
package approval

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelay/datatypes"
)

// Gate errors.
var (
	// ErrApprovalAlreadyPending means a second Request was issued while one
	// was pending. That is a checkpoint protocol violation by the caller and
	// is fatal to the run.
	ErrApprovalAlreadyPending = errors.New("approval: a checkpoint is already pending")
	// ErrNoSuchPendingApproval means a Resolve named an unknown or already
	// resolved checkpoint. The state is unchanged; report it to the client.
	ErrNoSuchPendingApproval = errors.New("approval: no such pending checkpoint")
)

// Decision is the terminal outcome of one checkpoint occurrence.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionTimedOut Decision = "timed-out"
	// DecisionCancelled means the owning run was reset or aborted while the
	// checkpoint was pending. Distinct from rejected: the user never said no.
	DecisionCancelled Decision = "cancelled"
)

// Resolution is what a suspended Request call wakes up with.
type Resolution struct {
	Decision Decision
	// Payload is the client's response payload; nil for timed-out and
	// cancelled outcomes.
	Payload *datatypes.ApprovalResponsePayload
}

// pendingCheckpoint is the one-shot synchronization cell for a checkpoint
// occurrence. Its channel is buffered so resolvers never block on a waiter
// that is concurrently being timed out.
type pendingCheckpoint struct {
	checkpointID string
	payload      any
	createdAt    time.Time
	resolved     chan Resolution
}

// Gate serializes the approval protocol for one run.
//
// # Description
//
// Request suspends only the calling goroutine; the gate holds no lock while
// suspended, so state patches, config merges, and stream attaches proceed
// freely during an open approval. At most one checkpoint may be pending at a
// time, and every occurrence resolves exactly once: resolution, timeout, and
// cancellation race for ownership of the pending cell, and only the winner
// delivers an outcome.
//
// # Thread Safety
//
// Safe for concurrent use by the run goroutine and inbound write handlers.
type Gate struct {
	mu      sync.Mutex
	pending *pendingCheckpoint
}

// NewGate creates an empty gate.
func NewGate() *Gate {
	return &Gate{}
}

// Request describes the checkpoint currently awaiting a decision.
type Request struct {
	CheckpointId string    `json:"checkpoint_id"`
	Payload      any       `json:"payload,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Pending returns the checkpoint currently awaiting a decision, if any.
func (g *Gate) Pending() (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return Request{}, false
	}
	return Request{
		CheckpointId: g.pending.checkpointID,
		Payload:      g.pending.payload,
		CreatedAt:    g.pending.createdAt,
	}, true
}

// Request opens a checkpoint and suspends until it resolves.
//
// # Description
//
// Blocks the calling goroutine until Resolve delivers a client decision, the
// timeout elapses (Resolution{DecisionTimedOut}), or ctx is cancelled
// (Resolution{DecisionCancelled}). Timeouts and cancellations are normal
// outcomes, not errors. The only error is ErrApprovalAlreadyPending when a
// checkpoint is already open.
func (g *Gate) Request(ctx context.Context, checkpointID string, payload any, timeout time.Duration) (Resolution, error) {
	p := &pendingCheckpoint{
		checkpointID: checkpointID,
		payload:      payload,
		createdAt:    time.Now(),
		resolved:     make(chan Resolution, 1),
	}

	g.mu.Lock()
	if g.pending != nil {
		g.mu.Unlock()
		return Resolution{}, ErrApprovalAlreadyPending
	}
	g.pending = p
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.resolved:
		return res, nil
	case <-timer.C:
		if g.take(p) {
			return Resolution{Decision: DecisionTimedOut}, nil
		}
		// A resolver won the race; its outcome is already in flight.
		return <-p.resolved, nil
	case <-ctx.Done():
		if g.take(p) {
			return Resolution{Decision: DecisionCancelled}, nil
		}
		return <-p.resolved, nil
	}
}

// Resolve delivers a client decision to the pending checkpoint and wakes the
// suspended caller. Fails with ErrNoSuchPendingApproval when the id is
// unknown or the checkpoint already resolved.
func (g *Gate) Resolve(checkpointID string, decision Decision, payload *datatypes.ApprovalResponsePayload) error {
	g.mu.Lock()
	p := g.pending
	if p == nil || p.checkpointID != checkpointID {
		g.mu.Unlock()
		return ErrNoSuchPendingApproval
	}
	g.pending = nil
	g.mu.Unlock()

	p.resolved <- Resolution{Decision: decision, Payload: payload}
	return nil
}

// Cancel resolves any pending checkpoint as cancelled. Used by run reset and
// teardown; a no-op when nothing is pending.
func (g *Gate) Cancel() {
	g.mu.Lock()
	p := g.pending
	g.pending = nil
	g.mu.Unlock()
	if p != nil {
		p.resolved <- Resolution{Decision: DecisionCancelled}
	}
}

// take claims ownership of p if it is still the pending checkpoint.
func (g *Gate) take(p *pendingCheckpoint) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == p {
		g.pending = nil
		return true
	}
	return false
}
