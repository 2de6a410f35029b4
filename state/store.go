// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state owns the authoritative run state: the versioned store, the
// structural differencer used for delta propagation, and the schema-checked
// merge of client configuration writes.
package state

import (
	"errors"
	"sync"

	"github.com/AleutianAI/AleutianRelay/datatypes"
)

// ErrVersionConflict is returned by PatchAt when the caller's expected
// version no longer matches the committed version. The state is unchanged;
// the caller must re-read and retry.
var ErrVersionConflict = errors.New("state: version conflict")

// Mutator describes a partial update. It receives a private deep copy of the
// current state and edits it in place; the store commits the result. Mutators
// must not retain the pointer after returning.
type Mutator func(*datatypes.RunState)

// Listener observes committed patches. Listeners run synchronously inside the
// commit, one patch at a time, in version order, so anything they publish is
// ordered exactly like the mutations themselves. They receive a private copy.
type Listener func(state datatypes.RunState, version uint64)

// Store is the single authoritative holder of one run's state.
//
// # Description
//
// All mutation goes through Patch/PatchAt. Concurrent callers are accepted;
// the internal mutex applies mutations one at a time in arrival order, so the
// version strictly increases by exactly one per applied patch. Reads return
// deep copies, never aliases of the committed state.
//
// # Thread Safety
//
// Safe for concurrent use. Listeners are invoked while the commit lock is
// held and therefore must not call back into the store.
type Store struct {
	mu        sync.Mutex
	state     datatypes.RunState
	version   uint64
	listeners []Listener
}

// NewStore creates a store holding the initial run state at version 1.
func NewStore() *Store {
	return &Store{
		state:   datatypes.NewRunState(),
		version: 1,
	}
}

// Read returns a deep copy of the current state and its version.
func (s *Store) Read() (datatypes.RunState, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone(), s.version
}

// Version returns the current committed version.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Patch applies a mutator unconditionally and returns the committed state
// and its new version. Listeners are notified before Patch returns.
func (s *Store) Patch(mut Mutator) (datatypes.RunState, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(mut)
}

// PatchAt applies a mutator only if the committed version still equals
// expected. On mismatch it returns ErrVersionConflict and performs no
// mutation.
func (s *Store) PatchAt(expected uint64, mut Mutator) (datatypes.RunState, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != expected {
		return datatypes.RunState{}, s.version, ErrVersionConflict
	}
	st, v := s.commit(mut)
	return st, v, nil
}

// Subscribe registers a listener for every subsequent committed patch.
func (s *Store) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// commit runs with s.mu held.
func (s *Store) commit(mut Mutator) (datatypes.RunState, uint64) {
	next := s.state.Clone()
	mut(&next)
	s.state = next
	s.version++
	committed := s.state.Clone()
	for _, l := range s.listeners {
		l(committed.Clone(), s.version)
	}
	return committed, s.version
}
