// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream numbers and delivers a run's outbound events. One Stream
// exists per run and is bound to at most one client connection at a time;
// transports (SSE, websocket) plug in as Sinks.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelay/datatypes"
)

// ErrStreamExpired is returned by Publish after buffered events aged out
// during a disconnect. Not fatal: a fresh Attach resynchronizes the client
// with a snapshot and clears the condition.
var ErrStreamExpired = errors.New("stream: buffered events expired, snapshot resync required")

// Defaults for the disconnect buffer.
const (
	DefaultBufferCap = 256
	DefaultMaxAge    = 2 * time.Minute
)

// Sink delivers events to one client connection. Implementations must return
// an error once the connection is unusable; the stream then detaches the sink
// and starts buffering.
type Sink interface {
	Send(event datatypes.StreamEvent) error
}

// SnapshotFunc returns the current authoritative state and its version. The
// stream calls it on every Attach so a newly bound connection always starts
// from a complete picture.
type SnapshotFunc func() (datatypes.RunState, uint64)

// bufferedEvent remembers when an undeliverable event was published so the
// buffer can age out.
type bufferedEvent struct {
	event datatypes.StreamEvent
	at    time.Time
}

// attachment is one bound connection. Delivery runs on its own goroutine fed
// by a FIFO channel, so Publish is enqueue-and-return and a slow connection
// can never block a state patch.
type attachment struct {
	sink Sink
	ch   chan datatypes.StreamEvent
}

// Stream owns sequence numbering and delivery for one run.
//
// # Description
//
// Publish assigns the next sequence number (gapless, from 1) and enqueues
// the event for the attached connection, or buffers it when none is attached.
// Attach replaces the delivery target, discards any buffered deltas, and
// immediately emits a snapshot event, so a reconnecting client never needs
// replayed history. If buffered events outlive the max buffer age before a
// client returns, the stream enters the expired state until the next Attach.
//
// # Thread Safety
//
// Safe for concurrent Publish/Attach/Detach. Events reach a given attachment
// in strictly increasing sequence order because each attachment drains a
// single FIFO channel.
type Stream struct {
	runID    string
	snapshot SnapshotFunc
	bufCap   int
	maxAge   time.Duration

	mu          sync.Mutex
	seq         uint64
	lastVersion uint64
	curr        *attachment
	buf         []bufferedEvent
	expired     bool
	closed      bool
}

// Option configures a Stream.
type Option func(*Stream)

// WithBuffer overrides the disconnect buffer capacity and max age.
func WithBuffer(cap int, maxAge time.Duration) Option {
	return func(s *Stream) {
		s.bufCap = cap
		s.maxAge = maxAge
	}
}

// New creates the stream for a run. snapshot must be non-nil; it is the only
// window the stream has into the authoritative state.
func New(runID string, snapshot SnapshotFunc, opts ...Option) *Stream {
	s := &Stream{
		runID:    runID,
		snapshot: snapshot,
		bufCap:   DefaultBufferCap,
		maxAge:   DefaultMaxAge,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunID returns the run this stream serves.
func (s *Stream) RunID() string {
	return s.runID
}

// Expired reports whether the stream lost buffered deltas to the max buffer
// age and is waiting for a snapshot resynchronization.
func (s *Stream) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}

// Publish assigns the next sequence number to a delta or snapshot payload
// and enqueues it. Returns ErrStreamExpired while the stream is in the
// expired state; the event is still numbered so sequences stay gapless.
func (s *Stream) Publish(version uint64, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("stream: marshal %s payload: %w", kind, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream: publish on closed stream for run %s", s.runID)
	}

	s.seq++
	if version > s.lastVersion {
		s.lastVersion = version
	}
	ev := datatypes.StreamEvent{
		RunId:    s.runID,
		Sequence: s.seq,
		Kind:     kind,
		Version:  version,
		Payload:  data,
	}

	if s.curr != nil {
		select {
		case s.curr.ch <- ev:
			return nil
		default:
			// Connection cannot keep up; treat it like a delivery failure.
			slog.Warn("event stream backpressure, detaching connection",
				"runId", s.runID, "sequence", ev.Sequence)
			close(s.curr.ch)
			s.curr = nil
		}
	}
	return s.bufferLocked(ev)
}

// Attach binds a connection, replacing any previous one, and immediately
// emits a snapshot event at the current version. Buffered deltas from the
// disconnect window are discarded: the snapshot supersedes them.
func (s *Stream) Attach(sink Sink) error {
	// The snapshot has to be read outside the stream lock (the snapshot
	// function takes the store lock, and the store's listeners publish into
	// this stream). A patch can commit in that window, so retry until the
	// snapshot is at least as new as the last published version.
	var (
		st      datatypes.RunState
		version uint64
	)
	for {
		st, version = s.snapshot()
		s.mu.Lock()
		if version >= s.lastVersion {
			break
		}
		s.mu.Unlock()
	}
	defer s.mu.Unlock()

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("stream: marshal snapshot: %w", err)
	}
	if s.closed {
		return fmt.Errorf("stream: attach on closed stream for run %s", s.runID)
	}

	if s.curr != nil {
		close(s.curr.ch)
	}
	s.buf = nil
	s.expired = false
	if version > s.lastVersion {
		s.lastVersion = version
	}

	att := &attachment{
		sink: sink,
		ch:   make(chan datatypes.StreamEvent, s.bufCap),
	}
	s.curr = att
	go s.deliver(att)

	s.seq++
	att.ch <- datatypes.StreamEvent{
		RunId:    s.runID,
		Sequence: s.seq,
		Kind:     datatypes.EventKindSnapshot,
		Version:  version,
		Payload:  data,
	}
	return nil
}

// Detach unbinds the current connection if it is delivering to sink.
// Subsequent events buffer until the next Attach.
func (s *Stream) Detach(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curr != nil && s.curr.sink == sink {
		close(s.curr.ch)
		s.curr = nil
	}
}

// Close tears the stream down. Any bound connection is released; further
// Publish and Attach calls fail.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.curr != nil {
		close(s.curr.ch)
		s.curr = nil
	}
	s.buf = nil
}

// deliver drains one attachment's channel in order. On a send failure the
// attachment is detached and the undelivered event goes to the buffer.
func (s *Stream) deliver(att *attachment) {
	for ev := range att.ch {
		if err := att.sink.Send(ev); err != nil {
			slog.Info("event delivery failed, buffering until reconnect",
				"runId", s.runID, "sequence", ev.Sequence, "error", err)
			s.mu.Lock()
			if s.curr == att {
				s.curr = nil
			}
			_ = s.bufferLocked(ev)
			// Once curr is cleared nothing else can enqueue here, so a
			// non-blocking drain moves the remaining backlog to the buffer.
			for {
				rest, ok := tryRecv(att.ch)
				if !ok {
					break
				}
				_ = s.bufferLocked(rest)
			}
			s.mu.Unlock()
			return
		}
	}
}

// bufferLocked appends an event to the disconnect buffer, evicting the
// oldest entries over capacity and flipping to the expired state when the
// oldest buffered event has outlived the max age. Callers hold s.mu.
func (s *Stream) bufferLocked(ev datatypes.StreamEvent) error {
	if s.expired {
		return ErrStreamExpired
	}
	s.buf = append(s.buf, bufferedEvent{event: ev, at: time.Now()})
	if len(s.buf) > s.bufCap {
		s.buf = s.buf[len(s.buf)-s.bufCap:]
	}
	if time.Since(s.buf[0].at) > s.maxAge {
		slog.Warn("event stream expired, client must resync with a snapshot",
			"runId", s.runID, "buffered", len(s.buf))
		s.buf = nil
		s.expired = true
		return ErrStreamExpired
	}
	return nil
}

// tryRecv pulls one event without blocking.
func tryRecv(ch chan datatypes.StreamEvent) (datatypes.StreamEvent, bool) {
	select {
	case ev, ok := <-ch:
		return ev, ok
	default:
		return datatypes.StreamEvent{}, false
	}
}

// Buffered returns how many events are waiting for a reconnect.
func (s *Stream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}
