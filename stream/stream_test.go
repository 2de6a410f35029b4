// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the sequenced event stream

package stream

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/datatypes"
)

// collectSink records everything it receives.
type collectSink struct {
	mu     sync.Mutex
	events []datatypes.StreamEvent
	failAt int // fail the Nth send (1-based); 0 never fails
	sent   int
}

func (s *collectSink) Send(event datatypes.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	if s.failAt > 0 && s.sent >= s.failAt {
		return errors.New("connection lost")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *collectSink) snapshot() []datatypes.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]datatypes.StreamEvent(nil), s.events...)
}

// waitForEvents polls until the sink holds at least n events.
func waitForEvents(t *testing.T, s *collectSink, n int) []datatypes.StreamEvent {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		evs := s.snapshot()
		if len(evs) >= n {
			return evs
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", n, len(s.snapshot()))
	return nil
}

func fixedSnapshot(version uint64) SnapshotFunc {
	return func() (datatypes.RunState, uint64) {
		return datatypes.NewRunState(), version
	}
}

// =============================================================================
// Attach / Snapshot Tests
// =============================================================================

func TestStream_AttachEmitsSnapshotFirst(t *testing.T) {
	s := New("run-1", fixedSnapshot(1))
	sink := &collectSink{}

	require.NoError(t, s.Attach(sink))

	evs := waitForEvents(t, sink, 1)
	assert.Equal(t, datatypes.EventKindSnapshot, evs[0].Kind)
	assert.Equal(t, uint64(1), evs[0].Sequence)
	assert.Equal(t, uint64(1), evs[0].Version)
	assert.Equal(t, "run-1", evs[0].RunId)

	var st datatypes.RunState
	require.NoError(t, json.Unmarshal(evs[0].Payload, &st))
	assert.Equal(t, datatypes.DefaultSearchConfig(), st.SearchConfig)
}

func TestStream_SequencesAreGaplessFromOne(t *testing.T) {
	s := New("run-1", fixedSnapshot(1))
	sink := &collectSink{}
	require.NoError(t, s.Attach(sink))

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Publish(uint64(i+2), datatypes.EventKindDelta, map[string]int{"n": i}))
	}

	evs := waitForEvents(t, sink, 11)
	for i, ev := range evs {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
}

func TestStream_ReattachReplacesConnectionAndResyncs(t *testing.T) {
	s := New("run-1", fixedSnapshot(3))
	first := &collectSink{}
	require.NoError(t, s.Attach(first))
	waitForEvents(t, first, 1)

	second := &collectSink{}
	require.NoError(t, s.Attach(second))

	evs := waitForEvents(t, second, 1)
	assert.Equal(t, datatypes.EventKindSnapshot, evs[0].Kind)
	// The sequence keeps counting across attachments.
	assert.Equal(t, uint64(2), evs[0].Sequence)
}

// =============================================================================
// Publish Ordering Tests
// =============================================================================

func TestStream_ConcurrentPublishersStayOrdered(t *testing.T) {
	s := New("run-1", fixedSnapshot(1))
	sink := &collectSink{}
	require.NoError(t, s.Attach(sink))

	const publishers = 8
	const perPublisher = 20
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				_ = s.Publish(1, datatypes.EventKindDelta, nil)
			}
		}()
	}
	wg.Wait()

	evs := waitForEvents(t, sink, 1+publishers*perPublisher)
	for i := 1; i < len(evs); i++ {
		assert.Equal(t, evs[i-1].Sequence+1, evs[i].Sequence,
			"delivery order must match sequence order")
	}
}

// =============================================================================
// Disconnect Buffer Tests
// =============================================================================

func TestStream_PublishWithoutAttachmentBuffers(t *testing.T) {
	s := New("run-1", fixedSnapshot(1))

	require.NoError(t, s.Publish(2, datatypes.EventKindDelta, nil))
	require.NoError(t, s.Publish(3, datatypes.EventKindDelta, nil))
	assert.Equal(t, 2, s.Buffered())
}

func TestStream_AttachDiscardsBufferedDeltas(t *testing.T) {
	s := New("run-1", fixedSnapshot(4))
	require.NoError(t, s.Publish(2, datatypes.EventKindDelta, nil))
	require.NoError(t, s.Publish(3, datatypes.EventKindDelta, nil))

	sink := &collectSink{}
	require.NoError(t, s.Attach(sink))

	evs := waitForEvents(t, sink, 1)
	assert.Equal(t, datatypes.EventKindSnapshot, evs[0].Kind)
	assert.Equal(t, 0, s.Buffered())
	// Buffered deltas consumed sequences 1 and 2; the snapshot is 3.
	assert.Equal(t, uint64(3), evs[0].Sequence)
}

func TestStream_SendFailureDetachesAndBuffers(t *testing.T) {
	s := New("run-1", fixedSnapshot(1))
	sink := &collectSink{failAt: 2}
	require.NoError(t, s.Attach(sink))
	waitForEvents(t, sink, 1)

	require.NoError(t, s.Publish(2, datatypes.EventKindDelta, nil))

	deadline := time.Now().Add(5 * time.Second)
	for s.Buffered() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 1, s.Buffered(), "failed delivery must land in the buffer")
}

func TestStream_ExpiresAfterMaxAge(t *testing.T) {
	// Snapshot version must cover the published versions or Attach would
	// keep waiting for a newer snapshot.
	s := New("run-1", fixedSnapshot(5), WithBuffer(16, 10*time.Millisecond))

	require.NoError(t, s.Publish(2, datatypes.EventKindDelta, nil))
	time.Sleep(20 * time.Millisecond)
	err := s.Publish(3, datatypes.EventKindDelta, nil)

	require.ErrorIs(t, err, ErrStreamExpired)
	assert.True(t, s.Expired())
	assert.Equal(t, 0, s.Buffered())

	// A published event still consumed a sequence number while expired.
	sink := &collectSink{}
	require.NoError(t, s.Attach(sink))
	assert.False(t, s.Expired())
	evs := waitForEvents(t, sink, 1)
	assert.Equal(t, uint64(3), evs[0].Sequence)
}

func TestStream_BufferCapacityEvictsOldest(t *testing.T) {
	s := New("run-1", fixedSnapshot(1), WithBuffer(4, time.Hour))

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Publish(uint64(i+2), datatypes.EventKindDelta, nil))
	}
	assert.Equal(t, 4, s.Buffered())
}

// =============================================================================
// Close Tests
// =============================================================================

func TestStream_CloseStopsPublishAndAttach(t *testing.T) {
	s := New("run-1", fixedSnapshot(1))
	s.Close()

	assert.Error(t, s.Publish(2, datatypes.EventKindDelta, nil))
	assert.Error(t, s.Attach(&collectSink{}))
	s.Close() // idempotent
}
