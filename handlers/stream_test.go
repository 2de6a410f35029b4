// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the SSE event stream handler

package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// streamFor runs the events handler against a cancellable request and returns
// the raw SSE body once the handler exits. wait gives the deliver goroutine
// time to flush before the disconnect.
func streamFor(t *testing.T, router *gin.Engine, runID string, wait time.Duration) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, "GET", "/v1/runs/"+runID+"/events", nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		router.ServeHTTP(w, req)
		close(done)
	}()

	time.Sleep(wait)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream handler did not exit after client disconnect")
	}
	return w.Body.String()
}

func TestStreamEvents_SetsSSEHeaders(t *testing.T) {
	registry := testRegistry()
	router := testRouter(registry)
	runID := createTestRun(t, router)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, "GET", "/v1/runs/"+runID+"/events", nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		router.ServeHTTP(w, req)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
}

func TestStreamEvents_FirstEventIsSnapshot(t *testing.T) {
	registry := testRegistry()
	router := testRouter(registry)
	runID := createTestRun(t, router)

	body := streamFor(t, router, runID, 100*time.Millisecond)
	require.True(t, strings.HasPrefix(body, "event: snapshot\n"),
		"stream must open with a snapshot, got: %q", body)
	assert.Contains(t, body, `"sequence":1`)
	assert.Contains(t, body, `"run_id":"`+runID+`"`)
}

func TestStreamEvents_DeltasFollowSnapshot(t *testing.T) {
	registry := testRegistry()
	router := testRouter(registry)
	runID := createTestRun(t, router)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, "GET", "/v1/runs/"+runID+"/events", nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		router.ServeHTTP(w, req)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	// A config write while attached arrives as a delta.
	ru, err := registry.Get(runID)
	require.NoError(t, err)
	_, _, err = ru.Merger.Apply(map[string]any{"max_results": 7})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	body := w.Body.String()
	assert.Contains(t, body, "event: snapshot\n")
	assert.Contains(t, body, "event: delta\n")
	assert.Contains(t, body, `"search_config.max_results"`)
}

func TestStreamEvents_UnknownRun(t *testing.T) {
	registry := testRegistry()
	router := testRouter(registry)

	w := doJSON(t, router, "GET", "/v1/runs/no-such-run/events", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamEvents_ClosedRunIsGone(t *testing.T) {
	registry := testRegistry()
	router := testRouter(registry)
	runID := createTestRun(t, router)

	ru, err := registry.Get(runID)
	require.NoError(t, err)
	ru.Controller.Close()

	w := doJSON(t, router, "GET", "/v1/runs/"+runID+"/events", nil)
	assert.Equal(t, http.StatusGone, w.Code)
}

// Registry sanity: a reset swaps the whole unit, so the old stream closes.
func TestStreamEvents_ResetClosesOldStream(t *testing.T) {
	registry := testRegistry()
	router := testRouter(registry)
	runID := createTestRun(t, router)

	old, err := registry.Get(runID)
	require.NoError(t, err)

	w := doJSON(t, router, "POST", "/v1/runs/"+runID+"/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)

	fresh, err := registry.Get(runID)
	require.NoError(t, err)
	assert.NotSame(t, old.Stream, fresh.Stream)
	assert.Error(t, old.Stream.Publish(2, "delta", nil))
}
