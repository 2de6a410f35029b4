// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the duplex websocket channel

package handlers

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/datatypes"
	"github.com/AleutianAI/AleutianRelay/run"
)

// dialWS spins up a test server around HandleRunWebSocket and connects a
// client. The caller reads frames off the returned connection.
func dialWS(t *testing.T, registry *run.Registry) *websocket.Conn {
	t.Helper()
	router := gin.New()
	router.GET("/v1/runs/ws", HandleRunWebSocket(registry, nil))
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/runs/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readFrame reads one JSON frame into a generic map with a deadline so a
// missing frame fails the test instead of hanging it.
func readFrame(t *testing.T, ws *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame map[string]json.RawMessage
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

func frameString(t *testing.T, frame map[string]json.RawMessage, key string) string {
	t.Helper()
	raw, ok := frame[key]
	if !ok {
		return ""
	}
	var s string
	require.NoError(t, json.Unmarshal(raw, &s))
	return s
}

// readUntilAck skips interleaved stream events until an ack for the given
// action arrives.
func readUntilAck(t *testing.T, ws *websocket.Conn, action string) map[string]json.RawMessage {
	t.Helper()
	for i := 0; i < 50; i++ {
		frame := readFrame(t, ws)
		if frameString(t, frame, "action") == action {
			return frame
		}
	}
	t.Fatalf("no ack for action %q", action)
	return nil
}

func TestWebSocket_RoundTrip(t *testing.T) {
	registry := testRegistry()
	ws := dialWS(t, registry)

	created := readFrame(t, ws)
	assert.Equal(t, "run_created", frameString(t, created, "action"))
	runId := frameString(t, created, "runId")
	require.NotEmpty(t, runId)

	ru, err := registry.Get(runId)
	require.NoError(t, err)

	// Attach emits the snapshot before any client traffic.
	snapshot := readFrame(t, ws)
	assert.Equal(t, "snapshot", frameString(t, snapshot, "kind"))
	assert.Equal(t, runId, frameString(t, snapshot, "run_id"))

	require.NoError(t, ws.WriteJSON(WSRequest{Action: "query", Query: "quick fox"}))
	ack := readUntilAck(t, ws, "query")
	assert.Equal(t, "accepted", frameString(t, ack, "status"))

	var checkpoint string
	require.Eventually(t, func() bool {
		req, ok := ru.Gate.Pending()
		checkpoint = req.CheckpointId
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	st, _ := ru.Store.Read()
	require.NotEmpty(t, st.RetrievedChunks)
	first := st.RetrievedChunks[0].ChunkId

	require.NoError(t, ws.WriteJSON(WSRequest{
		Action: "write",
		Write: &datatypes.ClientWrite{
			Kind:         datatypes.WriteKindApprovalResponse,
			CheckpointId: checkpoint,
			Decision:     "approved",
			ResponsePayload: &datatypes.ApprovalResponsePayload{
				SelectedIds: []string{first},
			},
		},
	}))
	ack = readUntilAck(t, ws, "write")
	assert.Equal(t, "applied", frameString(t, ack, "status"))

	require.Eventually(t, func() bool {
		st, _ := ru.Store.Read()
		return st.LastAnswer != ""
	}, 5*time.Second, 10*time.Millisecond)
	st, _ = ru.Store.Read()
	assert.Equal(t, "synthesized from 1 chunks", st.LastAnswer)
	assert.Equal(t, []string{first}, st.ApprovedChunkIds)
}

func TestWebSocket_ConfigWriteOverSocket(t *testing.T) {
	registry := testRegistry()
	ws := dialWS(t, registry)

	created := readFrame(t, ws)
	runId := frameString(t, created, "runId")
	ru, err := registry.Get(runId)
	require.NoError(t, err)
	readFrame(t, ws) // snapshot

	require.NoError(t, ws.WriteJSON(WSRequest{
		Action: "write",
		Write: &datatypes.ClientWrite{
			Kind:   datatypes.WriteKindConfig,
			Fields: map[string]any{"max_results": 5},
		},
	}))
	ack := readUntilAck(t, ws, "write")
	assert.Equal(t, "applied", frameString(t, ack, "status"))

	st, version := ru.Store.Read()
	assert.Equal(t, 5, st.SearchConfig.MaxResults)
	assert.Equal(t, uint64(2), version)
}

func TestWebSocket_RejectsMalformedFrames(t *testing.T) {
	registry := testRegistry()
	ws := dialWS(t, registry)
	readFrame(t, ws) // run_created
	readFrame(t, ws) // snapshot

	require.NoError(t, ws.WriteJSON(WSRequest{Action: "query"}))
	ack := readUntilAck(t, ws, "query")
	assert.Equal(t, "rejected", frameString(t, ack, "status"))
	assert.Contains(t, frameString(t, ack, "error"), "query is required")

	require.NoError(t, ws.WriteJSON(WSRequest{Action: "write"}))
	ack = readUntilAck(t, ws, "write")
	assert.Equal(t, "rejected", frameString(t, ack, "status"))

	require.NoError(t, ws.WriteJSON(WSRequest{Action: "launch"}))
	ack = readUntilAck(t, ws, "launch")
	assert.Equal(t, "rejected", frameString(t, ack, "status"))
	assert.Contains(t, frameString(t, ack, "error"), "unknown action")
}

func TestWebSocket_RunRemovedOnDisconnect(t *testing.T) {
	registry := testRegistry()
	ws := dialWS(t, registry)

	created := readFrame(t, ws)
	runId := frameString(t, created, "runId")
	require.NotEmpty(t, runId)

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool {
		_, err := registry.Get(runId)
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
}
