// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianRelay/datatypes"
	"github.com/AleutianAI/AleutianRelay/observability"
	"github.com/AleutianAI/AleutianRelay/run"
)

// WSRequest is one inbound frame on the duplex connection.
type WSRequest struct {
	Action string                 `json:"action"` // "query", "write"
	Query  string                 `json:"query,omitempty"`
	Write  *datatypes.ClientWrite `json:"write,omitempty"`
}

// WSAck confirms an inbound frame outside the event flow.
type WSAck struct {
	Action string `json:"action"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// wsSink adapts a websocket connection to the event stream. Gorilla
// connections allow one concurrent writer, so every outbound frame goes
// through the same mutex as the ack path.
type wsSink struct {
	ws *websocket.Conn
	mu *sync.Mutex
}

func (s wsSink) Send(event datatypes.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteJSON(event)
}

func sendJSON(ws *websocket.Conn, mu *sync.Mutex, v interface{}) error {
	mu.Lock()
	defer mu.Unlock()
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

// HandleRunWebSocket handles GET /v1/runs/ws.
//
// # Description
//
// Creates a fresh run bound to the connection's lifetime and speaks both
// directions over it: state events flow out, queries and writes flow in.
// The first frame announces the run id. Closing the socket tears the run
// down. metrics may be nil.
func HandleRunWebSocket(registry *run.Registry, metrics *observability.RelayMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		ru, err := registry.Create()
		if err != nil {
			slog.Error("Failed to create run for websocket", "error", err)
			return
		}
		defer func() {
			if err := registry.Remove(ru.ID); err != nil {
				slog.Warn("Failed to remove websocket run", "runId", ru.ID, "error", err)
			}
		}()
		slog.Info("Websocket client connected", "runId", ru.ID)

		var writeMu sync.Mutex
		if err := sendJSON(ws, &writeMu, map[string]interface{}{
			"action": "run_created",
			"runId":  ru.ID,
		}); err != nil {
			return
		}

		sink := wsSink{ws: ws, mu: &writeMu}
		if err := ru.Stream.Attach(sink); err != nil {
			slog.Error("Failed to attach websocket stream", "runId", ru.ID, "error", err)
			return
		}
		defer ru.Stream.Detach(sink)
		if metrics != nil {
			metrics.AttachedStreams.Inc()
			defer metrics.AttachedStreams.Dec()
		}

		for {
			var req WSRequest
			if err := ws.ReadJSON(&req); err != nil {
				slog.Info("Websocket client disconnected", "runId", ru.ID, "error", err.Error())
				break
			}

			switch req.Action {
			case "query":
				if req.Query == "" {
					sendJSON(ws, &writeMu, WSAck{Action: "query", Status: "rejected", Error: "query is required"})
					continue
				}
				go func(query string) {
					ctx, cancel := context.WithTimeout(context.Background(), queryStepTimeout)
					defer cancel()
					if err := ru.Controller.RunQuery(ctx, query); err != nil {
						slog.Warn("Websocket query step failed", "runId", ru.ID, "error", err)
					}
				}(req.Query)
				sendJSON(ws, &writeMu, WSAck{Action: "query", Status: "accepted"})

			case "write":
				if req.Write == nil {
					sendJSON(ws, &writeMu, WSAck{Action: "write", Status: "rejected", Error: "write is required"})
					continue
				}
				write := *req.Write
				write.RunId = ru.ID
				if err := write.Validate(); err != nil {
					sendJSON(ws, &writeMu, WSAck{Action: "write", Status: "rejected", Error: err.Error()})
					countWrite(metrics, write.Kind, "invalid")
					continue
				}
				if err := ru.Controller.ApplyWrite(ru.Merger, write); err != nil {
					_, msg := writeErrorStatus(err)
					sendJSON(ws, &writeMu, WSAck{Action: "write", Status: "rejected", Error: msg})
					countWrite(metrics, write.Kind, "rejected")
					continue
				}
				countWrite(metrics, write.Kind, "applied")
				sendJSON(ws, &writeMu, WSAck{Action: "write", Status: "applied"})

			default:
				sendJSON(ws, &writeMu, WSAck{Action: req.Action, Status: "rejected", Error: "unknown action"})
			}
		}
	}
}
