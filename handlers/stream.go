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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianRelay/observability"
	"github.com/AleutianAI/AleutianRelay/run"
)

// keepAliveInterval keeps idle SSE connections below common proxy timeouts.
const keepAliveInterval = 15 * time.Second

// StreamEvents handles GET /v1/runs/:runId/events.
//
// # Description
//
// Attaches the connection to the run's event stream. The first event is
// always a full state snapshot; deltas follow in sequence order. A run
// allows one attached stream at a time, so a newer connection displaces
// this one; the displaced connection just stops receiving and closes.
// metrics may be nil.
func StreamEvents(registry *run.Registry, metrics *observability.RelayMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := tracer.Start(c.Request.Context(), "StreamEvents")
		defer span.End()

		ru, ok := lookupRun(c, registry)
		if !ok {
			return
		}
		span.SetAttributes(attribute.String("run_id", ru.ID))

		SetSSEHeaders(c.Writer)
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported"})
			return
		}

		if err := ru.Stream.Attach(writer); err != nil {
			slog.Error("Failed to attach event stream", "runId", ru.ID, "error", err)
			c.JSON(http.StatusGone, gin.H{"error": "Run stream is closed"})
			return
		}
		defer ru.Stream.Detach(writer)
		if metrics != nil {
			metrics.AttachedStreams.Inc()
			defer metrics.AttachedStreams.Dec()
		}
		slog.Info("Event stream attached", "runId", ru.ID)

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.Request.Context().Done():
				slog.Info("Event stream client disconnected", "runId", ru.ID)
				return
			case <-ticker.C:
				// A failed keepalive means the client is gone even when the
				// request context has not fired yet.
				if err := writer.WriteKeepAlive(); err != nil {
					slog.Info("Event stream keepalive failed", "runId", ru.ID)
					return
				}
			}
		}
	}
}
