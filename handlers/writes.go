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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianRelay/approval"
	"github.com/AleutianAI/AleutianRelay/datatypes"
	"github.com/AleutianAI/AleutianRelay/observability"
	"github.com/AleutianAI/AleutianRelay/run"
	"github.com/AleutianAI/AleutianRelay/state"
)

// WriteResponse is the body for POST /v1/runs/:runId/writes.
type WriteResponse struct {
	RunId   string `json:"run_id"`
	Version uint64 `json:"version"`
	Status  string `json:"status"`
}

// PostWrite handles POST /v1/runs/:runId/writes. Config writes merge into
// the run's search config; approval responses resolve the pending
// checkpoint. metrics may be nil.
func PostWrite(registry *run.Registry, metrics *observability.RelayMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := tracer.Start(c.Request.Context(), "PostWrite")
		defer span.End()

		ru, ok := lookupRun(c, registry)
		if !ok {
			return
		}
		var write datatypes.ClientWrite
		if err := c.BindJSON(&write); err != nil {
			span.RecordError(err)
			slog.Error("Failed to bind client write JSON", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			countWrite(metrics, write.Kind, "invalid")
			return
		}
		write.RunId = ru.ID
		span.SetAttributes(
			attribute.String("run_id", ru.ID),
			attribute.String("write_kind", write.Kind),
		)

		if err := write.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			countWrite(metrics, write.Kind, "invalid")
			return
		}

		if err := ru.Controller.ApplyWrite(ru.Merger, write); err != nil {
			status, msg := writeErrorStatus(err)
			if status >= http.StatusInternalServerError {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				slog.Error("Client write failed", "runId", ru.ID, "kind", write.Kind, "error", err)
			}
			c.JSON(status, gin.H{"error": msg})
			countWrite(metrics, write.Kind, "rejected")
			return
		}

		countWrite(metrics, write.Kind, "applied")
		_, version := ru.Store.Read()
		c.JSON(http.StatusOK, WriteResponse{RunId: ru.ID, Version: version, Status: "applied"})
	}
}

func writeErrorStatus(err error) (int, string) {
	var validationErr *state.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, validationErr.Error()
	case errors.Is(err, approval.ErrNoSuchPendingApproval):
		return http.StatusConflict, "No matching pending approval"
	case errors.Is(err, run.ErrRunClosed):
		return http.StatusGone, "Run is closed"
	default:
		return http.StatusInternalServerError, "Failed to apply write"
	}
}

func countWrite(metrics *observability.RelayMetrics, kind, status string) {
	if metrics == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	metrics.ClientWritesTotal.WithLabelValues(kind, status).Inc()
}
