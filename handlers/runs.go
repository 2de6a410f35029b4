// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the run lifecycle, state, writes, and event
// stream over HTTP.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianRelay/datatypes"
	"github.com/AleutianAI/AleutianRelay/run"
)

var tracer = otel.Tracer("aleutian.relay.handlers")

// queryStepTimeout bounds a full retrieval step including the human wait.
// Kept above the approval timeout so the gate, not the context, decides.
const queryStepTimeout = 10 * time.Minute

// QueryRequest is the body for POST /v1/runs/:runId/query.
type QueryRequest struct {
	Query string `json:"query" binding:"required"`
}

// StateResponse is the body for GET /v1/runs/:runId/state.
type StateResponse struct {
	RunId   string             `json:"run_id"`
	Version uint64             `json:"version"`
	State   datatypes.RunState `json:"state"`
}

// CreateRun handles POST /v1/runs.
func CreateRun(registry *run.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := tracer.Start(c.Request.Context(), "CreateRun")
		defer span.End()

		ru, err := registry.Create()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to create run", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create run"})
			return
		}
		span.SetAttributes(attribute.String("run_id", ru.ID))

		st, version := ru.Store.Read()
		c.JSON(http.StatusCreated, StateResponse{RunId: ru.ID, Version: version, State: st})
	}
}

// GetRunState handles GET /v1/runs/:runId/state.
func GetRunState(registry *run.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		ru, ok := lookupRun(c, registry)
		if !ok {
			return
		}
		st, version := ru.Store.Read()
		c.JSON(http.StatusOK, StateResponse{RunId: ru.ID, Version: version, State: st})
	}
}

// PostQuery handles POST /v1/runs/:runId/query. The retrieval step runs in
// the background; clients observe progress through the event stream. A step
// already in flight is reported as a conflict.
func PostQuery(registry *run.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := tracer.Start(c.Request.Context(), "PostQuery")
		defer span.End()

		ru, ok := lookupRun(c, registry)
		if !ok {
			return
		}
		var req QueryRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			slog.Error("Failed to bind query request JSON", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		span.SetAttributes(attribute.String("run_id", ru.ID))

		if ru.Controller.Failed() {
			c.JSON(http.StatusConflict, gin.H{"error": "Run has failed, reset it to continue"})
			return
		}

		// The step outlives the request; the gate can stay open for a long
		// human decision, so do not tie it to the request context.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), queryStepTimeout)
			defer cancel()
			if err := ru.Controller.RunQuery(ctx, req.Query); err != nil {
				if errors.Is(err, run.ErrRunBusy) || errors.Is(err, run.ErrRunClosed) {
					return
				}
				slog.Error("Query step failed", "runId", ru.ID, "error", err)
			}
		}()

		st, version := ru.Store.Read()
		c.JSON(http.StatusAccepted, StateResponse{RunId: ru.ID, Version: version, State: st})
	}
}

// ResetRun handles POST /v1/runs/:runId/reset. The run id survives; the
// state, stream, and any pending approval do not.
func ResetRun(registry *run.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := tracer.Start(c.Request.Context(), "ResetRun")
		defer span.End()

		runID := c.Param("runId")
		ru, err := registry.Reset(runID)
		if err != nil {
			if errors.Is(err, run.ErrRunNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
				return
			}
			span.RecordError(err)
			slog.Error("Failed to reset run", "runId", runID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reset run"})
			return
		}

		st, version := ru.Store.Read()
		c.JSON(http.StatusOK, StateResponse{RunId: ru.ID, Version: version, State: st})
	}
}

// DeleteRun handles DELETE /v1/runs/:runId.
func DeleteRun(registry *run.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := c.Param("runId")
		if err := registry.Remove(runID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func lookupRun(c *gin.Context, registry *run.Registry) (*run.Run, bool) {
	ru, err := registry.Get(c.Param("runId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return nil, false
	}
	return ru, true
}
