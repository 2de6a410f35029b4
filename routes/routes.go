// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianRelay/handlers"
	"github.com/AleutianAI/AleutianRelay/middleware"
	"github.com/AleutianAI/AleutianRelay/observability"
	"github.com/AleutianAI/AleutianRelay/run"
)

func SetupRoutes(router *gin.Engine, registry *run.Registry,
	metrics *observability.RelayMetrics, gatherer prometheus.Gatherer,
	auth middleware.AuthProvider) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.RequireAuth(auth))
	{
		v1.POST("/runs", handlers.CreateRun(registry))
		v1.GET("/runs/ws", handlers.HandleRunWebSocket(registry, metrics))
		runs := v1.Group("/runs/:runId")
		{
			runs.GET("/state", handlers.GetRunState(registry))
			runs.POST("/query", handlers.PostQuery(registry))
			runs.POST("/writes", handlers.PostWrite(registry, metrics))
			runs.GET("/events", handlers.StreamEvents(registry, metrics))
			runs.POST("/reset", handlers.ResetRun(registry))
			runs.DELETE("", handlers.DeleteRun(registry))
		}
	}
}
