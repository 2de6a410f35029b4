// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the relay service.
//
// # Description
//
// Metrics cover the run lifecycle and the synchronization protocol:
//   - Active run and attached stream gauges
//   - Published event counters (by kind)
//   - Client write counters (by kind and result)
//   - Approval outcome counters and wait-time histogram
//   - Retrieval and synthesis latency histograms
//
// # Integration
//
// Exposed on /metrics. All operations are thread-safe via Prometheus's
// internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "aleutian"

const relaySubsystem = "relay"

// RelayMetrics holds all Prometheus metrics for the relay service.
// Initialize once at startup via NewRelayMetrics.
type RelayMetrics struct {
	// ActiveRuns gauges runs currently registered.
	ActiveRuns prometheus.Gauge

	// AttachedStreams gauges streams with a live client connection.
	AttachedStreams prometheus.Gauge

	// EventsPublishedTotal counts outbound events.
	// Labels: kind (snapshot, delta)
	EventsPublishedTotal *prometheus.CounterVec

	// ClientWritesTotal counts inbound client writes.
	// Labels: kind (config, approval_response), status (applied, rejected)
	ClientWritesTotal *prometheus.CounterVec

	// ApprovalsTotal counts checkpoint outcomes.
	// Labels: decision (approved, rejected, timed-out, cancelled)
	ApprovalsTotal *prometheus.CounterVec

	// ApprovalWaitSeconds measures how long checkpoints stay open.
	ApprovalWaitSeconds prometheus.Histogram

	// RetrievalDurationSeconds measures knowledge-base retrieval latency.
	RetrievalDurationSeconds prometheus.Histogram

	// SynthesisDurationSeconds measures answer synthesis latency.
	SynthesisDurationSeconds prometheus.Histogram

	// StreamExpirationsTotal counts disconnect buffers that aged out.
	StreamExpirationsTotal prometheus.Counter
}

// NewRelayMetrics creates and registers all relay metrics with the given
// registerer. Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration panics.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	factory := promauto.With(reg)

	return &RelayMetrics{
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "active_runs",
			Help:      "Number of runs currently registered.",
		}),
		AttachedStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "attached_streams",
			Help:      "Number of event streams with a live client connection.",
		}),
		EventsPublishedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "events_published_total",
			Help:      "Outbound stream events published, by kind.",
		}, []string{"kind"}),
		ClientWritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "client_writes_total",
			Help:      "Inbound client writes, by kind and result.",
		}, []string{"kind", "status"}),
		ApprovalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "approvals_total",
			Help:      "Checkpoint outcomes, by decision.",
		}, []string{"decision"}),
		ApprovalWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "approval_wait_seconds",
			Help:      "Time checkpoints spend waiting for a decision.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		RetrievalDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "retrieval_duration_seconds",
			Help:      "Knowledge-base retrieval latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		SynthesisDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "synthesis_duration_seconds",
			Help:      "Answer synthesis latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		StreamExpirationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "stream_expirations_total",
			Help:      "Disconnect buffers that aged out before a reconnect.",
		}),
	}
}
