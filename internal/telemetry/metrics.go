/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "seqworker"

var (
	// Ops HTTP server
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ops_active_requests",
		Help:      "In-flight requests on the ops HTTP server.",
	})
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ops_request_duration_seconds",
		Help:      "Ops HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ops_requests_total",
		Help:      "Ops HTTP requests.",
	}, []string{"method", "endpoint", "status"})

	// Dashboard listener
	DashboardConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dashboard_connections",
		Help:      "Open dashboard connections.",
	})
	DashboardRefusedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dashboard_refused_connections_total",
		Help:      "Connections refused because the connection limit was reached.",
	})
	DashboardMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dashboard_messages_total",
		Help:      "Dashboard messages by direction and type.",
	}, []string{"direction", "type"})
	DashboardDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dashboard_dropped_messages_total",
		Help:      "Outbound messages dropped because a connection queue was full.",
	})
	DashboardProtocolErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dashboard_protocol_errors_total",
		Help:      "Frames or messages rejected by the dashboard listener.",
	}, []string{"reason"})

	// Remote worker
	RegistrationAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "registration_attempts_total",
		Help:      "Orchestrator registration attempts by result.",
	}, []string{"result"})
	HeartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "heartbeats_total",
		Help:      "Heartbeats sent to the orchestrator by result.",
	}, []string{"result"})
	HeartbeatDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "heartbeat_duration_seconds",
		Help:      "Heartbeat round-trip time.",
		Buckets:   prometheus.DefBuckets,
	})
	WorkerRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_registered",
		Help:      "1 when the worker is registered with the orchestrator.",
	})
	AssignmentTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "assignment_transitions_total",
		Help:      "Work assignment status transitions by target status.",
	}, []string{"status"})

	// Sequences
	ActiveSequenceChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "active_sequence_changes_total",
		Help:      "ACTIVE_SEQUENCE broadcasts.",
	})
	CatalogSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "catalog_sequences",
		Help:      "Sequences in the catalog.",
	})
	ArtifactUploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "artifact_uploads_total",
		Help:      "Recording uploads by result.",
	}, []string{"result"})

	// Assignment journal
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "database_query_duration_seconds",
		Help:      "Journal database operation latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "table"})
	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "database_errors_total",
		Help:      "Journal database operation failures.",
	}, []string{"operation", "table"})
	JournalDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "journal_dropped_total",
		Help:      "Assignment outcomes dropped because the journal queue was full.",
	})

	// Event mirrors
	EventsMirroredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_mirrored_total",
		Help:      "Lifecycle events forwarded to external brokers.",
	}, []string{"sink", "result"})
)

// Handler exposes metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
