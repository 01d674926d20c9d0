// Package metrics provides Prometheus metrics for the fern service.
package metrics

import (
	"database/sql"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CandidateSubmissionsTotal tracks submissions by source and outcome
	CandidateSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "candidates",
			Name:      "submissions_total",
			Help:      "Total number of candidate submissions by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	// BatchCollapsedTotal tracks inputs folded into another input of the same batch
	BatchCollapsedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "candidates",
			Name:      "batch_collapsed_total",
			Help:      "Total number of batch inputs collapsed into a representative",
		},
	)

	// TransitionsTotal tracks state machine transitions
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "candidates",
			Name:      "transitions_total",
			Help:      "Total number of candidate state transitions",
		},
		[]string{"from", "to"},
	)

	// MergesTotal tracks merged and skipped merge items
	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "merges",
			Name:      "items_total",
			Help:      "Total number of merge items by status",
		},
		[]string{"status"},
	)

	// MergeReplaysTotal tracks merge requests answered from a stored result
	MergeReplaysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "merges",
			Name:      "idempotent_replays_total",
			Help:      "Total number of merge requests answered from a stored idempotency result",
		},
	)

	// ScanComparisons tracks similarity work by scan kind and result
	ScanComparisons = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "scan",
			Name:      "comparisons_total",
			Help:      "Total number of label pairs considered by similarity scans",
		},
		[]string{"scan", "result"},
	)

	// ScanDuration tracks scan latency in seconds
	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "scan",
			Name:      "duration_seconds",
			Help:      "Duration of similarity scans in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"scan"},
	)

	// SlowScanTotal tracks scans that exceeded their latency budget
	SlowScanTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "scan",
			Name:      "slow_scan_total",
			Help:      "Total number of similarity scans that exceeded the slow scan budget",
		},
		[]string{"scan"},
	)

	// PartialScanTotal tracks scans cut short by their timeout
	PartialScanTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "scan",
			Name:      "partial_total",
			Help:      "Total number of similarity scans that returned partial results",
		},
		[]string{"scan"},
	)

	// GraphSyncTotal tracks projection writes by writer and outcome
	GraphSyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "graph_sync",
			Name:      "writes_total",
			Help:      "Total number of graph projection writes by outcome",
		},
		[]string{"writer", "status"},
	)

	// GraphEngineAvailable is 1 when the graph engine answered the last availability check
	GraphEngineAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "graph_sync",
			Name:      "engine_available",
			Help:      "Whether the graph engine answered the last availability check",
		},
	)

	// BacklogPending tracks open candidates per project at the last health check
	BacklogPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "backlog",
			Name:      "pending",
			Help:      "Open candidates (pending and hypothesis) at the last health check",
		},
		[]string{"project_id"},
	)

	// BacklogHealthy is 1 when the project backlog was healthy at the last check
	BacklogHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "backlog",
			Name:      "healthy",
			Help:      "Whether the project backlog was healthy at the last check",
		},
		[]string{"project_id"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaMessagesConsumed tracks intake messages by outcome
	KafkaMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_consumed_total",
			Help:      "Total number of intake messages consumed by outcome",
		},
		[]string{"topic", "status"},
	)

	// TasksTotal tracks background task completions
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "tasks",
			Name:      "completed_total",
			Help:      "Total number of background tasks by kind and status",
		},
		[]string{"kind", "status"},
	)

	// FragmentLookupsTotal tracks evidence fragment lookups
	FragmentLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "fragments",
			Name:      "lookups_total",
			Help:      "Total number of evidence fragment lookups by result",
		},
		[]string{"result"},
	)
)

// RecordScan records the telemetry of one similarity scan.
func RecordScan(scan string, comparisons, skippedPrefilter, skippedGuardrail int64, durationSeconds float64, slow, partial bool) {
	ScanComparisons.WithLabelValues(scan, "scored").Add(float64(comparisons))
	ScanComparisons.WithLabelValues(scan, "skipped_prefilter").Add(float64(skippedPrefilter))
	ScanComparisons.WithLabelValues(scan, "skipped_guardrail").Add(float64(skippedGuardrail))
	ScanDuration.WithLabelValues(scan).Observe(durationSeconds)
	if slow {
		SlowScanTotal.WithLabelValues(scan).Inc()
	}
	if partial {
		PartialScanTotal.WithLabelValues(scan).Inc()
	}
}

// RecordBacklog records the last computed backlog snapshot of a project.
func RecordBacklog(projectID string, pending int, healthy bool) {
	BacklogPending.WithLabelValues(projectID).Set(float64(pending))
	value := 0.0
	if healthy {
		value = 1
	}
	BacklogHealthy.WithLabelValues(projectID).Set(value)
}

// RecordGraphEngine records the result of a graph availability check.
func RecordGraphEngine(available bool) {
	if available {
		GraphEngineAvailable.Set(1)
		return
	}
	GraphEngineAvailable.Set(0)
}

// RecordKafkaPublish records a Kafka publish
func RecordKafkaPublish(topic, status string) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
}

func RecordKafkaConsume(topic, status string) {
	KafkaMessagesConsumed.WithLabelValues(topic, status).Inc()
}

// RegisterDBStats exports connection pool stats for db. Registering the same
// database twice is not an error.
func RegisterDBStats(db *sql.DB, name string) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, name))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}
