// Package metrics provides Prometheus metrics for the fern service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal tracks full resolution runs by strategy and status
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "dedupe",
			Name:      "runs_total",
			Help:      "Total number of full resolution runs by strategy and status",
		},
		[]string{"strategy", "status"},
	)

	// RunDuration tracks full run duration in seconds
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "dedupe",
			Name:      "run_duration_seconds",
			Help:      "Duration of full resolution runs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"strategy"},
	)

	// PairsScored tracks scored pairs by decision
	PairsScored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "matching",
			Name:      "pairs_scored_total",
			Help:      "Total number of candidate pairs scored by decision",
		},
		[]string{"decision"},
	)

	// MergesTotal tracks merge requests by status
	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "merging",
			Name:      "merges_total",
			Help:      "Total number of merge requests by status",
		},
		[]string{"status"},
	)

	// RecordsMerged tracks duplicates folded into a master
	RecordsMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "merging",
			Name:      "records_merged_total",
			Help:      "Total number of duplicate records folded into a master",
		},
	)

	// IntakeTotal tracks intake outcomes
	IntakeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "intake",
			Name:      "requests_total",
			Help:      "Total number of intake requests by decision",
		},
		[]string{"decision"},
	)

	// IntakeDuration tracks intake latency
	IntakeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "intake",
			Name:      "duration_seconds",
			Help:      "Duration of intake checks in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of Kafka messages published",
		},
		[]string{"topic", "status"},
	)

	// KafkaMessagesConsumed tracks Kafka messages consumed
	KafkaMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_consumed_total",
			Help:      "Total number of Kafka messages consumed",
		},
		[]string{"topic", "status"},
	)
)

// RecordRun records a full run metric
func RecordRun(strategy, status string, durationSeconds float64) {
	RunsTotal.WithLabelValues(strategy, status).Inc()
	RunDuration.WithLabelValues(strategy).Observe(durationSeconds)
}

// RecordDecisions adds per-decision pair counts
func RecordDecisions(counts map[string]int) {
	for decision, n := range counts {
		PairsScored.WithLabelValues(decision).Add(float64(n))
	}
}

// RecordMerge records a merge request and how many records it folded
func RecordMerge(status string, merged int) {
	MergesTotal.WithLabelValues(status).Inc()
	RecordsMerged.Add(float64(merged))
}

// RecordIntake records an intake outcome
func RecordIntake(decision string, durationSeconds float64) {
	IntakeTotal.WithLabelValues(decision).Inc()
	IntakeDuration.Observe(durationSeconds)
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
}

// RecordKafkaConsume records a consumed Kafka message
func RecordKafkaConsume(topic, status string) {
	KafkaMessagesConsumed.WithLabelValues(topic, status).Inc()
}
