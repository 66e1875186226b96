// Package metrics provides custom Prometheus metrics for the detection engine.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// DetectionMetrics contains all Prometheus metrics related to detection runs
// and the review workflow.
type DetectionMetrics struct {
	RunsTotal     *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	Candidates    *prometheus.CounterVec
	ReviewActions *prometheus.CounterVec
	Materialized  prometheus.Counter

	registry *prometheus.Registry
}

// NewDetectionMetrics creates a new instance of DetectionMetrics registered
// against the given registry.
func NewDetectionMetrics(registry *prometheus.Registry) (*DetectionMetrics, error) {
	m := &DetectionMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register detection metrics: %w", err)
	}
	return m, nil
}

func (m *DetectionMetrics) initMetrics() {
	m.RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autocount_runs_total",
			Help: "Total number of detection runs partitioned by mode and final status.",
		},
		[]string{"mode", "status"},
	)
	m.RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autocount_run_duration_seconds",
			Help:    "Wall-clock duration of a detection run.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
		},
		[]string{"mode"},
	)
	m.Candidates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autocount_candidates_total",
			Help: "Total number of persisted detection candidates partitioned by source.",
		},
		[]string{"source"},
	)
	m.ReviewActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autocount_review_actions_total",
			Help: "Total number of review decisions partitioned by action.",
		},
		[]string{"action"},
	)
	m.Materialized = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autocount_materialized_records_total",
			Help: "Total number of count records created from confirmed detections.",
		},
	)
}

// RecordRun updates the run counters after a run reaches a terminal state.
func (m *DetectionMetrics) RecordRun(mode, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(mode, status).Inc()
	if durationSeconds > 0 {
		m.RunDuration.WithLabelValues(mode).Observe(durationSeconds)
	}
}

// RecordCandidates counts persisted candidates by provenance.
func (m *DetectionMetrics) RecordCandidates(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Candidates.WithLabelValues(source).Add(float64(n))
}

// RecordReview counts one review decision, e.g. "confirm" or "reject".
func (m *DetectionMetrics) RecordReview(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReviewActions.WithLabelValues(action).Add(float64(n))
}

// RecordMaterialized counts newly created count records.
func (m *DetectionMetrics) RecordMaterialized(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Materialized.Add(float64(n))
}

// Describe implements the prometheus.Collector interface.
func (m *DetectionMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.RunsTotal.Describe(ch)
	m.RunDuration.Describe(ch)
	m.Candidates.Describe(ch)
	m.ReviewActions.Describe(ch)
	m.Materialized.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *DetectionMetrics) Collect(ch chan<- prometheus.Metric) {
	m.RunsTotal.Collect(ch)
	m.RunDuration.Collect(ch)
	m.Candidates.Collect(ch)
	m.ReviewActions.Collect(ch)
	m.Materialized.Collect(ch)
}
