// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AssignmentsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "splitbeam_assignments_served_total",
		Help: "Assignments served, by outcome (assigned, existing, excluded, fallback).",
	}, []string{"outcome"})

	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "splitbeam_events_ingested_total",
		Help: "Events received, by outcome (accepted, duplicate, dropped_not_running, dropped_unassigned, rejected).",
	}, []string{"outcome"})

	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "splitbeam_pipeline_runs_total",
		Help: "Per-test pipeline runs, by result (ok, error, skipped).",
	}, []string{"result"})

	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "splitbeam_pipeline_run_seconds",
		Help:    "Duration of one test's pipeline run.",
		Buckets: prometheus.DefBuckets,
	})

	MismatchesRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "splitbeam_shipping_mismatches_total",
		Help: "Shipping suffix mismatches recorded.",
	})
)
