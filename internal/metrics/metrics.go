// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

// Package metrics registers the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtower_events_processed_total",
			Help: "Total number of access events processed by the pipeline",
		},
		[]string{"tenant", "outcome"},
	)

	EventsDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "watchtower_events_duplicate_total",
			Help: "Events skipped because their ID was already processed",
		},
	)

	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "watchtower_event_processing_seconds",
			Help:    "End-to-end processing time for one event",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// Detector metrics
	SignalsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtower_signals_total",
			Help: "Signals emitted, labeled by detector source and kind",
		},
		[]string{"source", "kind"},
	)

	DetectorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtower_detector_errors_total",
			Help: "Non-skippable detector errors (pipeline degraded, not failed)",
		},
		[]string{"source"},
	)

	DetectorSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtower_detector_skips_total",
			Help: "Routine detector skips (insufficient data, stale model, not computable)",
		},
		[]string{"source", "reason"},
	)

	// Alerting metrics
	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtower_alerts_created_total",
			Help: "Alerts persisted, labeled by rule type and severity",
		},
		[]string{"rule_type", "severity"},
	)

	AlertsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "watchtower_alerts_suppressed_total",
			Help: "Alerts merged into an earlier primary by deduplication",
		},
	)

	AlertsDowngraded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "watchtower_alerts_downgraded_total",
			Help: "Alerts downgraded or marked false-positive by smart filtering",
		},
	)

	IncidentsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "watchtower_incidents_total",
			Help: "Incident candidates produced by alert correlation",
		},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtower_notifications_total",
			Help: "Outbound alert notifications, labeled by result",
		},
		[]string{"notifier", "result"},
	)

	// Risk metrics
	RiskScoreDistribution = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "watchtower_risk_score",
			Help:    "Distribution of recomputed composite risk scores",
			Buckets: []float64{10, 20, 40, 60, 80, 90, 100},
		},
	)

	// Model metrics
	ModelTrainings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtower_model_trainings_total",
			Help: "Outlier model training runs, labeled by outcome",
		},
		[]string{"outcome"}, // trained, insufficient_data, error
	)

	ModelTrainingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "watchtower_model_training_seconds",
			Help:    "Time spent fitting one tenant's outlier model",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Store metrics
	StoreTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtower_store_timeouts_total",
			Help: "External store lookups that timed out and were degraded",
		},
		[]string{"store"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watchtower_breaker_open",
			Help: "1 when the persistence circuit breaker is open",
		},
		[]string{"name"},
	)

	// Stream metrics
	StreamMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchtower_stream_messages_total",
			Help: "Stream messages handled, labeled by result",
		},
		[]string{"result"}, // ok, decode_error, invalid, process_error
	)
)
