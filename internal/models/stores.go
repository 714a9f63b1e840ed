// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package models

import (
	"context"
	"time"
)

// The engine consumes durable storage through these interfaces only.
// Production backends live with the platform; in-memory reference
// implementations ship in internal/store for tests and standalone runs.

// ProfileStore provides read-modify-write access to subject profiles.
type ProfileStore interface {
	// GetProfile retrieves a profile, or ErrNotFound.
	GetProfile(ctx context.Context, tenantID, subjectID string) (*SubjectProfile, error)

	// UpdateProfile applies fn to the profile under the per-subject lock,
	// creating an empty profile first if none exists. A stale read can
	// never drop a concurrent increment: fn always sees the latest state.
	UpdateProfile(ctx context.Context, tenantID, subjectID string, fn func(*SubjectProfile)) error
}

// RuleSource supplies tenant rule definitions for the registry refresh.
type RuleSource interface {
	GetRuleDefinitions(ctx context.Context, tenantID string) ([]RuleDefinition, error)

	// Tenants lists tenant IDs with at least one rule definition.
	Tenants(ctx context.Context) ([]string, error)
}

// HistorySource provides access to recent and historical events.
type HistorySource interface {
	// RecentEventCount counts a subject's events within the trailing window.
	RecentEventCount(ctx context.Context, tenantID, subjectID string, window time.Duration) (int, error)

	// FeatureWindow returns the tenant's historical feature vectors since
	// the given time, for model training.
	FeatureWindow(ctx context.Context, tenantID string, since time.Time) ([][]float64, error)
}

// TimeSeriesPoint is one bucket of an aggregated tenant counter.
type TimeSeriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Count     float64   `json:"count"`
}

// TimeSeriesSource supplies aggregated per-tenant counters for the
// rolling z-score detector.
type TimeSeriesSource interface {
	TrailingSeries(ctx context.Context, tenantID, metric string, window time.Duration) ([]TimeSeriesPoint, error)
}

// AlertStore persists alerts and serves the dedup/correlation scans.
type AlertStore interface {
	// SaveAlert persists a new alert and returns its ID.
	SaveAlert(ctx context.Context, alert *Alert) (string, error)

	// UpdateAlert persists status/aggregation changes to an existing alert.
	UpdateAlert(ctx context.Context, alert *Alert) error

	// FindRecentAlerts returns a subject's alerts created within window,
	// newest first.
	FindRecentAlerts(ctx context.Context, tenantID, subjectID string, window time.Duration) ([]*Alert, error)

	// FalsePositiveStats returns (falsePositives, total) for the subject's
	// trailing alerts of the given rule type.
	FalsePositiveStats(ctx context.Context, tenantID, subjectID, ruleType string) (int, int, error)

	// SaveIncident persists an incident candidate from correlation.
	SaveIncident(ctx context.Context, incident *IncidentCandidate) error

	// FindRecentIncident returns the subject's newest incident candidate
	// created within window, or nil when there is none.
	FindRecentIncident(ctx context.Context, tenantID, subjectID string, window time.Duration) (*IncidentCandidate, error)
}

// RiskStore persists composite risk scores with their breakdowns.
type RiskStore interface {
	GetRiskScore(ctx context.Context, tenantID, subjectID string) (*RiskScore, error)
	PersistRiskScore(ctx context.Context, score *RiskScore) error

	// ListRiskScores returns all scores for a tenant (used by the decay sweep).
	ListRiskScores(ctx context.Context, tenantID string) ([]*RiskScore, error)

	// Tenants lists tenant IDs with at least one stored score.
	Tenants(ctx context.Context) ([]string, error)
}
