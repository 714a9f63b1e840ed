// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package models

import "time"

// RiskCategory is a weighted factor contributing to the composite score.
type RiskCategory string

const (
	CategoryHistoricalIncident RiskCategory = "historical_incident"
	CategoryRecentAnomaly      RiskCategory = "recent_anomaly"
	CategoryAccessViolation    RiskCategory = "access_violation"
	CategoryIndicatorMatch     RiskCategory = "indicator_match"
	CategoryBehaviorPattern    RiskCategory = "behavior_pattern"
)

// RiskLevel is the human-readable band for a score.
type RiskLevel string

const (
	RiskCritical RiskLevel = "critical"
	RiskSevere   RiskLevel = "severe"
	RiskHigh     RiskLevel = "high"
	RiskModerate RiskLevel = "moderate"
	RiskLow      RiskLevel = "low"
	RiskMinimal  RiskLevel = "minimal"
)

// LevelForScore maps a composite score to its risk band.
func LevelForScore(score float64) RiskLevel {
	switch {
	case score >= 80:
		return RiskCritical
	case score >= 60:
		return RiskSevere
	case score >= 40:
		return RiskHigh
	case score >= 20:
		return RiskModerate
	case score >= 10:
		return RiskLow
	default:
		return RiskMinimal
	}
}

// RiskScore is the rolling composite risk value for a subject or resource.
// Always recomputed by the aggregator, never hand-edited; decays toward
// zero when no new signals refresh it.
type RiskScore struct {
	TenantID  string `json:"tenant_id"`
	SubjectID string `json:"subject_id"`

	Score float64   `json:"score"` // [0,100]
	Level RiskLevel `json:"level"`

	// Breakdown holds each category's weighted contribution to Score.
	Breakdown map[RiskCategory]float64 `json:"breakdown"`

	UpdatedAt time.Time `json:"updated_at"`
}

// ClampScore bounds a composite score to [0,100].
func ClampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
