// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// Severity indicates the severity level of a signal or alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for comparison and downgrade.
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Points returns the risk contribution of a severity when summing a
// category sub-score (capped at 100 by the aggregator).
func (s Severity) Points() float64 {
	switch s {
	case SeverityCritical:
		return 100
	case SeverityHigh:
		return 50
	case SeverityMedium:
		return 25
	case SeverityLow:
		return 10
	default:
		return 0
	}
}

// AtLeast reports whether s is the same or more severe than other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// Escalate returns the severity one tier higher, clamped at critical.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Downgrade returns the severity one tier lower, clamped at low.
func (s Severity) Downgrade() Severity {
	switch s {
	case SeverityCritical:
		return SeverityHigh
	case SeverityHigh:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// MaxSeverity returns the most severe of the given severities.
func MaxSeverity(severities ...Severity) Severity {
	max := SeverityLow
	for _, s := range severities {
		if s.AtLeast(max) {
			max = s
		}
	}
	return max
}

// SignalSource identifies which detector family produced a signal.
type SignalSource string

const (
	SourceRule        SignalSource = "rule"
	SourceStatistical SignalSource = "statistical"
	SourceModel       SignalSource = "model"
)

// SignalKind names the specific anomaly a signal describes.
type SignalKind string

const (
	SignalUnusualTime      SignalKind = "unusual_time"
	SignalUnusualLocation  SignalKind = "unusual_location"
	SignalUnusualWeekday   SignalKind = "unusual_weekday"
	SignalGeoViolation     SignalKind = "geo_violation"
	SignalNewDevice        SignalKind = "new_device"
	SignalImpossibleTravel SignalKind = "impossible_travel"
	SignalHighFrequency    SignalKind = "high_frequency"
	SignalVolumeSpike      SignalKind = "volume_spike"
	SignalModelOutlier     SignalKind = "model_outlier"
)

// Signal is one detector's opinion about a single event. Signals are
// transient: they live only for the duration of one pipeline pass and are
// merged by the risk aggregator, never persisted individually.
type Signal struct {
	Kind       SignalKind      `json:"kind"`
	Source     SignalSource    `json:"source"`
	Severity   Severity        `json:"severity"`
	Confidence float64         `json:"confidence"` // [0,1]
	Reason     string          `json:"reason"`
	Evidence   json.RawMessage `json:"evidence,omitempty"`
	ObservedAt time.Time       `json:"observed_at"`
}

// ClampConfidence bounds a confidence value to [0,1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
