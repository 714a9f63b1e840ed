// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

// Package rules implements the deterministic anomaly rules: time window,
// geo fence, new device, impossible travel and frequency. Every enabled
// rule runs against every event; a nil signal means "did not fire". Rules
// never short-circuit each other so the aggregator always sees the full
// evidence set.
package rules

import (
	"context"
	"math"

	"github.com/goccy/go-json"

	"github.com/watchtower-sec/watchtower/internal/models"
)

// Rule is one deterministic detection rule. Implementations are pure with
// respect to the event and profile: they read, never mutate.
type Rule interface {
	// Type returns the rule type this rule handles.
	Type() models.RuleType

	// Evaluate checks the event against the rule. Returns a signal if the
	// rule fires, nil otherwise. Skippable errors (ErrNotComputable and
	// friends) mean "did not fire", not failure.
	Evaluate(ctx context.Context, event *models.Event, profile *models.SubjectProfile) (*models.Signal, error)

	// Configure replaces the rule configuration from a tenant's
	// RuleDefinition payload.
	Configure(config json.RawMessage) error

	// Enabled reports whether the rule currently runs.
	Enabled() bool

	// SetEnabled enables or disables the rule.
	SetEnabled(enabled bool)
}

// Default rule confidences. Operators tune these per tenant via the rule
// config payloads; the values are starting points, not contracts.
const (
	timeWindowConfidence   = 0.6
	geoDenyConfidence      = 0.9
	geoAllowMissConfidence = 0.8
	newDeviceConfidence    = 0.5
	velocityConfidence     = 0.9
	frequencyConfidence    = 0.7
)

// haversineKm computes the great-circle distance between two points in
// kilometers.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0

	lat1Rad := lat1 * math.Pi / 180.0
	lon1Rad := lon1 * math.Pi / 180.0
	lat2Rad := lat2 * math.Pi / 180.0
	lon2Rad := lon2 * math.Pi / 180.0

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// formatLocation returns a human-readable location string.
func formatLocation(city, country string) string {
	if city != "" && country != "" {
		return city + ", " + country
	}
	if country != "" {
		return country
	}
	if city != "" {
		return city
	}
	return "unknown"
}

// roundTo2 rounds a float64 to 2 decimal places for evidence payloads.
func roundTo2(f float64) float64 {
	return math.Round(f*100) / 100
}

// marshalEvidence encodes an evidence struct, returning nil on failure so
// a marshaling problem never blocks a signal.
func marshalEvidence(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
