// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/watchtower-sec/watchtower/internal/models"
)

// VelocityConfig configures the impossible-travel rule.
type VelocityConfig struct {
	// MaxSpeedKmH is the maximum plausible travel speed
	// (default: 900 km/h, commercial flight).
	MaxSpeedKmH float64 `json:"max_speed_kmh"`

	// MinDistanceKm ignores transitions between nearby locations.
	MinDistanceKm float64 `json:"min_distance_km"`

	Severity models.Severity `json:"severity"`
}

// DefaultVelocityConfig returns sensible defaults.
func DefaultVelocityConfig() VelocityConfig {
	return VelocityConfig{
		MaxSpeedKmH:   900,
		MinDistanceKm: 50,
		Severity:      models.SeverityCritical,
	}
}

// VelocityRule detects implausible geographic transitions by dividing the
// great-circle distance from the subject's last successful located event
// by the elapsed time.
type VelocityRule struct {
	config  VelocityConfig
	enabled bool
	mu      sync.RWMutex
}

// NewVelocityRule creates the impossible-travel rule.
func NewVelocityRule() *VelocityRule {
	return &VelocityRule{
		config:  DefaultVelocityConfig(),
		enabled: true,
	}
}

// Type returns the rule type.
func (r *VelocityRule) Type() models.RuleType {
	return models.RuleTypeVelocity
}

// Evaluate computes the implied travel speed since the profile's velocity
// anchor. Events without coordinates on either side are skipped, and a
// zero or negative elapsed time is "not computable" — never an infinite
// speed signal.
func (r *VelocityRule) Evaluate(_ context.Context, event *models.Event, profile *models.SubjectProfile) (*models.Signal, error) {
	r.mu.RLock()
	if !r.enabled {
		r.mu.RUnlock()
		return nil, nil
	}
	config := r.config
	r.mu.RUnlock()

	if !event.HasCoordinates() {
		return nil, nil
	}
	if profile == nil || !profile.HasLastSeen {
		return nil, nil
	}
	if models.IsUnknownLocation(profile.LastLatitude, profile.LastLongitude) {
		return nil, nil
	}

	elapsed := event.Timestamp.Sub(profile.LastSeenAt)
	if elapsed <= 0 {
		// Same-instant or out-of-order delivery; implied speed is undefined.
		return nil, models.ErrNotComputable
	}

	distanceKm := haversineKm(
		profile.LastLatitude, profile.LastLongitude,
		event.Latitude, event.Longitude,
	)
	if distanceKm < config.MinDistanceKm {
		return nil, nil
	}

	speedKmH := distanceKm / elapsed.Hours()
	if speedKmH <= config.MaxSpeedKmH {
		return nil, nil
	}

	from := formatLocation(profile.LastCity, profile.LastCountry)
	to := formatLocation(event.City, event.Country)

	evidence := marshalEvidence(struct {
		FromLatitude  float64   `json:"from_latitude"`
		FromLongitude float64   `json:"from_longitude"`
		FromSeenAt    time.Time `json:"from_seen_at"`
		ToLatitude    float64   `json:"to_latitude"`
		ToLongitude   float64   `json:"to_longitude"`
		ToSeenAt      time.Time `json:"to_seen_at"`
		DistanceKm    float64   `json:"distance_km"`
		ElapsedMins   float64   `json:"elapsed_mins"`
		ImpliedSpeedK float64   `json:"implied_speed_kmh"`
	}{
		profile.LastLatitude, profile.LastLongitude, profile.LastSeenAt,
		event.Latitude, event.Longitude, event.Timestamp,
		roundTo2(distanceKm), roundTo2(elapsed.Minutes()), roundTo2(speedKmH),
	})

	return &models.Signal{
		Kind:       models.SignalImpossibleTravel,
		Source:     models.SourceRule,
		Severity:   config.Severity,
		Confidence: velocityConfidence,
		Reason: fmt.Sprintf(
			"subject moved %.0f km from %s to %s in %.0f minutes (implies %.0f km/h)",
			distanceKm, from, to, elapsed.Minutes(), speedKmH,
		),
		Evidence:   evidence,
		ObservedAt: time.Now().UTC(),
	}, nil
}

// Configure updates the rule configuration.
func (r *VelocityRule) Configure(config json.RawMessage) error {
	newConfig := DefaultVelocityConfig()
	if err := json.Unmarshal(config, &newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if newConfig.MaxSpeedKmH <= 0 {
		return fmt.Errorf("max_speed_kmh must be positive")
	}
	if newConfig.MinDistanceKm < 0 {
		return fmt.Errorf("min_distance_km cannot be negative")
	}
	if newConfig.Severity == "" {
		newConfig.Severity = models.SeverityCritical
	}

	r.mu.Lock()
	r.config = newConfig
	r.mu.Unlock()
	return nil
}

// Enabled reports whether this rule is enabled.
func (r *VelocityRule) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// SetEnabled enables or disables the rule.
func (r *VelocityRule) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}
