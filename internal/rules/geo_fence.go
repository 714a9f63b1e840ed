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

// GeoFenceConfig configures the country deny/allow rule. A deny-list hit
// is a stronger signal than absence from an allow-list, so the two modes
// carry different confidences.
type GeoFenceConfig struct {
	// DeniedCountries lists ISO country codes that always flag.
	DeniedCountries []string `json:"denied_countries"`

	// AllowedCountries, when non-empty, flags any country not listed.
	AllowedCountries []string `json:"allowed_countries"`

	Severity models.Severity `json:"severity"`
}

// DefaultGeoFenceConfig returns sensible defaults.
func DefaultGeoFenceConfig() GeoFenceConfig {
	return GeoFenceConfig{
		Severity: models.SeverityHigh,
	}
}

// GeoFenceRule flags events from denied countries, or from countries
// absent from a configured allow-list.
type GeoFenceRule struct {
	config  GeoFenceConfig
	enabled bool
	mu      sync.RWMutex
}

// NewGeoFenceRule creates the geo fence rule.
func NewGeoFenceRule() *GeoFenceRule {
	return &GeoFenceRule{
		config:  DefaultGeoFenceConfig(),
		enabled: true,
	}
}

// Type returns the rule type.
func (r *GeoFenceRule) Type() models.RuleType {
	return models.RuleTypeGeoFence
}

// Evaluate checks the event country against the configured lists.
// Events with no resolved country are skipped, not flagged.
func (r *GeoFenceRule) Evaluate(_ context.Context, event *models.Event, _ *models.SubjectProfile) (*models.Signal, error) {
	r.mu.RLock()
	if !r.enabled {
		r.mu.RUnlock()
		return nil, nil
	}
	config := r.config
	r.mu.RUnlock()

	if event.Country == "" {
		return nil, nil
	}

	confidence := 0.0
	mode := ""

	for _, denied := range config.DeniedCountries {
		if event.Country == denied {
			confidence = geoDenyConfidence
			mode = "denylist"
			break
		}
	}

	if mode == "" && len(config.AllowedCountries) > 0 {
		found := false
		for _, allowed := range config.AllowedCountries {
			if event.Country == allowed {
				found = true
				break
			}
		}
		if !found {
			confidence = geoAllowMissConfidence
			mode = "allowlist"
		}
	}

	if mode == "" {
		return nil, nil
	}

	evidence := marshalEvidence(struct {
		Country          string   `json:"country"`
		City             string   `json:"city,omitempty"`
		IPAddress        string   `json:"ip_address,omitempty"`
		Mode             string   `json:"mode"`
		DeniedCountries  []string `json:"denied_countries,omitempty"`
		AllowedCountries []string `json:"allowed_countries,omitempty"`
	}{event.Country, event.City, event.IPAddress, mode, config.DeniedCountries, config.AllowedCountries})

	var reason string
	if mode == "denylist" {
		reason = fmt.Sprintf("access from denied country %s", event.Country)
	} else {
		reason = fmt.Sprintf("access from country %s outside the allow-list", event.Country)
	}

	return &models.Signal{
		Kind:       models.SignalGeoViolation,
		Source:     models.SourceRule,
		Severity:   config.Severity,
		Confidence: confidence,
		Reason:     reason,
		Evidence:   evidence,
		ObservedAt: time.Now().UTC(),
	}, nil
}

// Configure updates the rule configuration.
func (r *GeoFenceRule) Configure(config json.RawMessage) error {
	newConfig := DefaultGeoFenceConfig()
	if err := json.Unmarshal(config, &newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if len(newConfig.DeniedCountries) == 0 && len(newConfig.AllowedCountries) == 0 {
		return fmt.Errorf("either denied_countries or allowed_countries must be configured")
	}
	if newConfig.Severity == "" {
		newConfig.Severity = models.SeverityHigh
	}

	r.mu.Lock()
	r.config = newConfig
	r.mu.Unlock()
	return nil
}

// Enabled reports whether this rule is enabled.
func (r *GeoFenceRule) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// SetEnabled enables or disables the rule.
func (r *GeoFenceRule) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}
