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

// TimeWindowConfig configures the allowed-hours rule.
type TimeWindowConfig struct {
	// AllowedHours lists the permitted hours of day (UTC). Empty means no
	// restriction and the rule never fires.
	AllowedHours []int `json:"allowed_hours"`

	Severity models.Severity `json:"severity"`
}

// DefaultTimeWindowConfig returns sensible defaults.
func DefaultTimeWindowConfig() TimeWindowConfig {
	return TimeWindowConfig{
		Severity: models.SeverityMedium,
	}
}

// TimeWindowRule flags events outside a tenant's allowed hours.
type TimeWindowRule struct {
	config  TimeWindowConfig
	enabled bool
	mu      sync.RWMutex
}

// NewTimeWindowRule creates the allowed-hours rule.
func NewTimeWindowRule() *TimeWindowRule {
	return &TimeWindowRule{
		config:  DefaultTimeWindowConfig(),
		enabled: true,
	}
}

// Type returns the rule type.
func (r *TimeWindowRule) Type() models.RuleType {
	return models.RuleTypeTimeWindow
}

// Evaluate checks the event hour against the allowed set.
func (r *TimeWindowRule) Evaluate(_ context.Context, event *models.Event, _ *models.SubjectProfile) (*models.Signal, error) {
	r.mu.RLock()
	if !r.enabled {
		r.mu.RUnlock()
		return nil, nil
	}
	config := r.config
	r.mu.RUnlock()

	if len(config.AllowedHours) == 0 {
		return nil, nil
	}

	hour := event.Hour()
	for _, allowed := range config.AllowedHours {
		if hour == allowed {
			return nil, nil
		}
	}

	evidence := marshalEvidence(struct {
		ObservedHour int   `json:"observed_hour"`
		AllowedHours []int `json:"allowed_hours"`
	}{hour, config.AllowedHours})

	return &models.Signal{
		Kind:       models.SignalUnusualTime,
		Source:     models.SourceRule,
		Severity:   config.Severity,
		Confidence: timeWindowConfidence,
		Reason:     fmt.Sprintf("access at %02d:00 UTC is outside the allowed hours", hour),
		Evidence:   evidence,
		ObservedAt: time.Now().UTC(),
	}, nil
}

// Configure updates the rule configuration.
func (r *TimeWindowRule) Configure(config json.RawMessage) error {
	newConfig := DefaultTimeWindowConfig()
	if err := json.Unmarshal(config, &newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	for _, h := range newConfig.AllowedHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("allowed_hours entry %d out of range [0,23]", h)
		}
	}
	if newConfig.Severity == "" {
		newConfig.Severity = models.SeverityMedium
	}

	r.mu.Lock()
	r.config = newConfig
	r.mu.Unlock()
	return nil
}

// Enabled reports whether this rule is enabled.
func (r *TimeWindowRule) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// SetEnabled enables or disables the rule.
func (r *TimeWindowRule) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}
