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

// FrequencyConfig configures the trailing-window event count rule.
type FrequencyConfig struct {
	// WindowMinutes is the trailing window to count events in.
	WindowMinutes int `json:"window_minutes"`

	// MaxEvents is the ceiling; counts above it flag.
	MaxEvents int `json:"max_events"`

	Severity models.Severity `json:"severity"`
}

// DefaultFrequencyConfig returns sensible defaults.
func DefaultFrequencyConfig() FrequencyConfig {
	return FrequencyConfig{
		WindowMinutes: 60,
		MaxEvents:     60,
		Severity:      models.SeverityMedium,
	}
}

// FrequencyRule flags subjects generating more events than the ceiling
// within the trailing window. The count comes from the history source; a
// lookup failure degrades to "no signal" at the engine level.
type FrequencyRule struct {
	config  FrequencyConfig
	history models.HistorySource
	enabled bool
	mu      sync.RWMutex
}

// NewFrequencyRule creates the frequency rule.
func NewFrequencyRule(history models.HistorySource) *FrequencyRule {
	return &FrequencyRule{
		config:  DefaultFrequencyConfig(),
		history: history,
		enabled: true,
	}
}

// Type returns the rule type.
func (r *FrequencyRule) Type() models.RuleType {
	return models.RuleTypeFrequency
}

// Evaluate counts the subject's events in the trailing window.
func (r *FrequencyRule) Evaluate(ctx context.Context, event *models.Event, _ *models.SubjectProfile) (*models.Signal, error) {
	r.mu.RLock()
	if !r.enabled {
		r.mu.RUnlock()
		return nil, nil
	}
	config := r.config
	r.mu.RUnlock()

	window := time.Duration(config.WindowMinutes) * time.Minute
	count, err := r.history.RecentEventCount(ctx, event.TenantID, event.SubjectID, window)
	if err != nil {
		return nil, fmt.Errorf("recent event count: %w", err)
	}

	// The current event is part of the window.
	count++
	if count <= config.MaxEvents {
		return nil, nil
	}

	evidence := marshalEvidence(struct {
		Observed      int `json:"observed"`
		Ceiling       int `json:"ceiling"`
		WindowMinutes int `json:"window_minutes"`
	}{count, config.MaxEvents, config.WindowMinutes})

	return &models.Signal{
		Kind:       models.SignalHighFrequency,
		Source:     models.SourceRule,
		Severity:   config.Severity,
		Confidence: frequencyConfidence,
		Reason: fmt.Sprintf("%d events in %d minutes exceeds the ceiling of %d",
			count, config.WindowMinutes, config.MaxEvents),
		Evidence:   evidence,
		ObservedAt: time.Now().UTC(),
	}, nil
}

// Configure updates the rule configuration.
func (r *FrequencyRule) Configure(config json.RawMessage) error {
	newConfig := DefaultFrequencyConfig()
	if err := json.Unmarshal(config, &newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if newConfig.WindowMinutes <= 0 {
		return fmt.Errorf("window_minutes must be positive")
	}
	if newConfig.MaxEvents <= 0 {
		return fmt.Errorf("max_events must be positive")
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
func (r *FrequencyRule) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// SetEnabled enables or disables the rule.
func (r *FrequencyRule) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}
