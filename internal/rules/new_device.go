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

// NewDeviceConfig configures the unseen-fingerprint rule.
type NewDeviceConfig struct {
	// MinProfileSamples suppresses the rule for near-empty profiles: a
	// subject's first handful of events would otherwise all flag.
	MinProfileSamples int `json:"min_profile_samples"`

	Severity models.Severity `json:"severity"`
}

// DefaultNewDeviceConfig returns sensible defaults.
func DefaultNewDeviceConfig() NewDeviceConfig {
	return NewDeviceConfig{
		MinProfileSamples: 5,
		Severity:          models.SeverityLow,
	}
}

// NewDeviceRule flags device fingerprints never seen before among the
// subject's prior successful events.
type NewDeviceRule struct {
	config  NewDeviceConfig
	enabled bool
	mu      sync.RWMutex
}

// NewNewDeviceRule creates the new-device rule.
func NewNewDeviceRule() *NewDeviceRule {
	return &NewDeviceRule{
		config:  DefaultNewDeviceConfig(),
		enabled: true,
	}
}

// Type returns the rule type.
func (r *NewDeviceRule) Type() models.RuleType {
	return models.RuleTypeNewDevice
}

// Evaluate checks the event fingerprint against the profile's device set.
func (r *NewDeviceRule) Evaluate(_ context.Context, event *models.Event, profile *models.SubjectProfile) (*models.Signal, error) {
	r.mu.RLock()
	if !r.enabled {
		r.mu.RUnlock()
		return nil, nil
	}
	config := r.config
	r.mu.RUnlock()

	if event.DeviceFingerprint == "" || profile == nil {
		return nil, nil
	}
	if profile.SampleCount < int64(config.MinProfileSamples) {
		return nil, nil
	}
	if profile.KnownDevice(event.DeviceFingerprint) {
		return nil, nil
	}

	evidence := marshalEvidence(struct {
		Fingerprint  string `json:"fingerprint"`
		KnownDevices int    `json:"known_devices"`
	}{event.DeviceFingerprint, len(profile.Devices)})

	return &models.Signal{
		Kind:       models.SignalNewDevice,
		Source:     models.SourceRule,
		Severity:   config.Severity,
		Confidence: newDeviceConfidence,
		Reason:     fmt.Sprintf("device %s never seen on a prior successful access", truncateFingerprint(event.DeviceFingerprint)),
		Evidence:   evidence,
		ObservedAt: time.Now().UTC(),
	}, nil
}

// Configure updates the rule configuration.
func (r *NewDeviceRule) Configure(config json.RawMessage) error {
	newConfig := DefaultNewDeviceConfig()
	if err := json.Unmarshal(config, &newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if newConfig.MinProfileSamples < 0 {
		return fmt.Errorf("min_profile_samples cannot be negative")
	}
	if newConfig.Severity == "" {
		newConfig.Severity = models.SeverityLow
	}

	r.mu.Lock()
	r.config = newConfig
	r.mu.Unlock()
	return nil
}

// Enabled reports whether this rule is enabled.
func (r *NewDeviceRule) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// SetEnabled enables or disables the rule.
func (r *NewDeviceRule) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

// truncateFingerprint shortens a fingerprint for display.
func truncateFingerprint(fp string) string {
	if len(fp) <= 12 {
		return fp
	}
	return fp[:8] + "..."
}
