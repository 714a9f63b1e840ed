// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/watchtower-sec/watchtower/internal/config"
	"github.com/watchtower-sec/watchtower/internal/logging"
	"github.com/watchtower-sec/watchtower/internal/models"
)

// constructors maps rule types to factories seeded from the operator's
// configured defaults. Dispatch is a plain table; no reflection, no
// plugin loading.
type constructors struct {
	history  models.HistorySource
	defaults config.RulesConfig
}

func (c constructors) build(ruleType models.RuleType) (Rule, error) {
	switch ruleType {
	case models.RuleTypeTimeWindow:
		rule := NewTimeWindowRule()
		rule.config.AllowedHours = append([]int(nil), c.defaults.TimeWindow.AllowedHours...)
		rule.enabled = c.defaults.TimeWindow.Enabled
		return rule, nil
	case models.RuleTypeGeoFence:
		rule := NewGeoFenceRule()
		rule.config.DeniedCountries = append([]string(nil), c.defaults.GeoFence.DeniedCountries...)
		rule.config.AllowedCountries = append([]string(nil), c.defaults.GeoFence.AllowedCountries...)
		rule.enabled = c.defaults.GeoFence.Enabled
		return rule, nil
	case models.RuleTypeNewDevice:
		rule := NewNewDeviceRule()
		if c.defaults.NewDevice.MinProfileSamples > 0 {
			rule.config.MinProfileSamples = c.defaults.NewDevice.MinProfileSamples
		}
		rule.enabled = c.defaults.NewDevice.Enabled
		return rule, nil
	case models.RuleTypeVelocity:
		rule := NewVelocityRule()
		if c.defaults.Velocity.MaxSpeedKmH > 0 {
			rule.config.MaxSpeedKmH = c.defaults.Velocity.MaxSpeedKmH
		}
		if c.defaults.Velocity.MinDistanceKm > 0 {
			rule.config.MinDistanceKm = c.defaults.Velocity.MinDistanceKm
		}
		rule.enabled = c.defaults.Velocity.Enabled
		return rule, nil
	case models.RuleTypeFrequency:
		rule := NewFrequencyRule(c.history)
		if c.defaults.Frequency.Window > 0 {
			rule.config.WindowMinutes = int(c.defaults.Frequency.Window.Minutes())
		}
		if c.defaults.Frequency.MaxEvents > 0 {
			rule.config.MaxEvents = c.defaults.Frequency.MaxEvents
		}
		rule.enabled = c.defaults.Frequency.Enabled
		return rule, nil
	default:
		return nil, fmt.Errorf("unknown rule type %q", ruleType)
	}
}

// severityOverride applies a definition's severity and auto-escalate
// settings to every signal the wrapped rule emits.
type severityOverride struct {
	Rule
	severity models.Severity
	escalate bool
}

func (w *severityOverride) Evaluate(ctx context.Context, event *models.Event, profile *models.SubjectProfile) (*models.Signal, error) {
	signal, err := w.Rule.Evaluate(ctx, event, profile)
	if signal != nil {
		if w.severity != "" {
			signal.Severity = w.severity
		}
		if w.escalate {
			signal.Severity = signal.Severity.Escalate()
		}
	}
	return signal, err
}

// Registry holds per-tenant rule sets. Tenants without an explicit
// definition for a rule type get that rule with default configuration, so
// a brand-new tenant is protected from its first event.
type Registry struct {
	factory constructors
	tenants map[string][]Rule
	mu      sync.RWMutex
}

// NewRegistry creates a registry. The history source backs the frequency
// rule for all tenants; defaults seed every rule a tenant has no explicit
// definition for.
func NewRegistry(history models.HistorySource, defaults config.RulesConfig) *Registry {
	return &Registry{
		factory: constructors{history: history, defaults: defaults},
		tenants: make(map[string][]Rule),
	}
}

// allRuleTypes in deterministic evaluation order.
var allRuleTypes = []models.RuleType{
	models.RuleTypeTimeWindow,
	models.RuleTypeGeoFence,
	models.RuleTypeNewDevice,
	models.RuleTypeVelocity,
	models.RuleTypeFrequency,
}

// LoadTenant builds the rule set for a tenant from its definitions.
// Definitions replace, never merge: calling LoadTenant twice leaves only
// the rules from the second call. A definition with an invalid config is
// rejected and the previous rule set is kept.
func (r *Registry) LoadTenant(tenantID string, definitions []models.RuleDefinition) error {
	byType := make(map[models.RuleType]models.RuleDefinition, len(definitions))
	for _, def := range definitions {
		if existing, ok := byType[def.RuleType]; ok && existing.Version >= def.Version {
			continue
		}
		byType[def.RuleType] = def
	}

	rules := make([]Rule, 0, len(allRuleTypes))
	for _, ruleType := range allRuleTypes {
		rule, err := r.factory.build(ruleType)
		if err != nil {
			return err
		}
		def, ok := byType[ruleType]
		if ok {
			if len(def.Config) > 0 {
				if err := rule.Configure(def.Config); err != nil {
					return fmt.Errorf("tenant %s rule %s: %w", tenantID, ruleType, err)
				}
			}
			rule.SetEnabled(def.Enabled)
			if def.Severity != "" || def.AutoEscalate {
				rule = &severityOverride{Rule: rule, severity: def.Severity, escalate: def.AutoEscalate}
			}
		}
		rules = append(rules, rule)
	}

	r.mu.Lock()
	r.tenants[tenantID] = rules
	r.mu.Unlock()

	logging.Debug().
		Str("tenant_id", tenantID).
		Int("rules", len(rules)).
		Msg("Loaded tenant rule set")
	return nil
}

// Rules returns the rule set for a tenant, building the default set on
// first access.
func (r *Registry) Rules(tenantID string) []Rule {
	r.mu.RLock()
	rules, ok := r.tenants[tenantID]
	r.mu.RUnlock()
	if ok {
		return rules
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rules, ok = r.tenants[tenantID]; ok {
		return rules
	}

	rules = make([]Rule, 0, len(allRuleTypes))
	for _, ruleType := range allRuleTypes {
		rule, err := r.factory.build(ruleType)
		if err != nil {
			// Unreachable for the fixed type list; guard anyway.
			continue
		}
		rules = append(rules, rule)
	}
	r.tenants[tenantID] = rules
	return rules
}

// Refresh reloads every tenant present in the source. Tenants the source
// no longer knows keep their last-loaded rules until restart.
func (r *Registry) Refresh(ctx context.Context, source models.RuleSource) error {
	tenants, err := source.Tenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	sort.Strings(tenants)

	var firstErr error
	for _, tenantID := range tenants {
		definitions, err := source.GetRuleDefinitions(ctx, tenantID)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("tenant %s: %w", tenantID, err)
			}
			continue
		}
		if err := r.LoadTenant(tenantID, definitions); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
