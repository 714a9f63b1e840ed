// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// RuleType identifies a deterministic detection rule.
type RuleType string

const (
	RuleTypeTimeWindow RuleType = "time_window"
	RuleTypeGeoFence   RuleType = "geo_fence"
	RuleTypeNewDevice  RuleType = "new_device"
	RuleTypeVelocity   RuleType = "velocity"
	RuleTypeFrequency  RuleType = "frequency"
)

// RuleDefinition is the tenant-scoped, versioned configuration for one
// rule. Operators create and edit definitions out-of-band; the engine only
// reads them at evaluation time.
type RuleDefinition struct {
	TenantID     string          `json:"tenant_id"`
	RuleType     RuleType        `json:"rule_type"`
	Enabled      bool            `json:"enabled"`
	Config       json.RawMessage `json:"config"`
	Severity     Severity        `json:"severity"`
	AutoEscalate bool            `json:"auto_escalate"`
	Version      int             `json:"version"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
