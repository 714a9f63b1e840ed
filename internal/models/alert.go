// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package models

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// AlertStatus is the lifecycle state of an alert.
//
// State machine: new → acknowledged → resolved | dismissed | false_positive.
// suppressed is terminal and reachable only from new (a freshly created
// duplicate is folded into its primary before anyone touches it).
type AlertStatus string

const (
	AlertStatusNew           AlertStatus = "new"
	AlertStatusAcknowledged  AlertStatus = "acknowledged"
	AlertStatusResolved      AlertStatus = "resolved"
	AlertStatusDismissed     AlertStatus = "dismissed"
	AlertStatusFalsePositive AlertStatus = "false_positive"
	AlertStatusSuppressed    AlertStatus = "suppressed"
)

// alertTransitions lists the allowed status transitions.
var alertTransitions = map[AlertStatus][]AlertStatus{
	AlertStatusNew: {
		AlertStatusAcknowledged,
		AlertStatusSuppressed,
		AlertStatusFalsePositive,
	},
	AlertStatusAcknowledged: {
		AlertStatusResolved,
		AlertStatusDismissed,
		AlertStatusFalsePositive,
	},
}

// CanTransition reports whether moving from to next is a legal transition.
func (s AlertStatus) CanTransition(next AlertStatus) bool {
	for _, allowed := range alertTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is an end state.
func (s AlertStatus) Terminal() bool {
	return len(alertTransitions[s]) == 0
}

// Alert is a durable, human-visible detection record. Created by the
// engine; status transitions are driven by the engine (suppression) and by
// operators (acknowledge/resolve/dismiss).
type Alert struct {
	ID         string      `json:"id"`
	TenantID   string      `json:"tenant_id"`
	SubjectID  string      `json:"subject_id"`
	ResourceID string      `json:"resource_id,omitempty"`
	RuleType   string      `json:"rule_type"`
	Severity   Severity    `json:"severity"`
	Status     AlertStatus `json:"status"`
	Confidence float64     `json:"confidence"`
	Title      string      `json:"title"`
	Message    string      `json:"message"`

	Metadata json.RawMessage `json:"metadata,omitempty"`

	// Correlation fields. A suppressed duplicate always carries a non-empty
	// ParentID; a primary counts its duplicates in AggregationCount.
	ParentID         string `json:"parent_id,omitempty"`
	AggregationCount int    `json:"aggregation_count"`

	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Transition applies a status change, enforcing the state machine and the
// suppressed-parent invariant.
func (a *Alert) Transition(next AlertStatus, now time.Time) error {
	if !a.Status.CanTransition(next) {
		return fmt.Errorf("alert %s: illegal transition %s -> %s", a.ID, a.Status, next)
	}
	if next == AlertStatusSuppressed && a.ParentID == "" {
		return fmt.Errorf("alert %s: suppressed requires a parent reference", a.ID)
	}
	a.Status = next
	a.UpdatedAt = now
	return nil
}

// Open reports whether the alert is still actionable (candidate for
// deduplication against newly raised alerts).
func (a *Alert) Open() bool {
	return a.Status == AlertStatusNew || a.Status == AlertStatusAcknowledged
}

// Notification is the structured payload emitted when a non-suppressed,
// high-confidence alert is created. Delivery (email, websocket) is the
// downstream consumer's concern.
type Notification struct {
	AlertID   string    `json:"alert_id"`
	TenantID  string    `json:"tenant_id"`
	Severity  Severity  `json:"severity"`
	SubjectID string    `json:"subject"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// IncidentCandidate is the incident-equivalent record produced when
// correlation finds a cluster of related alerts.
type IncidentCandidate struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	SubjectID string    `json:"subject_id,omitempty"`
	Resource  string    `json:"resource_id,omitempty"`
	Severity  Severity  `json:"severity"`
	AlertIDs  []string  `json:"alert_ids"`
	CreatedAt time.Time `json:"created_at"`
}
