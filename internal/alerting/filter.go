// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package alerting

import (
	"context"
	"fmt"

	"github.com/watchtower-sec/watchtower/internal/config"
	"github.com/watchtower-sec/watchtower/internal/logging"
	"github.com/watchtower-sec/watchtower/internal/metrics"
	"github.com/watchtower-sec/watchtower/internal/models"
)

// Filter applies confidence-based smart filtering to freshly created
// alerts before they reach an operator.
type Filter struct {
	store         models.AlertStore
	minConfidence float64
	fpRate        float64
	fpMinSamples  int
}

// NewFilter builds the filter from the alerting configuration.
func NewFilter(store models.AlertStore, cfg config.AlertingConfig) *Filter {
	return &Filter{
		store:         store,
		minConfidence: cfg.MinConfidence,
		fpRate:        cfg.FalsePositiveRate,
		fpMinSamples:  cfg.FalsePositiveMinSamples,
	}
}

// Apply mutates the alert in place. Low-confidence alerts from a subject
// whose trailing false-positive rate for the rule type exceeds the cutoff
// are marked false_positive outright; other low-confidence alerts lose one
// severity tier. High-confidence alerts pass untouched. The FP check only
// acts above the minimum sample size so sparse history cannot silence a
// subject.
func (f *Filter) Apply(ctx context.Context, alert *models.Alert) error {
	if alert.Confidence >= f.minConfidence {
		return nil
	}

	falsePositives, total, err := f.store.FalsePositiveStats(ctx, alert.TenantID, alert.SubjectID, alert.RuleType)
	if err != nil {
		return fmt.Errorf("false positive stats: %w", err)
	}

	if total >= f.fpMinSamples && float64(falsePositives)/float64(total) > f.fpRate {
		if err := alert.Transition(models.AlertStatusFalsePositive, alert.UpdatedAt); err != nil {
			return err
		}
		logging.Debug().
			Str("alert_id", alert.ID).
			Str("rule_type", alert.RuleType).
			Int("false_positives", falsePositives).
			Int("total", total).
			Msg("Marked low-confidence alert false positive from history")
		return nil
	}

	before := alert.Severity
	alert.Severity = alert.Severity.Downgrade()
	if alert.Severity != before {
		metrics.AlertsDowngraded.Inc()
		logging.Debug().
			Str("alert_id", alert.ID).
			Str("from", string(before)).
			Str("to", string(alert.Severity)).
			Float64("confidence", alert.Confidence).
			Msg("Downgraded low-confidence alert")
	}
	return nil
}
