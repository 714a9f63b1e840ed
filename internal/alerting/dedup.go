// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/watchtower-sec/watchtower/internal/config"
	"github.com/watchtower-sec/watchtower/internal/logging"
	"github.com/watchtower-sec/watchtower/internal/metrics"
	"github.com/watchtower-sec/watchtower/internal/models"
)

// Deduplicator folds near-identical alerts into one primary. An incoming
// alert that scores at or above the similarity threshold against an open
// recent alert becomes a suppressed child of the earliest such alert; the
// primary's aggregation count grows instead of the operator's queue.
type Deduplicator struct {
	store     models.AlertStore
	window    time.Duration
	threshold float64
}

// NewDeduplicator builds the deduplicator from the alerting configuration.
func NewDeduplicator(store models.AlertStore, cfg config.AlertingConfig) *Deduplicator {
	return &Deduplicator{
		store:     store,
		window:    cfg.DedupWindow,
		threshold: cfg.SimilarityThreshold,
	}
}

// Apply checks the incoming alert against the subject's recent alerts and
// suppresses it under the earliest similar open primary. Returns the
// primary when the alert was suppressed, nil when it stands alone.
//
// Idempotent: the scan only considers open alerts, so an already-suppressed
// alert can never become a primary, re-running cannot double-count, and
// parent chains are always one level deep.
func (d *Deduplicator) Apply(ctx context.Context, alert *models.Alert) (*models.Alert, error) {
	if alert.Status != models.AlertStatusNew {
		return nil, nil
	}

	recent, err := d.store.FindRecentAlerts(ctx, alert.TenantID, alert.SubjectID, d.window)
	if err != nil {
		return nil, fmt.Errorf("find recent alerts: %w", err)
	}

	// The scan runs newest-first; track the earliest qualifying primary.
	var primary *models.Alert
	for _, candidate := range recent {
		if candidate.ID == alert.ID || !candidate.Open() {
			continue
		}
		// Suppressing under another child would build a chain; only
		// primaries (or standalone alerts) qualify.
		if candidate.ParentID != "" {
			continue
		}
		if Similarity(alert, candidate) < d.threshold {
			continue
		}
		if primary == nil || candidate.CreatedAt.Before(primary.CreatedAt) {
			primary = candidate
		}
	}

	if primary == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	alert.ParentID = primary.ID
	if err := alert.Transition(models.AlertStatusSuppressed, now); err != nil {
		return nil, err
	}
	primary.AggregationCount++
	primary.UpdatedAt = now

	if err := d.store.UpdateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("persist suppressed alert: %w", err)
	}
	if err := d.store.UpdateAlert(ctx, primary); err != nil {
		return nil, fmt.Errorf("persist primary alert: %w", err)
	}

	metrics.AlertsSuppressed.Inc()
	logging.Debug().
		Str("alert_id", alert.ID).
		Str("primary_id", primary.ID).
		Int("aggregation_count", primary.AggregationCount).
		Msg("Suppressed duplicate alert")
	return primary, nil
}
