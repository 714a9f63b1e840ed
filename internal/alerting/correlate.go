// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/watchtower-sec/watchtower/internal/config"
	"github.com/watchtower-sec/watchtower/internal/logging"
	"github.com/watchtower-sec/watchtower/internal/metrics"
	"github.com/watchtower-sec/watchtower/internal/models"
)

// Correlator escalates clusters of related alerts to incident candidates.
// Alerts relate when they share the triggering alert's subject within the
// correlation window; suppressed duplicates count toward the cluster since
// each represents a real detection.
type Correlator struct {
	store    models.AlertStore
	window   time.Duration
	minCount int
}

// NewCorrelator builds the correlator from the alerting configuration.
func NewCorrelator(store models.AlertStore, cfg config.AlertingConfig) *Correlator {
	return &Correlator{
		store:    store,
		window:   cfg.CorrelationWindow,
		minCount: cfg.CorrelationMinCount,
	}
}

// Apply checks whether the new alert completes a cluster. Returns the
// incident candidate when one was raised, nil otherwise. Clusters smaller
// than the minimum stay as individual alerts.
func (c *Correlator) Apply(ctx context.Context, alert *models.Alert) (*models.IncidentCandidate, error) {
	related, err := c.store.FindRecentAlerts(ctx, alert.TenantID, alert.SubjectID, c.window)
	if err != nil {
		return nil, fmt.Errorf("find related alerts: %w", err)
	}

	cluster := make([]*models.Alert, 0, len(related)+1)
	seen := map[string]bool{alert.ID: true}
	cluster = append(cluster, alert)
	for _, candidate := range related {
		if seen[candidate.ID] {
			continue
		}
		seen[candidate.ID] = true
		cluster = append(cluster, candidate)
	}

	if len(cluster) < c.minCount {
		return nil, nil
	}

	// An open incident within the window already covers this cluster;
	// every further alert would otherwise mint its own incident.
	existing, err := c.store.FindRecentIncident(ctx, alert.TenantID, alert.SubjectID, c.window)
	if err != nil {
		return nil, fmt.Errorf("find recent incident: %w", err)
	}
	if existing != nil {
		return nil, nil
	}

	severity := models.SeverityLow
	alertIDs := make([]string, 0, len(cluster))
	sharedResource := cluster[0].ResourceID
	for _, member := range cluster {
		severity = models.MaxSeverity(severity, member.Severity)
		alertIDs = append(alertIDs, member.ID)
		if member.ResourceID != sharedResource {
			sharedResource = ""
		}
	}

	incident := &models.IncidentCandidate{
		ID:        uuid.NewString(),
		TenantID:  alert.TenantID,
		SubjectID: alert.SubjectID,
		Resource:  sharedResource,
		Severity:  severity,
		AlertIDs:  alertIDs,
		CreatedAt: time.Now().UTC(),
	}

	if err := c.store.SaveIncident(ctx, incident); err != nil {
		return nil, fmt.Errorf("save incident: %w", err)
	}

	metrics.IncidentsCreated.Inc()
	logging.Info().
		Str("incident_id", incident.ID).
		Str("tenant_id", incident.TenantID).
		Str("subject_id", incident.SubjectID).
		Str("severity", string(incident.Severity)).
		Int("alerts", len(alertIDs)).
		Msg("Correlated alert cluster into incident candidate")
	return incident, nil
}
