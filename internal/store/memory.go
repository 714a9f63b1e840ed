// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

// Package store provides the engine's storage backends: in-memory
// reference implementations of the data source interfaces, and the
// BadgerDB-backed processed-event index and model snapshot store.
//
// The in-memory stores serve tests and standalone deployments. Durable
// multi-node backends implement the same interfaces on the platform side.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/watchtower-sec/watchtower/internal/models"
)

// historyEntry is one recorded event occurrence.
type historyEntry struct {
	tenantID  string
	subjectID string
	timestamp time.Time
	denied    bool
}

// MemoryHistory records processed events and serves the frequency rule,
// model training windows and the z-score counter series from them.
type MemoryHistory struct {
	mu      sync.RWMutex
	entries []historyEntry
	vectors map[string][]vectorEntry
	maxAge  time.Duration
}

type vectorEntry struct {
	at     time.Time
	vector []float64
}

// NewMemoryHistory creates the history recorder. maxAge bounds retention;
// entries older than it are dropped opportunistically on write.
func NewMemoryHistory(maxAge time.Duration) *MemoryHistory {
	if maxAge <= 0 {
		maxAge = 90 * 24 * time.Hour
	}
	return &MemoryHistory{
		vectors: make(map[string][]vectorEntry),
		maxAge:  maxAge,
	}
}

// Record stores one processed event and its feature vector.
func (h *MemoryHistory) Record(event *models.Event, vector []float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, historyEntry{
		tenantID:  event.TenantID,
		subjectID: event.SubjectID,
		timestamp: event.Timestamp,
		denied:    event.Outcome == models.OutcomeDenied,
	})
	h.vectors[event.TenantID] = append(h.vectors[event.TenantID], vectorEntry{
		at:     event.Timestamp,
		vector: vector,
	})

	h.compactLocked(time.Now().UTC().Add(-h.maxAge))
}

// compactLocked drops entries older than the cutoff. Cheap enough to run
// on every write; the slices stay roughly sorted by insertion time.
func (h *MemoryHistory) compactLocked(cutoff time.Time) {
	kept := h.entries[:0]
	for _, e := range h.entries {
		if e.timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	h.entries = kept

	for tenantID, vecs := range h.vectors {
		keptVecs := vecs[:0]
		for _, v := range vecs {
			if v.at.After(cutoff) {
				keptVecs = append(keptVecs, v)
			}
		}
		h.vectors[tenantID] = keptVecs
	}
}

// RecentEventCount implements models.HistorySource.
func (h *MemoryHistory) RecentEventCount(_ context.Context, tenantID, subjectID string, window time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-window)

	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, e := range h.entries {
		if e.tenantID == tenantID && e.subjectID == subjectID && e.timestamp.After(cutoff) {
			count++
		}
	}
	return count, nil
}

// FeatureWindow implements models.HistorySource.
func (h *MemoryHistory) FeatureWindow(_ context.Context, tenantID string, since time.Time) ([][]float64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out [][]float64
	for _, v := range h.vectors[tenantID] {
		if v.at.After(since) {
			out = append(out, v.vector)
		}
	}
	return out, nil
}

// TrailingSeries implements models.TimeSeriesSource by bucketing recorded
// events into daily counts. Supported metrics: event_volume, denial_count.
func (h *MemoryHistory) TrailingSeries(_ context.Context, tenantID, metric string, window time.Duration) ([]models.TimeSeriesPoint, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-window)

	h.mu.RLock()
	buckets := make(map[time.Time]float64)
	for _, e := range h.entries {
		if e.tenantID != tenantID || !e.timestamp.After(cutoff) {
			continue
		}
		if metric == "denial_count" && !e.denied {
			continue
		}
		day := e.timestamp.Truncate(24 * time.Hour)
		buckets[day]++
	}
	h.mu.RUnlock()

	points := make([]models.TimeSeriesPoint, 0, len(buckets))
	for day, count := range buckets {
		points = append(points, models.TimeSeriesPoint{Timestamp: day, Count: count})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
	return points, nil
}

// Tenants lists tenants with recorded feature vectors, for retrain sweeps.
func (h *MemoryHistory) Tenants(_ context.Context) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.vectors))
	for tenantID := range h.vectors {
		out = append(out, tenantID)
	}
	sort.Strings(out)
	return out, nil
}

// MemoryAlertStore is the in-memory AlertStore.
type MemoryAlertStore struct {
	mu        sync.RWMutex
	alerts    map[string]*models.Alert
	incidents map[string]*models.IncidentCandidate
}

// NewMemoryAlertStore creates an empty alert store.
func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{
		alerts:    make(map[string]*models.Alert),
		incidents: make(map[string]*models.IncidentCandidate),
	}
}

// SaveAlert implements models.AlertStore.
func (s *MemoryAlertStore) SaveAlert(_ context.Context, alert *models.Alert) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	copied := *alert
	s.alerts[alert.ID] = &copied
	return alert.ID, nil
}

// UpdateAlert implements models.AlertStore.
func (s *MemoryAlertStore) UpdateAlert(_ context.Context, alert *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[alert.ID]; !ok {
		return models.ErrNotFound
	}
	copied := *alert
	s.alerts[alert.ID] = &copied
	return nil
}

// GetAlert returns one alert by id.
func (s *MemoryAlertStore) GetAlert(_ context.Context, id string) (*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *a
	return &copied, nil
}

// FindRecentAlerts implements models.AlertStore; results are newest first.
func (s *MemoryAlertStore) FindRecentAlerts(_ context.Context, tenantID, subjectID string, window time.Duration) ([]*models.Alert, error) {
	cutoff := time.Now().UTC().Add(-window)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Alert
	for _, a := range s.alerts {
		if a.TenantID == tenantID && a.SubjectID == subjectID && a.CreatedAt.After(cutoff) {
			copied := *a
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ListAlerts returns a tenant's alerts filtered by optional status and
// severity, newest first, for the ops API.
func (s *MemoryAlertStore) ListAlerts(_ context.Context, tenantID string, status models.AlertStatus, severity models.Severity, limit int) ([]*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Alert
	for _, a := range s.alerts {
		if tenantID != "" && a.TenantID != tenantID {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		if severity != "" && a.Severity != severity {
			continue
		}
		copied := *a
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FalsePositiveStats implements models.AlertStore.
func (s *MemoryAlertStore) FalsePositiveStats(_ context.Context, tenantID, subjectID, ruleType string) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	falsePositives, total := 0, 0
	for _, a := range s.alerts {
		if a.TenantID != tenantID || a.SubjectID != subjectID || a.RuleType != ruleType {
			continue
		}
		total++
		if a.Status == models.AlertStatusFalsePositive {
			falsePositives++
		}
	}
	return falsePositives, total, nil
}

// SaveIncident implements models.AlertStore.
func (s *MemoryAlertStore) SaveIncident(_ context.Context, incident *models.IncidentCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *incident
	s.incidents[incident.ID] = &copied
	return nil
}

// FindRecentIncident implements models.AlertStore.
func (s *MemoryAlertStore) FindRecentIncident(_ context.Context, tenantID, subjectID string, window time.Duration) (*models.IncidentCandidate, error) {
	cutoff := time.Now().UTC().Add(-window)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var newest *models.IncidentCandidate
	for _, inc := range s.incidents {
		if inc.TenantID != tenantID || inc.SubjectID != subjectID || !inc.CreatedAt.After(cutoff) {
			continue
		}
		if newest == nil || inc.CreatedAt.After(newest.CreatedAt) {
			newest = inc
		}
	}
	if newest == nil {
		return nil, nil
	}
	copied := *newest
	return &copied, nil
}

// Incidents returns all stored incident candidates.
func (s *MemoryAlertStore) Incidents(_ context.Context) ([]*models.IncidentCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.IncidentCandidate, 0, len(s.incidents))
	for _, inc := range s.incidents {
		copied := *inc
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// MemoryRiskStore is the in-memory RiskStore.
type MemoryRiskStore struct {
	mu     sync.RWMutex
	scores map[string]*models.RiskScore
}

// NewMemoryRiskStore creates an empty risk store.
func NewMemoryRiskStore() *MemoryRiskStore {
	return &MemoryRiskStore{scores: make(map[string]*models.RiskScore)}
}

func riskKey(tenantID, subjectID string) string {
	return tenantID + "\x00" + subjectID
}

// GetRiskScore implements models.RiskStore.
func (s *MemoryRiskStore) GetRiskScore(_ context.Context, tenantID, subjectID string) (*models.RiskScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	score, ok := s.scores[riskKey(tenantID, subjectID)]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *score
	return &copied, nil
}

// PersistRiskScore implements models.RiskStore.
func (s *MemoryRiskStore) PersistRiskScore(_ context.Context, score *models.RiskScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *score
	s.scores[riskKey(score.TenantID, score.SubjectID)] = &copied
	return nil
}

// ListRiskScores implements models.RiskStore.
func (s *MemoryRiskStore) ListRiskScores(_ context.Context, tenantID string) ([]*models.RiskScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.RiskScore
	for _, score := range s.scores {
		if score.TenantID == tenantID {
			copied := *score
			out = append(out, &copied)
		}
	}
	return out, nil
}

// Tenants implements models.RiskStore.
func (s *MemoryRiskStore) Tenants(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, score := range s.scores {
		seen[score.TenantID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for tenantID := range seen {
		out = append(out, tenantID)
	}
	sort.Strings(out)
	return out, nil
}

// MemoryRuleSource is the in-memory RuleSource.
type MemoryRuleSource struct {
	mu          sync.RWMutex
	definitions map[string][]models.RuleDefinition
}

// NewMemoryRuleSource creates an empty rule source.
func NewMemoryRuleSource() *MemoryRuleSource {
	return &MemoryRuleSource{definitions: make(map[string][]models.RuleDefinition)}
}

// SetDefinitions replaces a tenant's rule definitions.
func (s *MemoryRuleSource) SetDefinitions(tenantID string, definitions []models.RuleDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[tenantID] = definitions
}

// GetRuleDefinitions implements models.RuleSource.
func (s *MemoryRuleSource) GetRuleDefinitions(_ context.Context, tenantID string) ([]models.RuleDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.definitions[tenantID], nil
}

// Tenants implements models.RuleSource.
func (s *MemoryRuleSource) Tenants(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.definitions))
	for tenantID := range s.definitions {
		out = append(out, tenantID)
	}
	sort.Strings(out)
	return out, nil
}
