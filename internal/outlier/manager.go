// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package outlier

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/watchtower-sec/watchtower/internal/config"
	"github.com/watchtower-sec/watchtower/internal/logging"
	"github.com/watchtower-sec/watchtower/internal/metrics"
	"github.com/watchtower-sec/watchtower/internal/models"
)

// SnapshotStore persists trained models across restarts.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, tenantID string, snapshot []byte) error
	LoadSnapshot(ctx context.Context, tenantID string) ([]byte, error)
}

// trainedModel pairs a forest with its training metadata. Instances are
// immutable after construction; the cache swaps whole pointers.
type trainedModel struct {
	Forest      *Forest   `json:"forest"`
	TenantID    string    `json:"tenant_id"`
	TrainedAt   time.Time `json:"trained_at"`
	SampleCount int       `json:"sample_count"`
}

// TrainOutcome reports what a training pass did for one tenant.
type TrainOutcome string

const (
	TrainOutcomeTrained          TrainOutcome = "trained"
	TrainOutcomeInsufficientData TrainOutcome = "insufficient_data"
	TrainOutcomeFailed           TrainOutcome = "failed"
)

// Manager holds the per-tenant model cache and serves scoring requests.
// Reads are lock-free; training swaps the tenant's pointer atomically so
// scoring never blocks behind a retrain.
type Manager struct {
	cfg       config.OutlierConfig
	history   models.HistorySource
	snapshots SnapshotStore

	mu     sync.Mutex
	cache  map[string]*atomic.Pointer[trainedModel]
	nowFn  func() time.Time
	seedFn func() int64
}

// NewManager creates a model manager. The snapshot store may be nil, in
// which case models live only in memory.
func NewManager(cfg config.OutlierConfig, history models.HistorySource, snapshots SnapshotStore) *Manager {
	return &Manager{
		cfg:       cfg,
		history:   history,
		snapshots: snapshots,
		cache:     make(map[string]*atomic.Pointer[trainedModel]),
		nowFn:     func() time.Time { return time.Now().UTC() },
		seedFn:    func() int64 { return time.Now().UnixNano() },
	}
}

func (m *Manager) slot(tenantID string) *atomic.Pointer[trainedModel] {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.cache[tenantID]
	if !ok {
		slot = &atomic.Pointer[trainedModel]{}
		m.cache[tenantID] = slot
	}
	return slot
}

// Score runs the tenant's model over the feature vector. A missing or
// stale model returns (nil, ErrStaleModel); the caller records a skip and
// moves on. The model is advisory and never fails the pipeline.
func (m *Manager) Score(event *models.Event, vector []float64) (*models.Signal, error) {
	if !m.cfg.Enabled {
		return nil, models.ErrStaleModel
	}

	model := m.slot(event.TenantID).Load()
	if model == nil {
		return nil, models.ErrStaleModel
	}
	if m.nowFn().Sub(model.TrainedAt) > m.cfg.ModelTTL {
		return nil, models.ErrStaleModel
	}

	score := model.Forest.Score(vector)
	if score < model.Forest.Threshold {
		return nil, nil
	}

	// Confidence grows with the margin above the threshold; a point at
	// the threshold starts at 0.5.
	margin := (score - model.Forest.Threshold) / (1 - model.Forest.Threshold + 1e-9)
	confidence := models.ClampConfidence(0.5 + 0.5*margin)

	severity := models.SeverityMedium
	if score >= 0.75 {
		severity = models.SeverityHigh
	}

	evidence, _ := json.Marshal(struct {
		Score       float64   `json:"score"`
		Threshold   float64   `json:"threshold"`
		TrainedAt   time.Time `json:"trained_at"`
		SampleCount int       `json:"sample_count"`
	}{score, model.Forest.Threshold, model.TrainedAt, model.SampleCount})

	return &models.Signal{
		Kind:       models.SignalModelOutlier,
		Source:     models.SourceModel,
		Severity:   severity,
		Confidence: confidence,
		Reason:     fmt.Sprintf("behavior isolates with anomaly score %.2f (threshold %.2f)", score, model.Forest.Threshold),
		Evidence:   evidence,
		ObservedAt: m.nowFn(),
	}, nil
}

// Train fits a fresh model for the tenant from its training window. On
// failure or insufficient data the prior model, stale or not, stays in
// place.
func (m *Manager) Train(ctx context.Context, tenantID string) (TrainOutcome, error) {
	start := m.nowFn()
	since := start.Add(-m.cfg.TrainingWindow)

	vectors, err := m.history.FeatureWindow(ctx, tenantID, since)
	if err != nil {
		metrics.ModelTrainings.WithLabelValues(string(TrainOutcomeFailed)).Inc()
		return TrainOutcomeFailed, fmt.Errorf("feature window for %s: %w", tenantID, err)
	}
	if len(vectors) < m.cfg.MinSamples {
		metrics.ModelTrainings.WithLabelValues(string(TrainOutcomeInsufficientData)).Inc()
		logging.Debug().
			Str("tenant_id", tenantID).
			Int("samples", len(vectors)).
			Int("required", m.cfg.MinSamples).
			Msg("Skipping model training on insufficient data")
		return TrainOutcomeInsufficientData, nil
	}

	forest := NewForest(m.cfg.Trees, m.cfg.SampleSize)
	forest.Fit(vectors, m.cfg.Contamination, m.seedFn())

	model := &trainedModel{
		Forest:      forest,
		TenantID:    tenantID,
		TrainedAt:   start,
		SampleCount: len(vectors),
	}
	m.slot(tenantID).Store(model)

	metrics.ModelTrainings.WithLabelValues(string(TrainOutcomeTrained)).Inc()
	metrics.ModelTrainingDuration.Observe(m.nowFn().Sub(start).Seconds())
	logging.Info().
		Str("tenant_id", tenantID).
		Int("samples", len(vectors)).
		Float64("threshold", forest.Threshold).
		Msg("Trained outlier model")

	if m.snapshots != nil {
		if err := m.persist(ctx, model); err != nil {
			// The in-memory model is live; losing the snapshot only costs
			// a retrain after restart.
			logging.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to persist model snapshot")
		}
	}
	return TrainOutcomeTrained, nil
}

func (m *Manager) persist(ctx context.Context, model *trainedModel) error {
	data, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return m.snapshots.SaveSnapshot(ctx, model.TenantID, data)
}

// Restore loads persisted snapshots for the given tenants. Stale or
// corrupt snapshots are skipped; the next training sweep replaces them.
func (m *Manager) Restore(ctx context.Context, tenantIDs []string) int {
	if m.snapshots == nil {
		return 0
	}
	restored := 0
	for _, tenantID := range tenantIDs {
		data, err := m.snapshots.LoadSnapshot(ctx, tenantID)
		if err != nil || len(data) == 0 {
			continue
		}
		model := &trainedModel{}
		if err := json.Unmarshal(data, model); err != nil {
			logging.Warn().Err(err).Str("tenant_id", tenantID).Msg("Discarding corrupt model snapshot")
			continue
		}
		if model.Forest == nil || m.nowFn().Sub(model.TrainedAt) > m.cfg.ModelTTL {
			continue
		}
		m.slot(tenantID).Store(model)
		restored++
	}
	if restored > 0 {
		logging.Info().Int("models", restored).Msg("Restored outlier models from snapshots")
	}
	return restored
}

// ModelInfo describes a cached model for the ops API.
type ModelInfo struct {
	TenantID    string    `json:"tenant_id"`
	TrainedAt   time.Time `json:"trained_at"`
	SampleCount int       `json:"sample_count"`
	Threshold   float64   `json:"threshold"`
	Stale       bool      `json:"stale"`
}

// Models lists the cached models.
func (m *Manager) Models() []ModelInfo {
	m.mu.Lock()
	slots := make(map[string]*atomic.Pointer[trainedModel], len(m.cache))
	for k, v := range m.cache {
		slots[k] = v
	}
	m.mu.Unlock()

	now := m.nowFn()
	infos := make([]ModelInfo, 0, len(slots))
	for tenantID, slot := range slots {
		model := slot.Load()
		if model == nil {
			continue
		}
		infos = append(infos, ModelInfo{
			TenantID:    tenantID,
			TrainedAt:   model.TrainedAt,
			SampleCount: model.SampleCount,
			Threshold:   model.Forest.Threshold,
			Stale:       now.Sub(model.TrainedAt) > m.cfg.ModelTTL,
		})
	}
	return infos
}
