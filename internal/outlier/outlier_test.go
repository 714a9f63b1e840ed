// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package outlier

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/watchtower-sec/watchtower/internal/config"
	"github.com/watchtower-sec/watchtower/internal/models"
)

func testOutlierConfig() config.OutlierConfig {
	return config.OutlierConfig{
		Enabled:        true,
		Trees:          50,
		SampleSize:     64,
		MinSamples:     100,
		Contamination:  0.05,
		TrainingWindow: 90 * 24 * time.Hour,
		ModelTTL:       7 * 24 * time.Hour,
	}
}

// clusterVectors generates n vectors tightly grouped around a center.
func clusterVectors(rng *rand.Rand, n int, center []float64, spread float64) [][]float64 {
	vectors := make([][]float64, n)
	for i := range vectors {
		v := make([]float64, len(center))
		for d := range v {
			v[d] = center[d] + (rng.Float64()-0.5)*spread
		}
		vectors[i] = v
	}
	return vectors
}

func TestForestSeparatesOutliers(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	training := clusterVectors(rng, 500, []float64{0.4, 0.5, 0.3, 0.6, 1.0}, 0.1)

	forest := NewForest(100, 128)
	forest.Fit(training, 0.05, 42)

	inlier := []float64{0.41, 0.52, 0.31, 0.58, 1.0}
	outlier := []float64{0.95, 0.02, 0.99, 0.01, 0.0}

	inScore := forest.Score(inlier)
	outScore := forest.Score(outlier)
	if outScore <= inScore {
		t.Errorf("outlier score %v not above inlier score %v", outScore, inScore)
	}
	if outScore < forest.Threshold {
		t.Errorf("far outlier score %v below trained threshold %v", outScore, forest.Threshold)
	}
	if inScore >= forest.Threshold {
		t.Errorf("cluster-center score %v at or above trained threshold %v", inScore, forest.Threshold)
	}
}

func TestForestReproducibleWithSeed(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	training := clusterVectors(rng, 300, []float64{0.5, 0.5, 0.5, 0.5, 0.5}, 0.2)

	a := NewForest(50, 64)
	a.Fit(training, 0.05, 99)
	b := NewForest(50, 64)
	b.Fit(training, 0.05, 99)

	probe := []float64{0.9, 0.1, 0.9, 0.1, 0.9}
	if a.Score(probe) != b.Score(probe) {
		t.Error("same seed produced different forests")
	}
	if a.Threshold != b.Threshold {
		t.Errorf("thresholds differ: %v vs %v", a.Threshold, b.Threshold)
	}
}

func TestForestUntrainedScoresZero(t *testing.T) {
	forest := NewForest(10, 16)
	if got := forest.Score([]float64{1, 2, 3}); got != 0 {
		t.Errorf("untrained Score() = %v, want 0", got)
	}
}

func TestForestSnapshotRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	training := clusterVectors(rng, 200, []float64{0.3, 0.3, 0.3, 0.3, 0.3}, 0.1)

	forest := NewForest(20, 32)
	forest.Fit(training, 0.05, 3)

	data, err := forest.MarshalSnapshot()
	if err != nil {
		t.Fatalf("MarshalSnapshot() error = %v", err)
	}
	restored, err := UnmarshalSnapshot(data)
	if err != nil {
		t.Fatalf("UnmarshalSnapshot() error = %v", err)
	}

	probe := []float64{0.8, 0.9, 0.7, 0.85, 0.95}
	if restored.Score(probe) != forest.Score(probe) {
		t.Error("restored forest scores differently")
	}
}

type mockFeatureHistory struct {
	vectors [][]float64
	err     error
}

func (m *mockFeatureHistory) RecentEventCount(_ context.Context, _, _ string, _ time.Duration) (int, error) {
	return 0, nil
}

func (m *mockFeatureHistory) FeatureWindow(_ context.Context, _ string, _ time.Time) ([][]float64, error) {
	return m.vectors, m.err
}

type mapSnapshots struct {
	data map[string][]byte
}

func (m *mapSnapshots) SaveSnapshot(_ context.Context, tenantID string, snapshot []byte) error {
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[tenantID] = snapshot
	return nil
}

func (m *mapSnapshots) LoadSnapshot(_ context.Context, tenantID string) ([]byte, error) {
	return m.data[tenantID], nil
}

func trainedManager(t *testing.T) *Manager {
	t.Helper()
	rng := rand.New(rand.NewSource(11))
	history := &mockFeatureHistory{
		vectors: clusterVectors(rng, 400, []float64{0.4, 0.5, 0.3, 0.6, 1.0}, 0.1),
	}
	manager := NewManager(testOutlierConfig(), history, nil)
	manager.seedFn = func() int64 { return 11 }

	outcome, err := manager.Train(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	if outcome != TrainOutcomeTrained {
		t.Fatalf("Train() outcome = %s, want %s", outcome, TrainOutcomeTrained)
	}
	return manager
}

func TestManagerScoreFlagsOutlier(t *testing.T) {
	manager := trainedManager(t)
	event := &models.Event{TenantID: "tenant-a", SubjectID: "user-1"}

	signal, err := manager.Score(event, []float64{0.95, 0.02, 0.99, 0.01, 0.0})
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if signal == nil {
		t.Fatal("Score() did not flag a far outlier")
	}
	if signal.Kind != models.SignalModelOutlier {
		t.Errorf("Kind = %s, want %s", signal.Kind, models.SignalModelOutlier)
	}
	if signal.Source != models.SourceModel {
		t.Errorf("Source = %s, want %s", signal.Source, models.SourceModel)
	}
	if signal.Confidence < 0.5 {
		t.Errorf("Confidence = %v, want >= 0.5 above threshold", signal.Confidence)
	}

	inlier, err := manager.Score(event, []float64{0.41, 0.52, 0.31, 0.58, 1.0})
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if inlier != nil {
		t.Errorf("Score() flagged in-cluster behavior: %s", inlier.Reason)
	}
}

func TestManagerScoreSkipsWithoutModel(t *testing.T) {
	manager := NewManager(testOutlierConfig(), &mockFeatureHistory{}, nil)
	event := &models.Event{TenantID: "tenant-b"}

	_, err := manager.Score(event, []float64{0.5, 0.5, 0.5, 0.5, 0.5})
	if !errors.Is(err, models.ErrStaleModel) {
		t.Errorf("Score() error = %v, want ErrStaleModel", err)
	}
}

func TestManagerScoreSkipsStaleModel(t *testing.T) {
	manager := trainedManager(t)

	// Advance the clock past the 7 day TTL.
	manager.nowFn = func() time.Time { return time.Now().UTC().Add(8 * 24 * time.Hour) }

	event := &models.Event{TenantID: "tenant-a"}
	_, err := manager.Score(event, []float64{0.95, 0.02, 0.99, 0.01, 0.0})
	if !errors.Is(err, models.ErrStaleModel) {
		t.Errorf("Score() on an 8-day-old model: error = %v, want ErrStaleModel", err)
	}
}

func TestManagerTrainInsufficientData(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	history := &mockFeatureHistory{
		vectors: clusterVectors(rng, 10, []float64{0.5, 0.5, 0.5, 0.5, 0.5}, 0.1),
	}
	manager := NewManager(testOutlierConfig(), history, nil)

	outcome, err := manager.Train(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	if outcome != TrainOutcomeInsufficientData {
		t.Errorf("Train() outcome = %s, want %s", outcome, TrainOutcomeInsufficientData)
	}
	if manager.slot("tenant-a").Load() != nil {
		t.Error("insufficient-data training installed a model")
	}
}

func TestManagerTrainFailureKeepsPriorModel(t *testing.T) {
	manager := trainedManager(t)
	prior := manager.slot("tenant-a").Load()

	manager.history = &mockFeatureHistory{err: errors.New("history down")}
	outcome, err := manager.Train(context.Background(), "tenant-a")
	if err == nil {
		t.Error("Train() swallowed the history error")
	}
	if outcome != TrainOutcomeFailed {
		t.Errorf("Train() outcome = %s, want %s", outcome, TrainOutcomeFailed)
	}
	if manager.slot("tenant-a").Load() != prior {
		t.Error("failed training replaced the prior model")
	}
}

func TestManagerSnapshotRestore(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	history := &mockFeatureHistory{
		vectors: clusterVectors(rng, 400, []float64{0.4, 0.5, 0.3, 0.6, 1.0}, 0.1),
	}
	snapshots := &mapSnapshots{}
	manager := NewManager(testOutlierConfig(), history, snapshots)
	manager.seedFn = func() int64 { return 5 }

	if _, err := manager.Train(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("Train() error = %v", err)
	}

	// A fresh manager simulating a restart restores from the snapshot.
	restarted := NewManager(testOutlierConfig(), history, snapshots)
	if restored := restarted.Restore(context.Background(), []string{"tenant-a", "tenant-missing"}); restored != 1 {
		t.Fatalf("Restore() = %d, want 1", restored)
	}

	event := &models.Event{TenantID: "tenant-a"}
	signal, err := restarted.Score(event, []float64{0.95, 0.02, 0.99, 0.01, 0.0})
	if err != nil {
		t.Fatalf("Score() after restore error = %v", err)
	}
	if signal == nil {
		t.Error("restored model did not flag the outlier")
	}
}

type staticTenants struct{ ids []string }

func (s staticTenants) Tenants(_ context.Context) ([]string, error) { return s.ids, nil }

func TestTrainerSweep(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	history := &mockFeatureHistory{
		vectors: clusterVectors(rng, 400, []float64{0.4, 0.5, 0.3, 0.6, 1.0}, 0.1),
	}
	manager := NewManager(testOutlierConfig(), history, nil)
	trainer := NewTrainer(manager, staticTenants{ids: []string{"tenant-a", "tenant-b"}}, time.Hour, time.Minute)

	trainer.sweep(context.Background())

	if manager.slot("tenant-a").Load() == nil || manager.slot("tenant-b").Load() == nil {
		t.Error("sweep did not train all listed tenants")
	}
}
