// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package risk

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/watchtower-sec/watchtower/internal/config"
	"github.com/watchtower-sec/watchtower/internal/models"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		WeightHistorical: 0.25,
		WeightAnomaly:    0.30,
		WeightAccess:     0.20,
		WeightIndicator:  0.15,
		WeightBehavior:   0.10,
		DecayHalfLife:    7 * 24 * time.Hour,
	}
}

func fixedAggregator(now time.Time) *Aggregator {
	a := NewAggregator(testRiskConfig())
	a.nowFn = func() time.Time { return now }
	return a
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestAggregateWeightedSum(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	aggregator := fixedAggregator(now)

	signals := []*models.Signal{
		// access violation: critical (100 pts) * 0.9 = 90, weighted 0.20 -> 18
		{Kind: models.SignalImpossibleTravel, Severity: models.SeverityCritical, Confidence: 0.9},
		// recent anomaly: medium (25 pts) * 0.8 = 20, weighted 0.30 -> 6
		{Kind: models.SignalVolumeSpike, Severity: models.SeverityMedium, Confidence: 0.8},
		// behavior pattern: high (50 pts) * 1.0 = 50, weighted 0.10 -> 5
		{Kind: models.SignalUnusualTime, Severity: models.SeverityHigh, Confidence: 1.0},
	}

	assessment := aggregator.Aggregate("tenant-a", "user-1", signals, nil)
	score := assessment.Score

	if !almostEqual(score.Score, 29) {
		t.Errorf("Score = %v, want 29", score.Score)
	}
	if score.Level != models.RiskModerate {
		t.Errorf("Level = %s, want %s", score.Level, models.RiskModerate)
	}
	if assessment.Decision != DecisionMonitor {
		t.Errorf("Decision = %s, want %s", assessment.Decision, DecisionMonitor)
	}
	if !almostEqual(score.Breakdown[models.CategoryAccessViolation], 18) {
		t.Errorf("access breakdown = %v, want 18", score.Breakdown[models.CategoryAccessViolation])
	}
	if !almostEqual(score.Breakdown[models.CategoryRecentAnomaly], 6) {
		t.Errorf("anomaly breakdown = %v, want 6", score.Breakdown[models.CategoryRecentAnomaly])
	}
	if !almostEqual(score.Breakdown[models.CategoryBehaviorPattern], 5) {
		t.Errorf("behavior breakdown = %v, want 5", score.Breakdown[models.CategoryBehaviorPattern])
	}
}

func TestAggregateCapsSubScores(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	aggregator := fixedAggregator(now)

	// Five critical access violations at full confidence sum to 500 points
	// but the category caps at 100 before weighting.
	var signals []*models.Signal
	for i := 0; i < 5; i++ {
		signals = append(signals, &models.Signal{
			Kind: models.SignalGeoViolation, Severity: models.SeverityCritical, Confidence: 1.0,
		})
	}

	assessment := aggregator.Aggregate("tenant-a", "user-1", signals, nil)
	if !almostEqual(assessment.Score.Score, 20) {
		t.Errorf("Score = %v, want 20 (capped category * 0.20 weight)", assessment.Score.Score)
	}
}

func TestAggregateNeverExceedsHundred(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	aggregator := fixedAggregator(now)

	signals := []*models.Signal{
		{Kind: models.SignalImpossibleTravel, Severity: models.SeverityCritical, Confidence: 1.0},
		{Kind: models.SignalHighFrequency, Severity: models.SeverityCritical, Confidence: 1.0},
		{Kind: models.SignalVolumeSpike, Severity: models.SeverityCritical, Confidence: 1.0},
		{Kind: models.SignalModelOutlier, Severity: models.SeverityCritical, Confidence: 1.0},
		{Kind: models.SignalNewDevice, Severity: models.SeverityCritical, Confidence: 1.0},
		{Kind: models.SignalUnusualTime, Severity: models.SeverityCritical, Confidence: 1.0},
		{Kind: models.SignalUnusualLocation, Severity: models.SeverityCritical, Confidence: 1.0},
	}
	prior := &models.RiskScore{
		TenantID: "tenant-a", SubjectID: "user-1",
		Score: 100, Level: models.RiskCritical, UpdatedAt: now,
	}

	assessment := aggregator.Aggregate("tenant-a", "user-1", signals, prior)
	if assessment.Score.Score > 100 {
		t.Errorf("Score = %v, want <= 100", assessment.Score.Score)
	}
	if assessment.Score.Level != models.RiskCritical {
		t.Errorf("Level = %s, want %s", assessment.Score.Level, models.RiskCritical)
	}
	if assessment.Decision != DecisionBlock {
		t.Errorf("Decision = %s, want %s", assessment.Decision, DecisionBlock)
	}
}

func TestDecayHalvesAtHalfLife(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	aggregator := fixedAggregator(now)

	prior := &models.RiskScore{
		Score:     80,
		UpdatedAt: now.Add(-7 * 24 * time.Hour),
	}
	if got := aggregator.Decayed(prior, now); !almostEqual(got, 40) {
		t.Errorf("Decayed() after one half-life = %v, want 40", got)
	}

	fresh := &models.RiskScore{Score: 80, UpdatedAt: now}
	if got := aggregator.Decayed(fresh, now); !almostEqual(got, 80) {
		t.Errorf("Decayed() with no elapsed time = %v, want 80", got)
	}

	ancient := &models.RiskScore{Score: 80, UpdatedAt: now.Add(-70 * 24 * time.Hour)}
	if got := aggregator.Decayed(ancient, now); got > 0.1 {
		t.Errorf("Decayed() after ten half-lives = %v, want near 0", got)
	}
}

func TestAggregateQuietEventKeepsDecayedPrior(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	aggregator := fixedAggregator(now)

	prior := &models.RiskScore{
		TenantID: "tenant-a", SubjectID: "user-1",
		Score: 60, Level: models.RiskSevere,
		UpdatedAt: now.Add(-7 * 24 * time.Hour),
	}

	// No signals: the composite floors at the decayed prior (30), not the
	// weighted historical contribution alone.
	assessment := aggregator.Aggregate("tenant-a", "user-1", nil, prior)
	if !almostEqual(assessment.Score.Score, 30) {
		t.Errorf("Score = %v, want 30 (decayed prior)", assessment.Score.Score)
	}
	if assessment.Score.Level != models.RiskModerate {
		t.Errorf("Level = %s, want %s", assessment.Score.Level, models.RiskModerate)
	}
}

func TestAggregateRepeatOffenderClimbsFaster(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	aggregator := fixedAggregator(now)

	signals := []*models.Signal{
		{Kind: models.SignalImpossibleTravel, Severity: models.SeverityCritical, Confidence: 0.9},
	}

	firstTimer := aggregator.Aggregate("tenant-a", "newbie", signals, nil)

	prior := &models.RiskScore{
		TenantID: "tenant-a", SubjectID: "repeat",
		Score: 70, UpdatedAt: now.Add(-24 * time.Hour),
	}
	repeat := aggregator.Aggregate("tenant-a", "repeat", signals, prior)

	if repeat.Score.Score <= firstTimer.Score.Score {
		t.Errorf("repeat offender score %v not above first-timer score %v",
			repeat.Score.Score, firstTimer.Score.Score)
	}
}

func TestDecisionForLevel(t *testing.T) {
	tests := []struct {
		level models.RiskLevel
		want  Decision
	}{
		{models.RiskCritical, DecisionBlock},
		{models.RiskSevere, DecisionReview},
		{models.RiskHigh, DecisionChallenge},
		{models.RiskModerate, DecisionMonitor},
		{models.RiskLow, DecisionAllow},
		{models.RiskMinimal, DecisionAllow},
	}
	for _, tt := range tests {
		if got := DecisionForLevel(tt.level); got != tt.want {
			t.Errorf("DecisionForLevel(%s) = %s, want %s", tt.level, got, tt.want)
		}
	}
}

type mockRiskStore struct {
	scores  map[string]*models.RiskScore
	saved   []*models.RiskScore
	tenants []string
}

func (m *mockRiskStore) GetRiskScore(_ context.Context, tenantID, subjectID string) (*models.RiskScore, error) {
	s, ok := m.scores[tenantID+"/"+subjectID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return s, nil
}

func (m *mockRiskStore) PersistRiskScore(_ context.Context, score *models.RiskScore) error {
	m.saved = append(m.saved, score)
	return nil
}

func (m *mockRiskStore) ListRiskScores(_ context.Context, tenantID string) ([]*models.RiskScore, error) {
	var out []*models.RiskScore
	for _, s := range m.scores {
		if s.TenantID == tenantID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockRiskStore) Tenants(_ context.Context) ([]string, error) {
	return m.tenants, nil
}

func TestSweeperRepersistsDecayedScores(t *testing.T) {
	now := time.Date(2026, 4, 8, 12, 0, 0, 0, time.UTC)
	aggregator := NewAggregator(testRiskConfig())
	store := &mockRiskStore{
		tenants: []string{"tenant-a"},
		scores: map[string]*models.RiskScore{
			"tenant-a/stale": {
				TenantID: "tenant-a", SubjectID: "stale",
				Score: 80, Level: models.RiskCritical,
				UpdatedAt: now.Add(-7 * 24 * time.Hour),
			},
		},
	}

	sweeper := NewSweeper(aggregator, store, time.Hour)
	sweeper.nowFn = func() time.Time { return now }
	sweeper.sweep(context.Background())

	if len(store.saved) != 1 {
		t.Fatalf("sweep persisted %d scores, want 1", len(store.saved))
	}
	got := store.saved[0]
	if math.Abs(got.Score-40) > 0.01 {
		t.Errorf("swept score = %v, want ~40", got.Score)
	}
	if got.Level != models.RiskHigh {
		t.Errorf("swept level = %s, want %s", got.Level, models.RiskHigh)
	}
}
