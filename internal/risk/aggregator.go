// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

// Package risk turns an event's detection signals into the subject's
// composite risk score: each signal lands in a weighted category, category
// sub-scores combine via the weighted sum, and unrefreshed scores decay
// toward zero so stale risk does not linger.
package risk

import (
	"math"
	"time"

	"github.com/watchtower-sec/watchtower/internal/config"
	"github.com/watchtower-sec/watchtower/internal/metrics"
	"github.com/watchtower-sec/watchtower/internal/models"
)

// Decision is the recommended disposition for the subject at this score.
type Decision string

const (
	DecisionAllow     Decision = "allow"
	DecisionMonitor   Decision = "monitor"
	DecisionChallenge Decision = "challenge"
	DecisionReview    Decision = "review"
	DecisionBlock     Decision = "block"
)

// DecisionForLevel maps a risk band to its recommended disposition.
func DecisionForLevel(level models.RiskLevel) Decision {
	switch level {
	case models.RiskCritical:
		return DecisionBlock
	case models.RiskSevere:
		return DecisionReview
	case models.RiskHigh:
		return DecisionChallenge
	case models.RiskModerate:
		return DecisionMonitor
	default:
		return DecisionAllow
	}
}

// Assessment is the aggregator's output for one event.
type Assessment struct {
	Score    *models.RiskScore
	Decision Decision
}

// Aggregator computes composite risk scores.
type Aggregator struct {
	weights  map[models.RiskCategory]float64
	halfLife time.Duration
	nowFn    func() time.Time
}

// NewAggregator builds the aggregator from validated risk configuration.
func NewAggregator(cfg config.RiskConfig) *Aggregator {
	return &Aggregator{
		weights: map[models.RiskCategory]float64{
			models.CategoryHistoricalIncident: cfg.WeightHistorical,
			models.CategoryRecentAnomaly:      cfg.WeightAnomaly,
			models.CategoryAccessViolation:    cfg.WeightAccess,
			models.CategoryIndicatorMatch:     cfg.WeightIndicator,
			models.CategoryBehaviorPattern:    cfg.WeightBehavior,
		},
		halfLife: cfg.DecayHalfLife,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// categoryFor assigns a signal to its weighted category by kind. The
// historical category has no live signal source: it carries the subject's
// decayed prior score instead.
func categoryFor(signal *models.Signal) models.RiskCategory {
	switch signal.Kind {
	case models.SignalGeoViolation, models.SignalImpossibleTravel:
		return models.CategoryAccessViolation
	case models.SignalNewDevice:
		return models.CategoryIndicatorMatch
	case models.SignalUnusualTime, models.SignalUnusualLocation, models.SignalUnusualWeekday:
		return models.CategoryBehaviorPattern
	default:
		// High-frequency, volume spikes and model outliers are all
		// recency-weighted anomalies.
		return models.CategoryRecentAnomaly
	}
}

// Aggregate folds the event's signals into the subject's risk score. The
// prior score, decayed to now, feeds the historical-incident category so
// repeat offenders climb faster than first-timers. An empty signal set
// still re-anchors the decayed score.
func (a *Aggregator) Aggregate(tenantID, subjectID string, signals []*models.Signal, prior *models.RiskScore) *Assessment {
	now := a.nowFn()

	subScores := map[models.RiskCategory]float64{}
	for _, signal := range signals {
		category := categoryFor(signal)
		// Confidence scales the severity points so a weak signal cannot
		// contribute a full severity quantum.
		subScores[category] += signal.Severity.Points() * models.ClampConfidence(signal.Confidence)
	}

	if prior != nil {
		subScores[models.CategoryHistoricalIncident] = a.Decayed(prior, now)
	}

	breakdown := make(map[models.RiskCategory]float64, len(a.weights))
	var composite float64
	for category, weight := range a.weights {
		sub := math.Min(subScores[category], 100)
		contribution := sub * weight
		breakdown[category] = contribution
		composite += contribution
	}
	composite = models.ClampScore(composite)

	// New evidence never lowers the score below its decayed prior; decay
	// alone does that.
	if prior != nil {
		if decayed := a.Decayed(prior, now); composite < decayed {
			composite = decayed
		}
	}

	level := models.LevelForScore(composite)
	metrics.RiskScoreDistribution.Observe(composite)

	return &Assessment{
		Score: &models.RiskScore{
			TenantID:  tenantID,
			SubjectID: subjectID,
			Score:     composite,
			Level:     level,
			Breakdown: breakdown,
			UpdatedAt: now,
		},
		Decision: DecisionForLevel(level),
	}
}

// Decayed returns the prior score after exponential half-life decay from
// its last update to now.
func (a *Aggregator) Decayed(prior *models.RiskScore, now time.Time) float64 {
	if prior == nil || a.halfLife <= 0 {
		return 0
	}
	age := now.Sub(prior.UpdatedAt)
	if age <= 0 {
		return prior.Score
	}
	decayed := prior.Score * math.Pow(0.5, age.Hours()/a.halfLife.Hours())
	return models.ClampScore(decayed)
}
