// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package stats

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"

	"github.com/watchtower-sec/watchtower/internal/config"
	"github.com/watchtower-sec/watchtower/internal/models"
)

// stddevEpsilon guards the z-score division. A flat series has no spread
// to be anomalous against.
const stddevEpsilon = 1e-9

// ZScoreDetector flags a tenant's current counter bucket when it deviates
// from the trailing window mean by more than the threshold in standard
// deviations. The window excludes the current bucket so a spike cannot
// inflate its own baseline.
type ZScoreDetector struct {
	series    models.TimeSeriesSource
	metric    string
	window    time.Duration
	minPeriod int
	threshold float64
	high      float64
}

// NewZScoreDetector builds the detector from the stats configuration.
func NewZScoreDetector(series models.TimeSeriesSource, cfg config.StatsConfig) *ZScoreDetector {
	return &ZScoreDetector{
		series:    series,
		metric:    cfg.ZScoreMetric,
		window:    cfg.ZScoreWindow,
		minPeriod: cfg.ZScorePeriods,
		threshold: cfg.ZScoreThreshold,
		high:      cfg.ZScoreHigh,
	}
}

// Detect fetches the tenant's trailing series and scores the latest bucket
// against the preceding ones. Returns (nil, nil) on insufficient history.
func (d *ZScoreDetector) Detect(ctx context.Context, tenantID string) (*models.Signal, error) {
	points, err := d.series.TrailingSeries(ctx, tenantID, d.metric, d.window)
	if err != nil {
		return nil, fmt.Errorf("trailing series for %s: %w", tenantID, err)
	}

	// minPeriod baseline buckets plus the bucket under test.
	if len(points) < d.minPeriod+1 {
		return nil, nil
	}

	baseline := points[:len(points)-1]
	current := points[len(points)-1]

	mean, stddev := meanStddev(baseline)
	if stddev < stddevEpsilon {
		return nil, nil
	}

	z := (current.Count - mean) / stddev
	if math.Abs(z) <= d.threshold {
		return nil, nil
	}

	severity := models.SeverityMedium
	if math.Abs(z) > d.high {
		severity = models.SeverityHigh
	}

	// Map |z| above the threshold into a confidence; saturates at |z| = 2x
	// the threshold.
	confidence := models.ClampConfidence(0.5 + 0.5*(math.Abs(z)-d.threshold)/d.threshold)

	evidence, _ := json.Marshal(struct {
		Metric   string  `json:"metric"`
		Observed float64 `json:"observed"`
		Mean     float64 `json:"mean"`
		Stddev   float64 `json:"stddev"`
		ZScore   float64 `json:"z_score"`
		Periods  int     `json:"periods"`
	}{d.metric, current.Count, mean, stddev, z, len(baseline)})

	direction := "above"
	if z < 0 {
		direction = "below"
	}

	return &models.Signal{
		Kind:       models.SignalVolumeSpike,
		Source:     models.SourceStatistical,
		Severity:   severity,
		Confidence: confidence,
		Reason: fmt.Sprintf("%s count %.0f is %.1f standard deviations %s the trailing mean %.1f",
			d.metric, current.Count, math.Abs(z), direction, mean),
		Evidence:   evidence,
		ObservedAt: time.Now().UTC(),
	}, nil
}

func meanStddev(points []models.TimeSeriesPoint) (float64, float64) {
	n := float64(len(points))
	var sum float64
	for _, p := range points {
		sum += p.Count
	}
	mean := sum / n

	var variance float64
	for _, p := range points {
		d := p.Count - mean
		variance += d * d
	}
	variance /= n

	return mean, math.Sqrt(variance)
}
