// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

// Package stats implements the statistical detectors: per-subject histogram
// probability checks and a rolling z-score over aggregated tenant counters.
// Both refuse to fire on thin history; a subject we know nothing about is
// not anomalous, just unknown.
package stats

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/watchtower-sec/watchtower/internal/config"
	"github.com/watchtower-sec/watchtower/internal/models"
)

// HistogramDetector scores an event against the subject's behavioral
// histograms: hour of day, location and weekday. Each dimension fires
// independently so one event can emit up to three signals.
type HistogramDetector struct {
	minSamples        int64
	hourRarity        float64
	locationRarity    float64
	weekdayRarity     float64
	highSeverityBelow float64
}

// NewHistogramDetector builds the detector from the stats configuration.
func NewHistogramDetector(cfg config.StatsConfig) *HistogramDetector {
	return &HistogramDetector{
		minSamples:        int64(cfg.MinSamples),
		hourRarity:        cfg.HourRarity,
		locationRarity:    cfg.LocationRarity,
		weekdayRarity:     cfg.WeekdayRarity,
		highSeverityBelow: cfg.HighSeverityBelow,
	}
}

// Detect evaluates the event's hour, location and weekday probabilities
// against the profile. Profiles below the sample guard produce no signals.
func (d *HistogramDetector) Detect(event *models.Event, profile *models.SubjectProfile) []*models.Signal {
	if profile == nil || profile.SampleCount < d.minSamples {
		return nil
	}

	var signals []*models.Signal
	now := time.Now().UTC()

	hour := event.Hour()
	if p := profile.HourProbability(hour); p < d.hourRarity {
		signals = append(signals, d.signal(
			models.SignalUnusualTime, p, now,
			fmt.Sprintf("access at %02d:00 UTC matches %.1f%% of the subject's history", hour, p*100),
			histogramEvidence{Dimension: "hour", Bucket: fmt.Sprintf("%02d", hour), Probability: p, Samples: profile.SampleCount},
		))
	}

	locationKey := event.LocationKey()
	if locationKey != "unknown" {
		if p := profile.LocationProbability(locationKey); p < d.locationRarity {
			signals = append(signals, d.signal(
				models.SignalUnusualLocation, p, now,
				fmt.Sprintf("location %s matches %.1f%% of the subject's history", locationKey, p*100),
				histogramEvidence{Dimension: "location", Bucket: locationKey, Probability: p, Samples: profile.SampleCount},
			))
		}
	}

	// Weekday buckets are coarse (seven of them), so a rare weekday alone
	// is weak evidence. Only a rare weekend day fires.
	day := event.Weekday()
	if day == time.Saturday || day == time.Sunday {
		if p := profile.WeekdayProbability(day); p < d.weekdayRarity {
			signals = append(signals, d.signal(
				models.SignalUnusualWeekday, p, now,
				fmt.Sprintf("weekend access on %s matches %.1f%% of the subject's history", day, p*100),
				histogramEvidence{Dimension: "weekday", Bucket: day.String(), Probability: p, Samples: profile.SampleCount},
			))
		}
	}

	return signals
}

type histogramEvidence struct {
	Dimension   string  `json:"dimension"`
	Bucket      string  `json:"bucket"`
	Probability float64 `json:"probability"`
	Samples     int64   `json:"samples"`
}

func (d *HistogramDetector) signal(kind models.SignalKind, p float64, now time.Time, reason string, evidence histogramEvidence) *models.Signal {
	severity := models.SeverityMedium
	if p < d.highSeverityBelow {
		severity = models.SeverityHigh
	}
	raw, _ := json.Marshal(evidence)
	return &models.Signal{
		Kind:       kind,
		Source:     models.SourceStatistical,
		Severity:   severity,
		Confidence: models.ClampConfidence(1 - p),
		Reason:     reason,
		Evidence:   raw,
		ObservedAt: now,
	}
}
