// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/watchtower-sec/watchtower/internal/config"
	"github.com/watchtower-sec/watchtower/internal/models"
)

func testStatsConfig() config.StatsConfig {
	return config.StatsConfig{
		MinSamples:        8,
		HourRarity:        0.05,
		LocationRarity:    0.02,
		WeekdayRarity:     0.05,
		HighSeverityBelow: 0.01,
		ZScoreMetric:      "event_volume",
		ZScoreWindow:      14 * 24 * time.Hour,
		ZScorePeriods:     7,
		ZScoreThreshold:   2.5,
		ZScoreHigh:        3.0,
	}
}

// officeHoursProfile builds a profile of weekday accesses between 09:00
// and 17:00 from a single London device.
func officeHoursProfile(t *testing.T) *models.SubjectProfile {
	t.Helper()
	profile := models.NewSubjectProfile("tenant-a", "user-1")
	// 2026-03-02 is a Monday.
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	for day := 0; day < 5; day++ {
		for hour := 9; hour < 17; hour++ {
			profile.Observe(&models.Event{
				TenantID:  "tenant-a",
				SubjectID: "user-1",
				Timestamp: start.AddDate(0, 0, day).Add(time.Duration(hour) * time.Hour),
				Outcome:   models.OutcomeGranted,
				City:      "London",
				Country:   "GB",
			})
		}
	}
	return profile
}

func TestHistogramDetectorThinProfile(t *testing.T) {
	detector := NewHistogramDetector(testStatsConfig())
	profile := models.NewSubjectProfile("tenant-a", "user-1")
	profile.Observe(&models.Event{
		Timestamp: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		Outcome:   models.OutcomeGranted,
	})

	event := &models.Event{Timestamp: time.Date(2026, 3, 3, 2, 45, 0, 0, time.UTC)}
	if signals := detector.Detect(event, profile); signals != nil {
		t.Errorf("Detect() fired on a %d-sample profile: %v", profile.SampleCount, signals)
	}
	if signals := detector.Detect(event, nil); signals != nil {
		t.Error("Detect() fired on a nil profile")
	}
}

func TestHistogramDetectorNightAccess(t *testing.T) {
	detector := NewHistogramDetector(testStatsConfig())
	profile := officeHoursProfile(t)

	// Tuesday 02:45 against a strict 09:00-17:00 weekday history.
	event := &models.Event{
		Timestamp: time.Date(2026, 3, 10, 2, 45, 0, 0, time.UTC),
		City:      "London",
		Country:   "GB",
	}

	signals := detector.Detect(event, profile)
	var hourSignal *models.Signal
	for _, s := range signals {
		if s.Kind == models.SignalUnusualTime {
			hourSignal = s
		}
	}
	if hourSignal == nil {
		t.Fatal("Detect() did not flag a 02:45 access against an office-hours profile")
	}
	if hourSignal.Confidence <= 0.9 {
		t.Errorf("Confidence = %v, want > 0.9 for a never-seen hour", hourSignal.Confidence)
	}
	if hourSignal.Severity != models.SeverityHigh {
		t.Errorf("Severity = %s, want %s for P below the escalation cutoff", hourSignal.Severity, models.SeverityHigh)
	}
	if hourSignal.Source != models.SourceStatistical {
		t.Errorf("Source = %s, want %s", hourSignal.Source, models.SourceStatistical)
	}
}

func TestHistogramDetectorCommonBehavior(t *testing.T) {
	detector := NewHistogramDetector(testStatsConfig())
	profile := officeHoursProfile(t)

	// Wednesday 10:00 from the usual location matches the profile.
	event := &models.Event{
		Timestamp: time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC),
		City:      "London",
		Country:   "GB",
	}
	if signals := detector.Detect(event, profile); len(signals) != 0 {
		t.Errorf("Detect() flagged in-profile behavior: %v", signals[0].Reason)
	}
}

func TestHistogramDetectorUnusualLocation(t *testing.T) {
	detector := NewHistogramDetector(testStatsConfig())
	profile := officeHoursProfile(t)

	event := &models.Event{
		Timestamp: time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC),
		City:      "Lagos",
		Country:   "NG",
	}

	signals := detector.Detect(event, profile)
	found := false
	for _, s := range signals {
		if s.Kind == models.SignalUnusualLocation {
			found = true
			if s.Confidence <= 0.9 {
				t.Errorf("Confidence = %v, want > 0.9 for a never-seen location", s.Confidence)
			}
		}
	}
	if !found {
		t.Error("Detect() did not flag a never-seen location")
	}
}

func TestHistogramDetectorWeekdayOnlyFiresOnWeekends(t *testing.T) {
	detector := NewHistogramDetector(testStatsConfig())
	profile := officeHoursProfile(t)

	// Saturday at an in-profile hour: only the weekday dimension can fire.
	saturday := &models.Event{
		Timestamp: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		City:      "London",
		Country:   "GB",
	}
	signals := detector.Detect(saturday, profile)
	found := false
	for _, s := range signals {
		if s.Kind == models.SignalUnusualWeekday {
			found = true
		}
	}
	if !found {
		t.Error("Detect() did not flag a weekend access against a weekday-only profile")
	}

	// A rare weekday that is not a weekend stays quiet even when its bucket
	// is empty. Seed the profile so Friday is absent, then access on Friday.
	noFriday := models.NewSubjectProfile("tenant-a", "user-2")
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	for day := 0; day < 4; day++ { // Monday through Thursday
		for i := 0; i < 3; i++ {
			noFriday.Observe(&models.Event{
				Timestamp: start.AddDate(0, 0, day).Add(time.Duration(i) * time.Hour),
				Outcome:   models.OutcomeGranted,
				City:      "London",
				Country:   "GB",
			})
		}
	}
	friday := &models.Event{
		Timestamp: time.Date(2026, 3, 6, 10, 0, 0, 0, time.UTC),
		City:      "London",
		Country:   "GB",
	}
	for _, s := range detector.Detect(friday, noFriday) {
		if s.Kind == models.SignalUnusualWeekday {
			t.Error("Detect() flagged a rare non-weekend day")
		}
	}
}

type mockSeries struct {
	points []models.TimeSeriesPoint
	err    error
}

func (m *mockSeries) TrailingSeries(_ context.Context, _, _ string, _ time.Duration) ([]models.TimeSeriesPoint, error) {
	return m.points, m.err
}

func seriesOf(counts ...float64) []models.TimeSeriesPoint {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	points := make([]models.TimeSeriesPoint, len(counts))
	for i, c := range counts {
		points[i] = models.TimeSeriesPoint{Timestamp: base.AddDate(0, 0, i), Count: c}
	}
	return points
}

func TestZScoreDetector(t *testing.T) {
	tests := []struct {
		name         string
		counts       []float64
		wantSignal   bool
		wantSeverity models.Severity
	}{
		{"insufficient history", []float64{10, 12, 11, 400}, false, ""},
		{"flat series", []float64{10, 10, 10, 10, 10, 10, 10, 10}, false, ""},
		{"normal variation", []float64{8, 10, 12, 8, 10, 12, 8, 10}, false, ""},
		{"moderate spike", []float64{8, 10, 12, 8, 10, 12, 8, 14.4}, true, models.SeverityMedium},
		{"severe spike", []float64{8, 10, 12, 8, 10, 12, 8, 40}, true, models.SeverityHigh},
		{"severe drop", []float64{80, 82, 78, 80, 81, 79, 80, 10}, true, models.SeverityHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detector := NewZScoreDetector(&mockSeries{points: seriesOf(tt.counts...)}, testStatsConfig())
			signal, err := detector.Detect(context.Background(), "tenant-a")
			if err != nil {
				t.Fatalf("Detect() error = %v", err)
			}
			if (signal != nil) != tt.wantSignal {
				t.Fatalf("Detect() signal = %v, want fired=%v", signal, tt.wantSignal)
			}
			if signal != nil && signal.Severity != tt.wantSeverity {
				t.Errorf("Severity = %s, want %s", signal.Severity, tt.wantSeverity)
			}
		})
	}
}

func TestZScoreDetectorPropagatesSourceError(t *testing.T) {
	detector := NewZScoreDetector(&mockSeries{err: errors.New("series down")}, testStatsConfig())
	if _, err := detector.Detect(context.Background(), "tenant-a"); err == nil {
		t.Error("Detect() swallowed the series lookup error")
	}
}

func TestMeanStddev(t *testing.T) {
	mean, stddev := meanStddev(seriesOf(2, 4, 4, 4, 5, 5, 7, 9))
	if mean != 5 {
		t.Errorf("mean = %v, want 5", mean)
	}
	if stddev != 2 {
		t.Errorf("stddev = %v, want 2", stddev)
	}
}
