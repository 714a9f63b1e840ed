// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

// Package feature turns raw access events into the fixed-width numeric
// vectors consumed by the statistical detector and the outlier model.
package feature

import (
	"hash/fnv"

	"github.com/watchtower-sec/watchtower/internal/models"
)

// VectorWidth is the fixed width of an extracted feature vector.
// Order: hour, weekday, location hash, device hash, success flag.
const VectorWidth = 5

// categoricalBuckets is the hash space for categorical features. Values
// are normalized to [0,1) so no single dimension dominates tree splits.
const categoricalBuckets = 1024

// Extract produces the feature vector for one event. Extraction is a
// pure function: missing optional fields degrade individual features,
// never fail extraction.
func Extract(event *models.Event) []float64 {
	success := 0.0
	if event.Granted() {
		success = 1.0
	}

	return []float64{
		float64(event.Hour()) / 24.0,
		float64(event.Weekday()) / 7.0,
		hashCategorical(event.LocationKey()),
		hashCategorical(event.DeviceFingerprint),
		success,
	}
}

// hashCategorical maps a categorical value to a stable bucket in [0,1).
// FNV-1a keeps the mapping deterministic across processes, which matters
// because training and scoring may happen in different runs.
func hashCategorical(value string) float64 {
	if value == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(value))
	return float64(h.Sum32()%categoricalBuckets) / float64(categoricalBuckets)
}
