// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package models

import "errors"

// Detector-level error taxonomy. None of these abort the pipeline: the
// aggregator always produces a result from whatever signals succeeded.
var (
	// ErrInsufficientData means too few historical samples; the detector
	// is silently skipped rather than emitting a false anomaly.
	ErrInsufficientData = errors.New("insufficient historical data")

	// ErrStaleModel means the cached outlier model is absent or past its
	// TTL; model-based scoring is skipped for this event.
	ErrStaleModel = errors.New("outlier model stale or missing")

	// ErrDependencyUnavailable means a profile/history lookup timed out.
	// The pipeline proceeds with whatever signals are available.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrNotComputable guards division-by-zero and NaN inputs (e.g. zero
	// elapsed time in a velocity check). Treated as "did not fire".
	ErrNotComputable = errors.New("value not computable")

	// ErrNotFound is returned by stores for missing records.
	ErrNotFound = errors.New("not found")
)

// Skippable reports whether an error is a routine detector skip rather
// than a real failure worth logging at error level.
func Skippable(err error) bool {
	return errors.Is(err, ErrInsufficientData) ||
		errors.Is(err, ErrStaleModel) ||
		errors.Is(err, ErrNotComputable)
}

// SkipReason maps a skippable error to a bounded metric label.
func SkipReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, ErrStaleModel):
		return "stale_model"
	case errors.Is(err, ErrNotComputable):
		return "not_computable"
	default:
		return "other"
	}
}
